package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeName(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"plain ascii", []byte("dev-01"), "dev-01"},
		{"trailing NUL padding", []byte("dev-01\x00\x00\x00"), "dev-01"},
		{"utf-8 kept", []byte("capteur-é"), "capteur-é"},
		{"latin-1 decoded", []byte{'c', 'a', 'f', 0xe9}, "café"},
		{"empty", nil, ""},
		{"only NULs", []byte{0, 0}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeName(tt.raw), "decoded name MUST match")
		})
	}
}
