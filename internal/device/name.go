package device

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeName turns the raw advertised local name into a Go string.
// Firmware pads fixed-size name buffers with NULs, and some stacks hand the
// bytes over undecoded; anything that is not valid UTF-8 is read as Latin-1.
func DecodeName(raw []byte) string {
	name := strings.TrimRight(string(raw), "\x00")
	if utf8.ValidString(name) {
		return name
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(name)
	if err != nil {
		return strings.ToValidUTF8(name, "")
	}
	return decoded
}
