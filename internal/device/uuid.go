package device

import (
	"fmt"

	"github.com/srg/blehost/internal/bledb"
)

// NormalizeUUID is re-exported from bledb for convenience.
// It converts a UUID string to the internal BLE library format (lowercase, no dashes).
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// FindCharacteristic looks a characteristic up across the session's services
// when the caller does not know (or care about) the owning service.
func FindCharacteristic(s Session, uuid string) (Characteristic, error) {
	for _, svc := range s.Services() {
		for _, c := range svc.Characteristics() {
			if bledb.EqualUUID(c.UUID(), uuid) {
				return c, nil
			}
		}
	}
	return nil, &ProtocolMismatchError{Resource: "characteristic", UUIDs: []string{uuid}}
}
