// Package bledb holds UUID normalisation helpers and a small table of
// well-known service and characteristic names used by the host tests.
package bledb

import (
	"strings"
)

// sigBaseSuffix is the tail shared by every 16-bit UUID expanded onto the Bluetooth SIG base.
const sigBaseSuffix = "00001000800000805f9b34fb"

var services = map[string]string{
	"1800":                             "Generic Access",
	"1801":                             "Generic Attribute",
	"180a":                             "Device Information",
	"180d":                             "Heart Rate",
	"180f":                             "Battery Service",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00":                             "Device Name",
	"2a01":                             "Appearance",
	"2a05":                             "Service Changed",
	"2a19":                             "Battery Level",
	"2a29":                             "Manufacturer Name String",
	"2a37":                             "Heart Rate Measurement",
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART TX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART RX",
}

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Handles dashed and already normalized forms, strips braces and a 0x prefix
// (e.g., "0x2902" -> "2902"). Full 128-bit UUIDs on the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit short form.
// Returns "" when the input is not a 16, 32 or 128-bit hex UUID.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.Trim(u, "{}")
	u = strings.ReplaceAll(u, "-", "")

	switch len(u) {
	case 4, 8, 32:
	default:
		return ""
	}
	for _, r := range u {
		if !isHex(r) {
			return ""
		}
	}

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		result = append(result, NormalizeUUID(u))
	}
	return result
}

// FormatUUID renders a UUID the way the firmware tests print it:
// upper-case, 128-bit values in the 8-4-4-4-12 dashed layout.
// Short UUIDs stay short ("2A19").
func FormatUUID(uuid string) string {
	n := NormalizeUUID(uuid)
	if n == "" {
		return strings.ToUpper(uuid)
	}
	if len(n) != 32 {
		return strings.ToUpper(n)
	}
	return strings.ToUpper(n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32])
}

// EqualUUID reports whether a and b denote the same UUID regardless of spelling.
func EqualUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// LookupService returns the well-known name of a service, or "".
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the well-known name of a characteristic, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
