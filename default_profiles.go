package blehost

import "embed"

// DefaultProfiles holds the GATT profiles bundled with the binary, one YAML
// file per profile under profiles/.
//
//go:embed profiles/*.yaml
var DefaultProfiles embed.FS
