// Package profile describes the GATT layout a firmware test expects from the
// device under test: which services and characteristics must exist, their
// friendly names and the part each characteristic plays in a test step.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/srg/blehost/internal/bledb"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Role is the part a characteristic plays in a test step.
type Role string

const (
	// RoleTX is written by the host.
	RoleTX Role = "tx"
	// RoleRX is read or notified to the host.
	RoleRX Role = "rx"
	// RoleSecure requires a secured link to read or notify.
	RoleSecure Role = "secure"
	// RoleNone is listed during discovery only.
	RoleNone Role = ""
)

// ErrNoRole is returned by ByRole when no characteristic plays the role.
var ErrNoRole = errors.New("no characteristic with role")

// Characteristic is one expected characteristic. UUIDs are normalized.
type Characteristic struct {
	UUID    string `yaml:"uuid"`
	Name    string `yaml:"name"`
	Role    Role   `yaml:"role,omitempty"`
	Service string `yaml:"-"`
}

// Service is one expected service with its characteristics in declaration order.
type Service struct {
	UUID            string           `yaml:"uuid"`
	Name            string           `yaml:"name"`
	Characteristics []Characteristic `yaml:"characteristics"`
}

// Profile is a declarative GATT expectation.
type Profile struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Services    []Service `yaml:"services"`

	index *orderedmap.OrderedMap[string, Characteristic]
}

// Parse decodes and validates a YAML profile.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.build(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a YAML profile from path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) build() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if len(p.Services) == 0 {
		return fmt.Errorf("profile %s: at least one service is required", p.Name)
	}

	p.index = orderedmap.New[string, Characteristic]()
	for i := range p.Services {
		svc := &p.Services[i]
		uuid := bledb.NormalizeUUID(svc.UUID)
		if uuid == "" {
			return fmt.Errorf("profile %s: service %d has invalid UUID %q", p.Name, i, svc.UUID)
		}
		svc.UUID = uuid
		if svc.Name == "" {
			svc.Name = bledb.LookupService(uuid)
		}

		for j := range svc.Characteristics {
			c := &svc.Characteristics[j]
			cu := bledb.NormalizeUUID(c.UUID)
			if cu == "" {
				return fmt.Errorf("profile %s: characteristic %d of service %s has invalid UUID %q", p.Name, j, bledb.FormatUUID(uuid), c.UUID)
			}
			switch c.Role {
			case RoleTX, RoleRX, RoleSecure, RoleNone:
			default:
				return fmt.Errorf("profile %s: characteristic %s has unknown role %q", p.Name, bledb.FormatUUID(cu), c.Role)
			}
			c.UUID = cu
			c.Service = uuid
			if c.Name == "" {
				c.Name = bledb.LookupCharacteristic(cu)
			}
			if c.Name == "" {
				c.Name = bledb.FormatUUID(cu)
			}
			if _, dup := p.index.Set(cu, *c); dup {
				return fmt.Errorf("profile %s: characteristic %s declared twice", p.Name, bledb.FormatUUID(cu))
			}
		}
	}
	return nil
}

// Characteristics returns every characteristic in declaration order.
func (p *Profile) Characteristics() []Characteristic {
	result := make([]Characteristic, 0, p.index.Len())
	for pair := p.index.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// ByRole returns the first characteristic playing role.
func (p *Profile) ByRole(role Role) (Characteristic, error) {
	for pair := p.index.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Role == role {
			return pair.Value, nil
		}
	}
	return Characteristic{}, fmt.Errorf("profile %s: %w %q", p.Name, ErrNoRole, role)
}

// PrimaryService is the first declared service.
func (p *Profile) PrimaryService() Service {
	return p.Services[0]
}

// FriendlyName returns the profile name of a characteristic UUID, or "" if
// the profile does not declare it.
func (p *Profile) FriendlyName(uuid string) string {
	if c, ok := p.index.Get(bledb.NormalizeUUID(uuid)); ok {
		return c.Name
	}
	return ""
}
