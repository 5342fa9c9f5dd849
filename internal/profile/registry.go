package profile

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/srg/blehost"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry holds profiles by name in load order.
type Registry struct {
	profiles *orderedmap.OrderedMap[string, *Profile]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: orderedmap.New[string, *Profile]()}
}

// Bundled returns a registry with the profiles embedded in the binary.
func Bundled() (*Registry, error) {
	r := NewRegistry()
	if err := r.LoadFS(blehost.DefaultProfiles, "profiles"); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFS adds every *.yaml file in dir of fsys.
func (r *Registry) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read profile %s: %w", name, err)
		}
		p, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.Add(p)
	}
	return nil
}

// Add registers p, replacing any profile with the same name.
func (r *Registry) Add(p *Profile) {
	r.profiles.Set(p.Name, p)
}

// Get looks a profile up by name.
func (r *Registry) Get(name string) (*Profile, error) {
	p, ok := r.profiles.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names lists registered profiles in load order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.profiles.Len())
	for pair := r.profiles.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// All returns the registered profiles in load order.
func (r *Registry) All() []*Profile {
	result := make([]*Profile, 0, r.profiles.Len())
	for pair := r.profiles.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}
