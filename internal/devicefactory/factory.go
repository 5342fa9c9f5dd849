package devicefactory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/device/bluez"
	"github.com/srg/blehost/internal/device/goble"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = goble.BackendName

// Constructors maps backend names to their constructors.
// This is a variable so that it can be overridden in tests.
var Constructors = map[string]func(logger *logrus.Logger) device.Backend{
	goble.BackendName: func(logger *logrus.Logger) device.Backend { return goble.NewBackend(logger) },
	bluez.BackendName: func(logger *logrus.Logger) device.Backend { return bluez.NewBackend(logger) },
}

// NewBackend creates the backend registered under name. An empty name selects DefaultBackend.
func NewBackend(name string, logger *logrus.Logger) (device.Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultBackend
	}
	ctor, ok := Constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown BLE backend %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(logger), nil
}

// Names lists the registered backend names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Constructors))
	for n := range Constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
