package daemon

import (
	"sort"
	"sync"

	"github.com/KeckObservatory/mKTL/errors"
)

// Factory customizes a daemon's items. Setup runs once the configuration
// is loaded and the sockets are bound, but before default caching items
// are created for keys Setup did not claim; SetupFinal runs after every
// item exists and persistent values are restored, immediately before the
// daemon goes on the air.
type Factory interface {
	Setup(d *Daemon) error
	SetupFinal(d *Daemon) error
}

// BaseFactory is the no-op Factory; embedding it lets an application
// override only the hook it needs.
type BaseFactory struct{}

// Setup implements Factory.
func (BaseFactory) Setup(*Daemon) error { return nil }

// SetupFinal implements Factory.
func (BaseFactory) SetupFinal(*Daemon) error { return nil }

var (
	factoriesMu sync.Mutex
	factories   = map[string]func() Factory{}
)

// RegisterFactory makes a named factory available to the markd front-end.
// Typically called from an init function in the application's module.
func RegisterFactory(name string, constructor func() Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = constructor
}

// LookupFactory resolves a registered factory by name. The empty name
// selects the base caching factory.
func LookupFactory(name string) (Factory, error) {
	if name == "" {
		return BaseFactory{}, nil
	}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	constructor, ok := factories[name]
	if !ok {
		return nil, errors.Newf(errors.KindValue, "unknown daemon subclass: %q", name)
	}

	return constructor(), nil
}

// FactoryNames lists the registered factory names.
func FactoryNames() []string {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
