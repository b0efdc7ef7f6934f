// Package adapters provides the vendor adapter factory and the helpers shared
// by vendor packages (reference image handling, geometry, payload parsing).
package adapters

import (
	"sort"
	"sync"

	"genforge/internal/core"
)

// Builder constructs a vendor adapter instance.
type Builder func() core.Adapter

var (
	mu        sync.RWMutex
	builders  = make(map[string]Builder)
	instances = make(map[string]core.Adapter)
)

// Register makes a vendor adapter available under its provider name.
// Vendor packages call this from init().
func Register(name string, builder Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[name] = builder
}

// Lookup returns the adapter for a provider name, constructing it on first
// use. Unknown providers are an invalid request: candidates referencing them
// come from configuration, not from user input.
func Lookup(name string) (core.Adapter, error) {
	mu.RLock()
	if a, ok := instances[name]; ok {
		mu.RUnlock()
		return a, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if a, ok := instances[name]; ok {
		return a, nil
	}
	builder, ok := builders[name]
	if !ok {
		return nil, core.NewInvalidRequestError("unknown provider: "+name, nil)
	}
	a := builder()
	instances[name] = a
	return a, nil
}

// Names returns the registered provider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
