// Package handlers is the compiled-in registry of "agent" workload
// entry points. Unlike "script" and "service" workloads, which exec an
// external binary, an "agent" workload's module/entry_point names a
// handler function that runs in-process inside cmd/workload-runner.
// The registry is a name-keyed map guarded by a mutex, with
// MustRegister for init()-time registration.
package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler is one agent entry point. module selects the handler by name
// (Key joins module and entryPoint); params are the workload's declared
// params, decoded from JSON by the caller. A non-nil error is reported
// to the Supervisor as the run's failure.
type Handler func(ctx context.Context, params map[string]interface{}) error

// Key identifies a handler by its workload's module and entry_point.
func Key(module, entryPoint string) string {
	return module + "/" + entryPoint
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var global = &registry{handlers: make(map[string]Handler)}

// Register adds a handler under module/entryPoint. Returns an error if
// that key is already registered.
func Register(module, entryPoint string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handlers: nil handler for %s", Key(module, entryPoint))
	}
	key := Key(module, entryPoint)
	global.mu.Lock()
	defer global.mu.Unlock()
	if _, exists := global.handlers[key]; exists {
		return fmt.Errorf("handlers: %s already registered", key)
	}
	global.handlers[key] = h
	return nil
}

// MustRegister is Register for use in init() functions.
func MustRegister(module, entryPoint string, h Handler) {
	if err := Register(module, entryPoint, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for module/entryPoint, if any.
func Lookup(module, entryPoint string) (Handler, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	h, ok := global.handlers[Key(module, entryPoint)]
	return h, ok
}

// Names returns every registered module/entry_point key, sorted.
func Names() []string {
	global.mu.RLock()
	defer global.mu.RUnlock()
	names := make([]string, 0, len(global.handlers))
	for k := range global.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
