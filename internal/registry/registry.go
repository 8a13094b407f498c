// Package registry holds the daemon's live set of workloads: for each
// name, the current WorkloadSpec and the Supervisor instance driving it.
// A mutex-guarded map with copy-out accessors, so callers never observe
// a half-updated entry.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// Supervisor is the subset of supervisor.Supervisor the registry's
// consumers need, kept as an interface so this package does not import
// internal/supervisor and tests can register fakes.
// MarkProcessLost is how the health monitor reports a liveness-probe
// miss back to the owning supervisor.
type Supervisor interface {
	Spec() types.WorkloadSpec
	Status() types.WorkloadState
	SetSpec(types.WorkloadSpec)
	MarkProcessLost(pid int) bool
}

// Entry is one registry slot: a workload's spec and the Supervisor that
// owns its process lifecycle.
type Entry struct {
	Supervisor Supervisor
}

// Registry is a thread-safe name -> Entry map. All mutating methods take
// an exclusive lock; List and Get take snapshots so a caller iterating
// the result never blocks concurrent Insert/Remove/Swap calls on other
// names.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// ErrNotFound is returned by Get, Remove, and Swap when name isn't registered.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("workload %q not found", e.Name)
}

// ErrAlreadyExists is returned by Insert when name is already registered.
type ErrAlreadyExists struct {
	Name string
}

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("workload %q already registered", e.Name)
}

// Insert adds a new entry. It fails if name is already present; Swap
// replaces the spec of an existing entry and does not create one.
func (r *Registry) Insert(name string, sup Supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return &ErrAlreadyExists{Name: name}
	}
	r.entries[name] = &Entry{Supervisor: sup}
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	return e, nil
}

// Remove deletes an entry and returns it, for the caller to stop.
func (r *Registry) Remove(name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	delete(r.entries, name)
	return e, nil
}

// Swap replaces name's spec in place (the Supervisor instance and its
// process identity are preserved; only the declared spec changes). The
// hot-reload differ does the same replacement by calling
// Supervisor.SetSpec on the entry directly.
func (r *Registry) Swap(name string, newSpec types.WorkloadSpec) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return &ErrNotFound{Name: name}
	}
	e.Supervisor.SetSpec(newSpec)
	return nil
}

// Names returns every registered workload name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns a consistent snapshot of every registered spec and state,
// ordered by name. Each Supervisor.Spec()/Status() call happens while
// only a read lock over the map is held, so concurrent Insert/Remove
// cannot race the snapshot, though an individual entry's own state may
// still advance between the Spec() and Status() calls for that entry.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.entries))
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		e := r.entries[n]
		out = append(out, Snapshot{
			Spec:  e.Supervisor.Spec(),
			State: e.Supervisor.Status(),
		})
	}
	return out
}

// Snapshot pairs a workload's declared spec with its runtime state, as
// returned by List.
type Snapshot struct {
	Spec  types.WorkloadSpec
	State types.WorkloadState
}

// WorkloadInfo compacts a Snapshot into the summary shape shared by the
// local/remote control servers' "list" command and the device HTTP API's
// /api/list endpoint, and by the heartbeat's workload listing.
func (s Snapshot) WorkloadInfo() types.WorkloadInfo {
	return types.WorkloadInfo{
		Name:        s.Spec.Name,
		Type:        string(s.Spec.Type),
		RunMode:     string(s.Spec.RunMode),
		Status:      string(s.State.Status),
		PID:         s.State.PID,
		RunCount:    s.State.RunCount,
		LastStarted: s.State.LastStarted,
		LastError:   s.State.LastError,
	}
}
