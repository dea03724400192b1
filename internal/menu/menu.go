// Package menu keeps the host's stop actions, one per running script.
package menu

import (
	"errors"
	"sort"
	"sync"

	"github.com/comalice/framescript"
)

var ErrUnknownAction = errors.New("unknown menu action")

// Registry is a goroutine-safe framescript.MenuRegistrar.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]func()
}

var _ framescript.MenuRegistrar = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]func())}
}

// AddStopAction registers onStop under label, replacing an existing action.
func (r *Registry) AddStopAction(label string, onStop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[label] = onStop
}

// RemoveAction drops label. Unknown labels are ignored.
func (r *Registry) RemoveAction(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, label)
}

// Labels returns the registered labels, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.actions))
	for l := range r.actions {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Trigger invokes the action registered under label. The action runs
// outside the lock so it may remove itself.
func (r *Registry) Trigger(label string) error {
	r.mu.RLock()
	fn, ok := r.actions[label]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownAction
	}
	fn()
	return nil
}
