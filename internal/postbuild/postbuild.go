// Package postbuild attaches actions to build targets and runs them once the
// target artifact is finalized.
package postbuild

import (
	"context"
	"path/filepath"
	"sync"
)

// Action runs after a target has been produced.
type Action func(ctx context.Context, target string) error

// Registry maps target paths to their post-build actions.
type Registry struct {
	mu      sync.Mutex
	actions map[string][]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string][]Action)}
}

// Add appends action to the actions of target.
func (r *Registry) Add(target string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := filepath.Clean(target)
	r.actions[key] = append(r.actions[key], action)
}

// Actions returns the number of actions registered for target.
func (r *Registry) Actions(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions[filepath.Clean(target)])
}

// Finalize runs the actions of target in registration order and stops at the
// first one that fails.
func (r *Registry) Finalize(ctx context.Context, target string) error {
	r.mu.Lock()
	actions := append([]Action(nil), r.actions[filepath.Clean(target)]...)
	r.mu.Unlock()

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := action(ctx, target); err != nil {
			return err
		}
	}
	return nil
}
