package sched

import (
	"fmt"
	"slices"
)

// Shared is a resource declared to the app. Build binds it and computes its
// priority ceiling.
type Shared interface {
	ResourceName() string
	Ceiling() Priority
	bind(a *App) error
}

// Resource is data shared between tasks, guarded by the priority ceiling
// protocol: while a task holds it, every task that may touch it is masked.
type Resource[T any] struct {
	name      string
	value     T
	accessors []TaskID
	ceiling   Priority
	app       *App
}

// NewResource declares a resource and the tasks allowed to lock it.
func NewResource[T any](name string, value T, accessors ...TaskID) *Resource[T] {
	return &Resource[T]{name: name, value: value, accessors: accessors}
}

// ResourceName returns the declared name.
func (r *Resource[T]) ResourceName() string { return r.name }

// Ceiling returns the highest priority among the accessors, once bound.
func (r *Resource[T]) Ceiling() Priority { return r.ceiling }

func (r *Resource[T]) bind(a *App) error {
	if r.app != nil && r.app != a {
		return fmt.Errorf("%w: resource %s bound to another app", ErrConfig, r.name)
	}
	if len(r.accessors) == 0 {
		return fmt.Errorf("%w: resource %s has no accessors", ErrConfig, r.name)
	}
	var ceiling Priority
	for _, id := range r.accessors {
		s, err := a.reg.lookup(id)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.name, err)
		}
		ceiling = max(ceiling, s.task.Priority)
	}
	r.app, r.ceiling = a, ceiling
	return nil
}

// Lock runs fn with exclusive access to the value. The caller's priority is
// raised to the ceiling for the duration; fn must not suspend.
func (r *Resource[T]) Lock(cx *Context, fn func(v *T)) error {
	if r.app == nil || r.app != cx.app {
		return fmt.Errorf("%w: resource %s not declared to this app", ErrConfig, r.name)
	}
	if !slices.Contains(r.accessors, cx.ID()) {
		return fmt.Errorf("lock %s by %s: %w", r.name, cx.Name(), ErrNotAccessor)
	}
	cx.locks++
	defer func() { cx.locks-- }()
	r.app.withCeiling(cx.Priority(), r.ceiling, func() { fn(&r.value) })
	return nil
}

// LockInit gives init direct access; interrupts are still disabled there.
func (r *Resource[T]) LockInit(_ *InitContext, fn func(v *T)) {
	fn(&r.value)
}
