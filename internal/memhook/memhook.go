// Package memhook keeps an explicit table of intercepted functions. Each entry
// pairs a lazily resolved original function with an optional override
// wrapper. Resolution of every entry is serialised by one mutex, and code that
// runs while a resolution is in progress can detect it and bail out instead of
// re-entering the lookup.
package memhook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrResolving is returned when a hook is invoked from inside a lookup.
var ErrResolving = errors.New("memhook: original lookup in progress")

type resolver interface {
	hookName() string
	resolve() error
}

// Table is a registry of named hooks.
type Table struct {
	mu        sync.Mutex
	resolving atomic.Bool
	entries   []resolver
	names     map[string]struct{}
}

// NewTable returns an empty hook table.
func NewTable() *Table {
	return &Table{names: make(map[string]struct{})}
}

// InResolution reports whether an original lookup is running.
func (t *Table) InResolution() bool {
	return t.resolving.Load()
}

// Names lists registered hook names in registration order.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.hookName())
	}
	return out
}

// ResolveAll resolves every registered original that is not yet resolved.
func (t *Table) ResolveAll() error {
	t.mu.Lock()
	entries := append([]resolver(nil), t.entries...)
	t.mu.Unlock()
	for _, e := range entries {
		if err := e.resolve(); err != nil {
			return fmt.Errorf("memhook: resolve %s: %w", e.hookName(), err)
		}
	}
	return nil
}

// Hook is one intercepted function of type F.
type Hook[F any] struct {
	table    *Table
	name     string
	lookup   func() (F, error)
	orig     F
	resolved bool
	wrap     func(next F) F
}

// Register adds a hook named name whose original is produced by lookup.
// Registering the same name twice panics.
func Register[F any](t *Table, name string, lookup func() (F, error)) *Hook[F] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.names[name]; dup {
		panic("memhook: duplicate hook " + name)
	}
	h := &Hook[F]{table: t, name: name, lookup: lookup}
	t.names[name] = struct{}{}
	t.entries = append(t.entries, h)
	return h
}

func (h *Hook[F]) hookName() string { return h.name }

func (h *Hook[F]) resolve() error {
	_, err := h.Original()
	return err
}

// Original returns the original function, resolving it on first use.
func (h *Hook[F]) Original() (F, error) {
	var zero F
	if h.table.resolving.Load() {
		return zero, ErrResolving
	}
	h.table.mu.Lock()
	defer h.table.mu.Unlock()
	if h.resolved {
		return h.orig, nil
	}
	h.table.resolving.Store(true)
	orig, err := h.lookup()
	h.table.resolving.Store(false)
	if err != nil {
		return zero, err
	}
	h.orig = orig
	h.resolved = true
	return orig, nil
}

// Override installs wrap around the original. A nil wrap removes the override.
func (h *Hook[F]) Override(wrap func(next F) F) {
	h.table.mu.Lock()
	h.wrap = wrap
	h.table.mu.Unlock()
}

// Func returns the effective implementation: the override wrapped around the
// original when one is installed, the original otherwise.
func (h *Hook[F]) Func() (F, error) {
	orig, err := h.Original()
	if err != nil {
		return orig, err
	}
	h.table.mu.Lock()
	wrap := h.wrap
	h.table.mu.Unlock()
	if wrap != nil {
		return wrap(orig), nil
	}
	return orig, nil
}
