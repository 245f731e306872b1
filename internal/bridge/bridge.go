// Package bridge holds the capabilities exposed to module scripts.
package bridge

import (
	"sort"
	"sync"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/plugins"
)

// Hook observes attach and detach events.
type Hook func(name string, c plugins.Capability)

// Bridge maps names to attached capabilities. It is safe for concurrent use.
type Bridge struct {
	mu       sync.RWMutex
	attached map[string]plugins.Capability
	onAttach []Hook
	onDetach []Hook
}

// New returns an empty bridge.
func New() *Bridge {
	return &Bridge{attached: make(map[string]plugins.Capability)}
}

// OnAttach registers a hook run after every Attach.
func (b *Bridge) OnAttach(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAttach = append(b.onAttach, h)
}

// OnDetach registers a hook run after every Detach.
func (b *Bridge) OnDetach(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDetach = append(b.onDetach, h)
}

// Attach exposes c under name, replacing (and detaching) any previous
// capability with that name.
func (b *Bridge) Attach(name string, c plugins.Capability) error {
	if name == "" {
		return apperrors.NewValidation("name", "is required")
	}
	if c == nil {
		return apperrors.NewValidation("capability", "is nil")
	}
	b.mu.Lock()
	prev, replaced := b.attached[name]
	b.attached[name] = c
	attach, detach := b.onAttach, b.onDetach
	b.mu.Unlock()

	if replaced {
		run(detach, name, prev)
	}
	run(attach, name, c)
	return nil
}

// Detach removes name and returns what was attached.
func (b *Bridge) Detach(name string) (plugins.Capability, bool) {
	b.mu.Lock()
	c, ok := b.attached[name]
	delete(b.attached, name)
	detach := b.onDetach
	b.mu.Unlock()

	if ok {
		run(detach, name, c)
	}
	return c, ok
}

// DetachAll removes every capability in name order.
func (b *Bridge) DetachAll() {
	for _, name := range b.Names() {
		b.Detach(name)
	}
}

// Lookup returns the capability attached under name.
func (b *Bridge) Lookup(name string) (plugins.Capability, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.attached[name]
	return c, ok
}

// Invoke calls method on the capability attached under name.
func (b *Bridge) Invoke(name, method string, args []any) (any, error) {
	c, ok := b.Lookup(name)
	if !ok {
		return nil, apperrors.NewNotFound("capability", name)
	}
	return c.Invoke(method, args)
}

// Names lists attached names in sorted order.
func (b *Bridge) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.attached))
	for name := range b.attached {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func run(hooks []Hook, name string, c plugins.Capability) {
	for _, h := range hooks {
		h(name, c)
	}
}
