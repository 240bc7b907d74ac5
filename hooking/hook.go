// Package hooking lets observers attach to the registry. The tracking
// database and the session manager raise hooks at well-known positions; the
// violation logger, the metrics collector and the postmortem archive are all
// hooks.
package hooking

import (
	"sync"
	"sync/atomic"
)

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	// Domain is the hookable object that is raising this hook.
	Domain Hookable

	// Pos identifies the lifecycle stage the hook is firing from.
	Pos *HookPos

	// Item carries the primary subject associated with the hook.
	Item any

	// Detail holds optional auxiliary data; hook sites may leave it nil.
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// Name returns the name of the hookable domain.
	Name() string

	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
//
// Hooks may be invoked while a busy-wait lock is held. They must return
// quickly and must not call back into the domain that raised them.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
//
// Hooks are usually registered during setup, but registration may also happen
// while the domain is live. The hook list is replaced atomically on write so
// that invoking hooks never waits on a lock.
type HookableBase struct {
	writeMu  sync.Mutex
	hookList atomic.Pointer[[]Hook]
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.Hooks())
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	list := h.hookList.Load()
	if list == nil {
		return nil
	}

	return *list
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	current := h.Hooks()
	mustNotHaveDuplicatedHook(current, hook)

	newList := make([]Hook, len(current), len(current)+1)
	copy(newList, current)
	newList = append(newList, hook)
	h.hookList.Store(&newList)
}

func mustNotHaveDuplicatedHook(list []Hook, hook Hook) {
	for _, existing := range list {
		if existing == hook {
			panic("duplicated hook")
		}
	}
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks() {
		hook.Func(ctx)
	}
}
