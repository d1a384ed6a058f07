// Package hooking lets driver components expose observation points without
// hard-wiring any recorder or logger. Hooks fire on the mainline side only;
// nothing in the interrupt path invokes them.
package hooking

// HookPos identifies a position in a component's lifecycle where hooks fire.
type HookPos struct {
	Name string
}

// HookCtx carries the information about the site that triggered a hook.
type HookCtx struct {
	// Domain is the hookable object raising this hook.
	Domain Hookable

	// Pos identifies the position the hook is firing from.
	Pos *HookPos

	// Item carries the primary subject (work item, policy transition,
	// executor sample).
	Item any

	// Detail holds optional auxiliary data; sites may leave it nil.
	Detail any
}

// Hook is a short piece of program invoked by a hookable object.
type Hook interface {
	// Func determines what to do when the hook is invoked.
	Func(ctx HookCtx)
}

// Hookable defines an object that accepts Hooks.
type Hookable interface {
	// AcceptHook registers a hook. Registration must happen during
	// single-threaded setup, before the driver is armed; hooks cannot be
	// removed afterwards.
	AcceptHook(hook Hook)

	// NumHooks returns the number of registered hooks.
	NumHooks() int

	// InvokeHook triggers the registered hooks.
	InvokeHook(ctx HookCtx)
}

// HookableBase provides the common implementation of Hookable.
type HookableBase struct {
	hookList []Hook
}

// AcceptHook registers a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	for _, existing := range h.hookList {
		if existing == hook {
			panic("duplicated hook")
		}
	}
	h.hookList = append(h.hookList, hook)
}

// NumHooks returns the number of registered hooks.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// InvokeHook triggers the registered hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}

var _ Hookable = (*HookableBase)(nil)

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}
