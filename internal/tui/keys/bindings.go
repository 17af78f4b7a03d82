package keys

import "github.com/gdamore/tcell/v2"

// GlobalScope holds bindings active on every page.
const GlobalScope = ""

// Action is one key binding.
type Action struct {
	Key     tcell.Key
	Rune    rune
	Handler func()
}

// Matches reports whether ev triggers the action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// OnRune binds a printable key.
func OnRune(r rune, fn func()) *Action {
	return &Action{Key: tcell.KeyRune, Rune: r, Handler: fn}
}

// OnKey binds a special key.
func OnKey(k tcell.Key, fn func()) *Action {
	return &Action{Key: k, Handler: fn}
}

// Registry holds bindings per scope, in registration order.
type Registry struct {
	scopes map[string][]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string][]*Action)}
}

// Add registers actions under scope. Earlier bindings win on conflicts.
func (r *Registry) Add(scope string, actions ...*Action) {
	r.scopes[scope] = append(r.scopes[scope], actions...)
}

// HandleEvent runs the first binding of scope, then of the global scope,
// that matches ev. It reports whether one ran.
func (r *Registry) HandleEvent(scope string, ev *tcell.EventKey) bool {
	for _, s := range []string{scope, GlobalScope} {
		for _, a := range r.scopes[s] {
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
		if scope == GlobalScope {
			break
		}
	}
	return false
}
