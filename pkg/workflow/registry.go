package workflow

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Handler runs one trigger's workflow for an event.
type Handler interface {
	Handle(ctx context.Context, trigger *models.Trigger, evt *Event) (*Result, error)
}

type HandlerFunc func(ctx context.Context, trigger *models.Trigger, evt *Event) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, trigger *models.Trigger, evt *Event) (*Result, error) {
	return f(ctx, trigger, evt)
}

// Result is what a handler did.
type Result struct {
	ActionsTaken []string       `json:"actions_taken"`
	Data         map[string]any `json:"data,omitempty"`
}

func (r *Result) add(action string) {
	r.ActionsTaken = append(r.ActionsTaken, action)
}

func newResult() *Result {
	return &Result{ActionsTaken: []string{}}
}

var noop = HandlerFunc(func(context.Context, *models.Trigger, *Event) (*Result, error) {
	return newResult(), nil
})

// Registry is the dispatch table from Key to Handler.
type Registry struct {
	handlers map[Key]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[Key]Handler{KeyDefault: noop}}
}

// Register binds a handler to one of the known keys.
func (r *Registry) Register(key Key, handler Handler) {
	r.handlers[key] = handler
}

// Resolve returns the handler for a trigger key, falling back to the default handler.
func (r *Registry) Resolve(key string) (Key, Handler) {
	k, _ := ParseKey(key)
	if h, ok := r.handlers[k]; ok {
		return k, h
	}
	return KeyDefault, r.handlers[KeyDefault]
}
