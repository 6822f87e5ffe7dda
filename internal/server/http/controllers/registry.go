package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyStarted is returned when controllers are added after the
	// server started serving.
	ErrAlreadyStarted = errors.New("controllers: cannot register after start")
	// ErrInvalidController is returned for empty names, duplicate names,
	// or nil actions.
	ErrInvalidController = errors.New("controllers: invalid controller")
	// ErrUnknownAction is returned by Dispatch for an unroutable request.
	ErrUnknownAction = errors.New("controllers: unknown controller or action")
)

// ActionFunc handles one API action. The returned value is JSON-encoded
// into the response result.
type ActionFunc func(ctx context.Context, req *Request) (any, error)

// Controller exposes a named set of actions.
type Controller interface {
	Name() string
	Actions() map[string]ActionFunc
}

// Registry routes controller/action pairs to their handlers. Registration
// is open until Start; after that the route table is immutable, so Dispatch
// reads it without locking.
type Registry struct {
	mu      sync.Mutex
	started bool
	routes  map[string]map[string]ActionFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]map[string]ActionFunc)}
}

// Use adds a Controller under its own name.
func (reg *Registry) Use(c Controller) error {
	if c == nil {
		return fmt.Errorf("%w: nil controller", ErrInvalidController)
	}
	return reg.Register(c.Name(), c.Actions())
}

// Register adds a named action set.
func (reg *Registry) Register(name string, actions map[string]ActionFunc) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.started {
		return ErrAlreadyStarted
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidController)
	}
	if _, dup := reg.routes[name]; dup {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidController, name)
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: controller %q has no actions", ErrInvalidController, name)
	}
	table := make(map[string]ActionFunc, len(actions))
	for action, fn := range actions {
		if action == "" {
			return fmt.Errorf("%w: controller %q has an unnamed action", ErrInvalidController, name)
		}
		if fn == nil {
			return fmt.Errorf("%w: action %s:%s is not callable", ErrInvalidController, name, action)
		}
		table[action] = fn
	}
	reg.routes[name] = table
	return nil
}

// Start freezes the route table.
func (reg *Registry) Start() {
	reg.mu.Lock()
	reg.started = true
	reg.mu.Unlock()
}

// Dispatch runs the action named by the request.
func (reg *Registry) Dispatch(ctx context.Context, req *Request) (any, error) {
	actions, ok := reg.routes[req.Controller]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownAction, req.Controller, req.Action)
	}
	fn, ok := actions[req.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownAction, req.Controller, req.Action)
	}
	return fn(ctx, req)
}
