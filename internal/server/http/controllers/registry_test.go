package controllers

import (
	"context"
	"errors"
	"testing"
)

func noopAction(ctx context.Context, req *Request) (any, error) { return "ok", nil }

func TestRegisterAndDispatch(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("echo", map[string]ActionFunc{
		"say": func(ctx context.Context, req *Request) (any, error) {
			return req.String("message", "")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Start()

	req := NewRequest("echo", "say", map[string]any{"message": "hello"})
	out, err := reg.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out != "hello" {
		t.Fatalf("dispatch result = %v", out)
	}
}

func TestRegisterRejectedAfterStart(t *testing.T) {
	reg := NewRegistry()
	reg.Start()
	err := reg.Register("late", map[string]ActionFunc{"a": noopAction})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("error = %v, want ErrAlreadyStarted", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("", map[string]ActionFunc{"a": noopAction}); !errors.Is(err, ErrInvalidController) {
		t.Fatalf("empty name error = %v", err)
	}
	if err := reg.Register("c", nil); !errors.Is(err, ErrInvalidController) {
		t.Fatalf("no actions error = %v", err)
	}
	if err := reg.Register("c", map[string]ActionFunc{"a": nil}); !errors.Is(err, ErrInvalidController) {
		t.Fatalf("nil action error = %v", err)
	}
	if err := reg.Register("c", map[string]ActionFunc{"a": noopAction}); err != nil {
		t.Fatalf("valid register: %v", err)
	}
	if err := reg.Register("c", map[string]ActionFunc{"b": noopAction}); !errors.Is(err, ErrInvalidController) {
		t.Fatalf("duplicate name error = %v", err)
	}
}

func TestDispatchUnknown(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("c", map[string]ActionFunc{"a": noopAction}); err != nil {
		t.Fatal(err)
	}
	reg.Start()
	if _, err := reg.Dispatch(context.Background(), NewRequest("nope", "a", nil)); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown controller error = %v", err)
	}
	if _, err := reg.Dispatch(context.Background(), NewRequest("c", "nope", nil)); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown action error = %v", err)
	}
}
