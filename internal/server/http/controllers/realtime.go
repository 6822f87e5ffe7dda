package controllers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/flare/internal/notify"
	realtimesvc "github.com/rzbill/flare/internal/services/realtime"
)

// ErrMissingArgument is returned when a required action argument is absent.
var ErrMissingArgument = errors.New("controllers: missing argument")

// RealtimeController exposes the subscription and notification surface.
type RealtimeController struct {
	svc *realtimesvc.Service
}

// NewRealtimeController creates the realtime controller.
func NewRealtimeController(svc *realtimesvc.Service) *RealtimeController {
	return &RealtimeController{svc: svc}
}

// Name implements Controller.
func (c *RealtimeController) Name() string { return "realtime" }

// Actions implements Controller.
func (c *RealtimeController) Actions() map[string]ActionFunc {
	return map[string]ActionFunc{
		"subscribe":   c.subscribe,
		"unsubscribe": c.unsubscribe,
		"publish":     c.publish,
		"notify":      c.notifyDocument,
		"count":       c.count,
		"list":        c.list,
	}
}

func (c *RealtimeController) requestContext(req *Request) notify.Context {
	return notify.Context{
		Controller: req.Controller,
		Action:     req.Action,
		Protocol:   req.Protocol,
		Volatile:   req.Volatile,
	}
}

func requireString(req *Request, name string) (string, error) {
	s, err := req.String(name, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	return s, nil
}

func (c *RealtimeController) subscribe(ctx context.Context, req *Request) (any, error) {
	index, err := requireString(req, "index")
	if err != nil {
		return nil, err
	}
	collection, err := requireString(req, "collection")
	if err != nil {
		return nil, err
	}
	if req.Connection == "" {
		return nil, fmt.Errorf("%w: subscribe requires a stream connection", ErrMissingArgument)
	}
	filter, err := req.RawObject("body")
	if err != nil {
		return nil, err
	}
	scope, err := req.String("scope", "")
	if err != nil {
		return nil, err
	}
	users, err := req.String("users", "")
	if err != nil {
		return nil, err
	}
	res, err := c.svc.Subscribe(ctx, realtimesvc.SubscribeRequest{
		Index:      index,
		Collection: collection,
		Filter:     filter,
		Connection: req.Connection,
		Scope:      scope,
		Users:      users,
		Volatile:   req.Volatile,
		Context:    c.requestContext(req),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"roomId": res.Room, "count": res.Count}, nil
}

func (c *RealtimeController) unsubscribe(ctx context.Context, req *Request) (any, error) {
	roomID, err := requireString(req, "roomId")
	if err != nil {
		return nil, err
	}
	if req.Connection == "" {
		return nil, fmt.Errorf("%w: unsubscribe requires a stream connection", ErrMissingArgument)
	}
	if err := c.svc.Unsubscribe(ctx, req.Connection, roomID, c.requestContext(req)); err != nil {
		return nil, err
	}
	return map[string]any{"roomId": roomID}, nil
}

func (c *RealtimeController) publish(ctx context.Context, req *Request) (any, error) {
	index, err := requireString(req, "index")
	if err != nil {
		return nil, err
	}
	collection, err := requireString(req, "collection")
	if err != nil {
		return nil, err
	}
	body, err := req.Object("body", nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body", ErrMissingArgument)
	}
	id, err := req.String("_id", "")
	if err != nil {
		return nil, err
	}
	err = c.svc.Publish(ctx, realtimesvc.Event{
		Index:      index,
		Collection: collection,
		ID:         id,
		Source:     body,
		Context:    c.requestContext(req),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"published": true}, nil
}

func (c *RealtimeController) notifyDocument(ctx context.Context, req *Request) (any, error) {
	index, err := requireString(req, "index")
	if err != nil {
		return nil, err
	}
	collection, err := requireString(req, "collection")
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "_id")
	if err != nil {
		return nil, err
	}
	event, err := req.String("event", notify.EventWrite)
	if err != nil {
		return nil, err
	}
	if event != notify.EventWrite && event != notify.EventDelete {
		return nil, fmt.Errorf("%w: event must be write or delete", ErrTypeMismatch)
	}
	body, err := req.Object("body", nil)
	if err != nil {
		return nil, err
	}
	fieldsArg, err := req.Array("updatedFields", nil)
	if err != nil {
		return nil, err
	}
	var updated []string
	for _, f := range fieldsArg {
		if s, ok := f.(string); ok {
			updated = append(updated, s)
		}
	}
	err = c.svc.NotifyDocument(ctx, realtimesvc.Event{
		Index:         index,
		Collection:    collection,
		ID:            id,
		Source:        body,
		Event:         event,
		UpdatedFields: updated,
		Context:       c.requestContext(req),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"notified": true}, nil
}

func (c *RealtimeController) count(ctx context.Context, req *Request) (any, error) {
	roomID, err := requireString(req, "roomId")
	if err != nil {
		return nil, err
	}
	n, err := c.svc.Count(roomID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": n}, nil
}

func (c *RealtimeController) list(ctx context.Context, req *Request) (any, error) {
	return c.svc.List(), nil
}
