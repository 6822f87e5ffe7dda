package controllers

import (
	"context"

	"github.com/rzbill/flare/internal/runtime"
	realtimesvc "github.com/rzbill/flare/internal/services/realtime"
)

// GeneralController handles node-level endpoints: health and node info.
type GeneralController struct {
	rt  *runtime.Runtime
	svc *realtimesvc.Service
}

// NewGeneralController creates the general controller.
func NewGeneralController(rt *runtime.Runtime, svc *realtimesvc.Service) *GeneralController {
	return &GeneralController{rt: rt, svc: svc}
}

// Name implements Controller.
func (c *GeneralController) Name() string { return "server" }

// Actions implements Controller.
func (c *GeneralController) Actions() map[string]ActionFunc {
	return map[string]ActionFunc{
		"healthz": c.healthz,
		"info":    c.info,
	}
}

func (c *GeneralController) healthz(ctx context.Context, req *Request) (any, error) {
	if err := c.rt.CheckHealth(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (c *GeneralController) info(ctx context.Context, req *Request) (any, error) {
	return map[string]any{
		"node":  c.rt.NodeID(),
		"rooms": len(c.svc.Registry().Rooms()),
	}, nil
}
