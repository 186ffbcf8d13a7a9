// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

type orderPayload struct {
	Order *connector.SalesOrder `json:"order"`
}

type orderRefPayload struct {
	OrderRef string `json:"order_ref"`
}

type batchPayload struct {
	Orders      []connector.SalesOrder `json:"orders"`
	StopOnError bool                   `json:"stop_on_error"`
	Platform    string                 `json:"platform"`
}

func (h *Handlers) createSalesOrder(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[orderPayload](task)
	if err != nil {
		return nil, err
	}
	if p.Order == nil {
		return nil, missing("order")
	}
	order := *p.Order
	if order.Platform == "" {
		order.Platform = task.Platform
	}
	if err := order.Validate(); err != nil {
		return nil, invalid("order", err)
	}

	log.Info().Str("platform_order_id", order.PlatformOrderID).Msg("handlers: creating sales order")
	return connector.Call(ctx, h.pool, func(c connector.Connector) (map[string]any, error) {
		return c.CreateSalesOrder(order)
	})
}

func (h *Handlers) getSalesOrder(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[orderRefPayload](task)
	if err != nil {
		return nil, err
	}
	if p.OrderRef == "" {
		return nil, missing("order_ref")
	}

	log.Info().Str("order_ref", p.OrderRef).Msg("handlers: looking up sales order")
	rec, err := connector.Call(ctx, h.pool, func(c connector.Connector) (map[string]any, error) {
		return c.FindSalesOrder(p.OrderRef)
	})
	if err != nil {
		return nil, err
	}
	return found(rec, "order_ref", p.OrderRef), nil
}

func (h *Handlers) batchCreateOrders(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[batchPayload](task)
	if err != nil {
		return nil, err
	}
	if len(p.Orders) == 0 {
		return map[string]any{"error": "No orders provided"}, nil
	}
	if err := validateOrders(p.Orders); err != nil {
		return nil, err
	}

	log.Info().Int("orders", len(p.Orders)).Bool("stop_on_error", p.StopOnError).Msg("handlers: batch creating orders")
	res, err := connector.Call(ctx, h.pool, func(c connector.Connector) (connector.BatchResult, error) {
		return c.BatchCreateOrders(p.Orders, p.StopOnError)
	})
	if err != nil {
		return nil, err
	}
	return res.Map(), nil
}

// syncOrders imports orders pushed by the backend in the task itself.
func (h *Handlers) syncOrders(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[batchPayload](task)
	if err != nil {
		return nil, err
	}
	platform := p.Platform
	if platform == "" {
		platform = task.Platform
	}
	if platform == "" {
		platform = "unknown"
	}

	log.Info().Int("orders", len(p.Orders)).Str("platform", platform).Msg("handlers: syncing pushed orders")
	if len(p.Orders) == 0 {
		return map[string]any{
			"synced":   0,
			"failed":   0,
			"skipped":  0,
			"platform": platform,
		}, nil
	}

	for i := range p.Orders {
		if p.Orders[i].Platform == "" {
			p.Orders[i].Platform = platform
		}
	}
	if err := validateOrders(p.Orders); err != nil {
		return nil, err
	}
	res, err := connector.Call(ctx, h.pool, func(c connector.Connector) (connector.BatchResult, error) {
		return c.BatchCreateOrders(p.Orders, false)
	})
	if err != nil {
		return nil, err
	}

	out := res.Map()
	out["synced"] = res.Successful
	out["platform"] = platform
	return out, nil
}
