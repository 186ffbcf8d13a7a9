// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

type customerPayload struct {
	Customer *connector.Customer `json:"customer"`
}

type accountRefPayload struct {
	AccountRef string `json:"account_ref"`
}

type skuPayload struct {
	SKU string `json:"sku"`
}

type searchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (h *Handlers) createCustomer(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[customerPayload](task)
	if err != nil {
		return nil, err
	}
	if p.Customer == nil {
		return nil, missing("customer")
	}
	customer := *p.Customer
	if err := customer.Validate(); err != nil {
		return nil, invalid("customer", err)
	}

	log.Info().Str("account_ref", customer.AccountRef).Msg("handlers: creating customer")
	return connector.Call(ctx, h.pool, func(c connector.Connector) (map[string]any, error) {
		return c.CreateCustomer(customer)
	})
}

func (h *Handlers) getCustomer(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[accountRefPayload](task)
	if err != nil {
		return nil, err
	}
	if p.AccountRef == "" {
		return nil, missing("account_ref")
	}

	log.Info().Str("account_ref", p.AccountRef).Msg("handlers: looking up customer")
	rec, err := connector.Call(ctx, h.pool, func(c connector.Connector) (map[string]any, error) {
		return c.FindCustomer(p.AccountRef)
	})
	if err != nil {
		return nil, err
	}
	return found(rec, "account_ref", p.AccountRef), nil
}

func (h *Handlers) searchCustomers(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[searchPayload](task)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultSearchLimit
	}

	log.Info().Str("query", p.Query).Msg("handlers: searching customers")
	results, err := connector.Call(ctx, h.pool, func(c connector.Connector) ([]map[string]any, error) {
		return c.SearchCustomers(p.Query, p.Limit)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results), "query": p.Query}, nil
}

func (h *Handlers) getProduct(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[skuPayload](task)
	if err != nil {
		return nil, err
	}
	if p.SKU == "" {
		return nil, missing("sku")
	}

	log.Info().Str("sku", p.SKU).Msg("handlers: looking up product")
	rec, err := connector.Call(ctx, h.pool, func(c connector.Connector) (map[string]any, error) {
		return c.FindProduct(p.SKU)
	})
	if err != nil {
		return nil, err
	}
	return found(rec, "sku", p.SKU), nil
}

func (h *Handlers) searchProducts(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	p, err := decode[searchPayload](task)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultSearchLimit
	}

	log.Info().Str("query", p.Query).Msg("handlers: searching products")
	results, err := connector.Call(ctx, h.pool, func(c connector.Connector) ([]map[string]any, error) {
		return c.SearchProducts(p.Query, p.Limit)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results), "query": p.Query}, nil
}
