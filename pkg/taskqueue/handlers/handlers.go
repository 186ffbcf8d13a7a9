// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides task handlers for the task queue.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/platformsync"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

const defaultSearchLimit = 50

// ErrSyncDisabled is returned by marketplace sync tasks when the agent runs
// without a sync service.
var ErrSyncDisabled = errors.New("platform sync is not enabled")

// Registrar accepts handlers; *taskqueue.Executor satisfies it.
type Registrar interface {
	RegisterHandler(taskType taskqueue.TaskType, h taskqueue.Handler)
}

// Dependencies are the services handlers call into.
type Dependencies struct {
	Pool *connector.Pool
	// Sync may be nil, in which case sync tasks fail with ErrSyncDisabled.
	Sync *platformsync.Service
}

// Handlers implements every task type the agent understands.
type Handlers struct {
	pool *connector.Pool
	sync *platformsync.Service
}

// New creates the handler set.
func New(deps Dependencies) *Handlers {
	return &Handlers{pool: deps.Pool, sync: deps.Sync}
}

// Register wires one handler per task type into r.
func Register(r Registrar, deps Dependencies) *Handlers {
	h := New(deps)
	for taskType, fn := range h.table() {
		r.RegisterHandler(taskType, fn)
	}
	return h
}

func (h *Handlers) table() map[taskqueue.TaskType]taskqueue.HandlerFunc {
	return map[taskqueue.TaskType]taskqueue.HandlerFunc{
		taskqueue.TaskTypeCreateSalesOrder:  h.createSalesOrder,
		taskqueue.TaskTypeGetSalesOrder:     h.getSalesOrder,
		taskqueue.TaskTypeBatchCreateOrders: h.batchCreateOrders,
		taskqueue.TaskTypeSyncOrders:        h.syncOrders,
		taskqueue.TaskTypeCreateCustomer:    h.createCustomer,
		taskqueue.TaskTypeGetCustomer:       h.getCustomer,
		taskqueue.TaskTypeSearchCustomers:   h.searchCustomers,
		taskqueue.TaskTypeGetProduct:        h.getProduct,
		taskqueue.TaskTypeSearchProducts:    h.searchProducts,
		taskqueue.TaskTypeSyncAmazon:        h.platformSync(platformsync.PlatformAmazon),
		taskqueue.TaskTypeSyncEbay:          h.platformSync(platformsync.PlatformEbay),
		taskqueue.TaskTypeSyncShopify:       h.platformSync(platformsync.PlatformShopify),
		taskqueue.TaskTypeDailyMorningSync:  h.fullSync,
		taskqueue.TaskTypeDailyNoonSync:     h.fullSync,
		taskqueue.TaskTypeFullSync:          h.fullSync,
		taskqueue.TaskTypeHealthCheck:       h.healthCheck,
		taskqueue.TaskTypeGetSageStatus:     h.getSageStatus,
	}
}

// decode reads the payload into T.
func decode[T any](task *taskqueue.Task) (T, error) {
	v, err := taskqueue.DecodePayload[T](task.Payload)
	if err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

func missing(field string) error {
	return fmt.Errorf("missing '%s' in task payload", field)
}

// invalid reports a payload that failed validation. It is not a connector
// error, so the attempt is classified as an execution error.
func invalid(what string, err error) error {
	return fmt.Errorf("invalid %s in task payload: %w", what, err)
}

func validateOrders(orders []connector.SalesOrder) error {
	for i := range orders {
		if err := orders[i].Validate(); err != nil {
			return invalid(fmt.Sprintf("order %d (%s)", i, orders[i].PlatformOrderID), err)
		}
	}
	return nil
}

// found merges a lookup result with found=true, or reports found=false
// with the key that was searched.
func found(rec map[string]any, key, value string) map[string]any {
	if rec == nil {
		return map[string]any{"found": false, key: value}
	}
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["found"] = true
	return out
}

func (h *Handlers) healthCheck(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	log.Info().Msg("handlers: running health check")
	return connector.Call(ctx, h.pool, func(c connector.Connector) (map[string]any, error) {
		return c.HealthCheck()
	})
}

func (h *Handlers) getSageStatus(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	st := h.pool.Connector().Status()
	return map[string]any{
		"connected": st.Connected,
		"company":   st.Company,
		"version":   st.Version,
	}, nil
}
