// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package connector is the agent's view of the Sage 50 installation. The
// accounting system is reached through a small, blocking operation surface;
// callers go through a Pool so a slow Sage call never stalls the executor.
package connector

import (
	"errors"
	"fmt"
)

// Connector is the accounting system surface used by task handlers. All
// methods block and are not safe to call on the executor goroutine.
type Connector interface {
	// Connect opens a session. alreadyOpen reports that a session (for
	// example a user's desktop session) existed before the agent asked.
	Connect() (alreadyOpen bool, err error)
	// Release gives the session back. A session the agent did not open is
	// left alone.
	Release() error
	Status() Status

	CreateSalesOrder(order SalesOrder) (map[string]any, error)
	// FindSalesOrder returns nil, nil when no order matches.
	FindSalesOrder(ref string) (map[string]any, error)
	CreateCustomer(customer Customer) (map[string]any, error)
	// FindCustomer returns nil, nil when no customer matches.
	FindCustomer(accountRef string) (map[string]any, error)
	SearchCustomers(query string, limit int) ([]map[string]any, error)
	// FindProduct returns nil, nil when no product matches.
	FindProduct(sku string) (map[string]any, error)
	SearchProducts(query string, limit int) ([]map[string]any, error)
	BatchCreateOrders(orders []SalesOrder, stopOnError bool) (BatchResult, error)
	HealthCheck() (map[string]any, error)
}

// Status describes the current accounting session.
type Status struct {
	Connected      bool   `json:"connected"`
	Company        string `json:"company,omitempty"`
	Version        string `json:"version,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
}

// Error is a failure reported by the accounting system itself.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sage50 %s failed", e.Op)
	}
	return fmt.Sprintf("sage50 %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsError reports whether err is, or wraps, a connector Error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

var (
	ErrNotConnected  = errors.New("not connected to Sage 50")
	ErrNotConfigured = errors.New("no Sage 50 connector configured")
	ErrDuplicate     = errors.New("record already exists")
)
