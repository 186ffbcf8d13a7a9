// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Compile-time interface verification
var _ Connector = (*MemoryConnector)(nil)

// MemoryConnectorConfig configures a MemoryConnector.
type MemoryConnectorConfig struct {
	Company string
	Version string
	// AlreadyOpen simulates a desktop session that was open before the
	// agent connected.
	AlreadyOpen bool
}

// MemoryConnector is an in-memory ledger standing in for Sage 50. It is
// used by tests and by demo runs on machines without Sage installed.
type MemoryConnector struct {
	mu sync.Mutex

	cfg       MemoryConnectorConfig
	connected bool
	opened    bool // session opened by the agent
	failure   error

	orders        map[string]map[string]any // order ref -> record
	platformIndex map[string]string         // platform order ID -> order ref
	customers     map[string]map[string]any
	products      map[string]Product
	nextOrder     int
	nextCustomer  int
}

// NewMemoryConnector creates an empty ledger.
func NewMemoryConnector(cfg MemoryConnectorConfig) *MemoryConnector {
	if cfg.Company == "" {
		cfg.Company = "Demo Company Ltd"
	}
	if cfg.Version == "" {
		cfg.Version = "memory"
	}
	return &MemoryConnector{
		cfg:           cfg,
		connected:     cfg.AlreadyOpen,
		orders:        make(map[string]map[string]any),
		platformIndex: make(map[string]string),
		customers:     make(map[string]map[string]any),
		products:      make(map[string]Product),
		nextOrder:     1,
		nextCustomer:  1,
	}
}

// SetFailure makes every subsequent operation fail with err wrapped in
// *Error. A nil err clears it.
func (m *MemoryConnector) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// AddProduct stocks a product.
func (m *MemoryConnector) AddProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.SKU] = p
}

// OrderCount returns the number of orders in the ledger.
func (m *MemoryConnector) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MemoryConnector) checkLocked(op string) error {
	if m.failure != nil {
		return &Error{Op: op, Err: m.failure}
	}
	if !m.connected {
		return &Error{Op: op, Err: ErrNotConnected}
	}
	return nil
}

func (m *MemoryConnector) Connect() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return false, &Error{Op: "connect", Err: m.failure}
	}
	if m.connected {
		return !m.opened, nil
	}
	m.connected = true
	m.opened = true
	return false, nil
}

func (m *MemoryConnector) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		m.connected = false
		m.opened = false
	}
	return nil
}

func (m *MemoryConnector) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{Connected: m.connected, ConnectionType: "memory"}
	if m.connected {
		s.Company = m.cfg.Company
		s.Version = m.cfg.Version
	}
	return s
}

func (m *MemoryConnector) CreateSalesOrder(order SalesOrder) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("create_sales_order"); err != nil {
		return nil, err
	}
	return m.createOrderLocked(order)
}

func (m *MemoryConnector) createOrderLocked(order SalesOrder) (map[string]any, error) {
	if err := order.Validate(); err != nil {
		return nil, &Error{Op: "create_sales_order", Err: err}
	}
	if ref, ok := m.platformIndex[order.PlatformOrderID]; ok {
		return nil, &Error{Op: "create_sales_order", Err: fmt.Errorf("%w: order %s is %s", ErrDuplicate, order.PlatformOrderID, ref)}
	}

	ref := fmt.Sprintf("SO-%05d", m.nextOrder)
	m.nextOrder++
	if order.OrderDate.IsZero() {
		order.OrderDate = time.Now().UTC()
	}
	record := map[string]any{
		"order_ref":         ref,
		"platform_order_id": order.PlatformOrderID,
		"platform":          order.Platform,
		"customer_name":     order.CustomerName,
		"order_date":        order.OrderDate.Format(time.RFC3339),
		"lines":             len(order.Lines),
		"total":             order.Total(),
	}
	m.orders[ref] = record
	m.platformIndex[order.PlatformOrderID] = ref
	return map[string]any{"success": true, "order_ref": ref, "total": order.Total()}, nil
}

func (m *MemoryConnector) FindSalesOrder(ref string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("find_sales_order"); err != nil {
		return nil, err
	}
	if r, ok := m.platformIndex[ref]; ok {
		ref = r
	}
	rec, ok := m.orders[ref]
	if !ok {
		return nil, nil
	}
	return maps.Clone(rec), nil
}

func (m *MemoryConnector) CreateCustomer(c Customer) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("create_customer"); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, &Error{Op: "create_customer", Err: err}
	}
	if c.AccountRef == "" {
		c.AccountRef = fmt.Sprintf("CUST%04d", m.nextCustomer)
		m.nextCustomer++
	}
	if _, ok := m.customers[c.AccountRef]; ok {
		return nil, &Error{Op: "create_customer", Err: fmt.Errorf("%w: customer %s", ErrDuplicate, c.AccountRef)}
	}
	m.customers[c.AccountRef] = map[string]any{
		"account_ref": c.AccountRef,
		"name":        c.Name,
		"company":     c.Company,
		"email":       c.Email,
		"phone":       c.Phone,
	}
	return map[string]any{"success": true, "account_ref": c.AccountRef}, nil
}

func (m *MemoryConnector) FindCustomer(accountRef string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("find_customer"); err != nil {
		return nil, err
	}
	rec, ok := m.customers[accountRef]
	if !ok {
		return nil, nil
	}
	return maps.Clone(rec), nil
}

func (m *MemoryConnector) SearchCustomers(query string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("search_customers"); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	out := []map[string]any{}
	for _, ref := range slices.Sorted(maps.Keys(m.customers)) {
		rec := m.customers[ref]
		name, _ := rec["name"].(string)
		company, _ := rec["company"].(string)
		if q == "" || strings.Contains(strings.ToLower(ref+" "+name+" "+company), q) {
			out = append(out, maps.Clone(rec))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryConnector) FindProduct(sku string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("find_product"); err != nil {
		return nil, err
	}
	p, ok := m.products[sku]
	if !ok {
		return nil, nil
	}
	return productMap(p), nil
}

func (m *MemoryConnector) SearchProducts(query string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("search_products"); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	out := []map[string]any{}
	for _, sku := range slices.Sorted(maps.Keys(m.products)) {
		p := m.products[sku]
		if q == "" || strings.Contains(strings.ToLower(p.SKU+" "+p.Description), q) {
			out = append(out, productMap(p))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryConnector) BatchCreateOrders(orders []SalesOrder, stopOnError bool) (BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("batch_create_orders"); err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, o := range orders {
		if _, dup := m.platformIndex[o.PlatformOrderID]; dup {
			res.Skipped++
			continue
		}
		out, err := m.createOrderLocked(o)
		if err != nil {
			res.Failed++
			res.FailedOrders = append(res.FailedOrders, FailedOrder{PlatformOrderID: o.PlatformOrderID, Error: err.Error()})
			if stopOnError {
				break
			}
			continue
		}
		res.Successful++
		res.CreatedOrderRefs = append(res.CreatedOrderRefs, out["order_ref"].(string))
	}
	return res, nil
}

func (m *MemoryConnector) HealthCheck() (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("health_check"); err != nil {
		return nil, err
	}
	return map[string]any{
		"healthy":   true,
		"company":   m.cfg.Company,
		"version":   m.cfg.Version,
		"orders":    len(m.orders),
		"customers": len(m.customers),
		"products":  len(m.products),
	}, nil
}

func productMap(p Product) map[string]any {
	return map[string]any{
		"sku":                p.SKU,
		"description":        p.Description,
		"price":              p.Price,
		"quantity_available": p.QuantityAvailable,
	}
}
