// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/platformsync"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

type registry map[taskqueue.TaskType]taskqueue.Handler

func (r registry) RegisterHandler(t taskqueue.TaskType, h taskqueue.Handler) {
	r[t] = h
}

type fixture struct {
	handlers registry
	mem      *connector.MemoryConnector
	importer string
}

func newFixture(t *testing.T, withSync bool) *fixture {
	t.Helper()
	mem := connector.NewMemoryConnector(connector.MemoryConnectorConfig{Company: "MNM Fasteners Ltd", Version: "30.1"})
	_, err := mem.Connect()
	require.NoError(t, err)
	pool := connector.NewPool(mem, connector.PoolConfig{})

	f := &fixture{handlers: registry{}, mem: mem, importer: t.TempDir()}
	deps := Dependencies{Pool: pool}
	if withSync {
		deps.Sync = platformsync.NewService(platformsync.NewDirSource(f.importer), pool)
	}
	Register(f.handlers, deps)
	return f
}

// run encodes payload the way it arrives off the wire and calls the handler.
func (f *fixture) run(t *testing.T, taskType taskqueue.TaskType, payload any) (map[string]any, error) {
	t.Helper()
	h, ok := f.handlers[taskType]
	require.True(t, ok, "no handler for %s", taskType)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))

	task := taskqueue.NewTask(taskType, taskqueue.PriorityNormal, wire)
	return h.Handle(context.Background(), task, zerolog.Nop())
}

func salesOrder(id string) connector.SalesOrder {
	return connector.SalesOrder{
		PlatformOrderID: id,
		CustomerName:    "Jane Buyer",
		Lines:           []connector.OrderLine{{SKU: "WASHER-M6", Quantity: 100, UnitPrice: 0.02}},
	}
}

func TestRegister_CoversEveryTaskType(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	for _, tt := range taskqueue.AllTaskTypes() {
		assert.Contains(t, f.handlers, tt)
	}
	assert.Len(t, f.handlers, len(taskqueue.AllTaskTypes()))
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	out, err := f.run(t, taskqueue.TaskTypeHealthCheck, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out["healthy"])
	assert.Equal(t, "MNM Fasteners Ltd", out["company"])
}

func TestGetSageStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	out, err := f.run(t, taskqueue.TaskTypeGetSageStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"connected": true, "company": "MNM Fasteners Ltd", "version": "30.1"}, out)
}

func TestSalesOrders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	out, err := f.run(t, taskqueue.TaskTypeCreateSalesOrder, map[string]any{"order": salesOrder("SHP-1001")})
	require.NoError(t, err)
	ref := out["order_ref"]
	require.NotEmpty(t, ref)

	out, err = f.run(t, taskqueue.TaskTypeGetSalesOrder, map[string]any{"order_ref": ref})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "SHP-1001", out["platform_order_id"])

	out, err = f.run(t, taskqueue.TaskTypeGetSalesOrder, map[string]any{"order_ref": "SO-404"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"found": false, "order_ref": "SO-404"}, out)

	_, err = f.run(t, taskqueue.TaskTypeCreateSalesOrder, map[string]any{})
	assert.EqualError(t, err, "missing 'order' in task payload")

	_, err = f.run(t, taskqueue.TaskTypeGetSalesOrder, map[string]any{})
	assert.EqualError(t, err, "missing 'order_ref' in task payload")
}

func TestCreateSalesOrder_ConnectorError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.mem.SetFailure(errors.New("company file locked"))

	_, err := f.run(t, taskqueue.TaskTypeCreateSalesOrder, map[string]any{"order": salesOrder("A-1")})
	require.Error(t, err)
	assert.Equal(t, taskqueue.KindConnector, taskqueue.ClassifyError(err))
}

func TestInvalidPayloads(t *testing.T) {
	t.Parallel()

	bad := salesOrder("A-2")
	bad.Lines[0].Quantity = 0

	tests := []struct {
		name     string
		taskType taskqueue.TaskType
		payload  map[string]any
		contains string
	}{
		{"order without customer or lines", taskqueue.TaskTypeCreateSalesOrder,
			map[string]any{"order": map[string]any{"platform_order_id": "A-1"}}, "invalid order in task payload"},
		{"customer with bad email", taskqueue.TaskTypeCreateCustomer,
			map[string]any{"customer": map[string]any{"name": "Bolt Supplies", "email": "not-an-email"}}, "invalid customer in task payload"},
		{"batch with one bad order", taskqueue.TaskTypeBatchCreateOrders,
			map[string]any{"orders": []connector.SalesOrder{salesOrder("A-1"), bad}}, "invalid order 1 (A-2)"},
		{"sync with one bad order", taskqueue.TaskTypeSyncOrders,
			map[string]any{"orders": []connector.SalesOrder{bad}}, "invalid order 0 (A-2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, false)
			_, err := f.run(t, tt.taskType, tt.payload)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.contains)
			var verrs validator.ValidationErrors
			assert.ErrorAs(t, err, &verrs)
			assert.False(t, connector.IsError(err))
			assert.Equal(t, taskqueue.KindExecution, taskqueue.ClassifyError(err))
			assert.Equal(t, taskqueue.ErrorCodeExecution, taskqueue.ClassifyError(err).Code())

			found, err := f.mem.FindSalesOrder("A-1")
			require.NoError(t, err)
			assert.Nil(t, found, "nothing reaches Sage when the payload is invalid")
		})
	}
}

func TestBatchCreateOrders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	out, err := f.run(t, taskqueue.TaskTypeBatchCreateOrders, map[string]any{"orders": []any{}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "No orders provided"}, out)

	out, err = f.run(t, taskqueue.TaskTypeBatchCreateOrders, map[string]any{
		"orders":        []connector.SalesOrder{salesOrder("A-1"), salesOrder("A-2"), salesOrder("A-1")},
		"stop_on_error": false,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out["successful"])
	assert.Equal(t, 1, out["skipped"])
	assert.Equal(t, 3, out["records_processed"])
}

func TestSyncOrders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	out, err := f.run(t, taskqueue.TaskTypeSyncOrders, map[string]any{"platform": "shopify"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"synced": 0, "failed": 0, "skipped": 0, "platform": "shopify"}, out)

	out, err = f.run(t, taskqueue.TaskTypeSyncOrders, map[string]any{
		"orders": []connector.SalesOrder{salesOrder("S-1"), salesOrder("S-2")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out["synced"])
	assert.Equal(t, "unknown", out["platform"])
	assert.Equal(t, []string{"SO-00001", "SO-00002"}, out["created_order_refs"])
}

func TestCustomers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	out, err := f.run(t, taskqueue.TaskTypeCreateCustomer, map[string]any{
		"customer": connector.Customer{AccountRef: "BOLTS01", Name: "Bolt Supplies", Company: "Bolt Supplies Ltd"},
	})
	require.NoError(t, err)
	assert.Equal(t, "BOLTS01", out["account_ref"])

	out, err = f.run(t, taskqueue.TaskTypeGetCustomer, map[string]any{"account_ref": "BOLTS01"})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "Bolt Supplies", out["name"])

	out, err = f.run(t, taskqueue.TaskTypeGetCustomer, map[string]any{"account_ref": "NOPE"})
	require.NoError(t, err)
	assert.Equal(t, false, out["found"])

	out, err = f.run(t, taskqueue.TaskTypeSearchCustomers, map[string]any{"query": "bolt"})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	assert.Equal(t, "bolt", out["query"])

	_, err = f.run(t, taskqueue.TaskTypeCreateCustomer, map[string]any{})
	assert.EqualError(t, err, "missing 'customer' in task payload")
}

func TestProducts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.mem.AddProduct(connector.Product{SKU: "WASHER-M6", Description: "M6 washer", Price: 0.02, QuantityAvailable: 5000})
	f.mem.AddProduct(connector.Product{SKU: "WASHER-M8", Description: "M8 washer", Price: 0.03})

	out, err := f.run(t, taskqueue.TaskTypeGetProduct, map[string]any{"sku": "WASHER-M6"})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, 5000, out["quantity_available"])

	out, err = f.run(t, taskqueue.TaskTypeGetProduct, map[string]any{"sku": "NUT-M3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"found": false, "sku": "NUT-M3"}, out)

	out, err = f.run(t, taskqueue.TaskTypeSearchProducts, map[string]any{"query": "washer", "limit": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])

	_, err = f.run(t, taskqueue.TaskTypeGetProduct, map[string]any{})
	assert.EqualError(t, err, "missing 'sku' in task payload")
}

func TestPlatformSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	dir := filepath.Join(f.importer, "amazon")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal([]connector.SalesOrder{salesOrder("AMZ-1")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "export.json"), data, 0o644))

	out, err := f.run(t, taskqueue.TaskTypeSyncAmazon, map[string]any{"days_back": 7})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 1, out["orders_imported"])

	out, err = f.run(t, taskqueue.TaskTypeSyncEbay, nil)
	require.NoError(t, err)
	assert.Equal(t, "No orders to import", out["message"])

	out, err = f.run(t, taskqueue.TaskTypeDailyMorningSync, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 0, out["total_imported"], "the amazon export was already processed")
}

func TestPlatformSync_Disabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	_, err := f.run(t, taskqueue.TaskTypeFullSync, nil)
	assert.ErrorIs(t, err, ErrSyncDisabled)
	_, err = f.run(t, taskqueue.TaskTypeSyncShopify, nil)
	assert.ErrorIs(t, err, ErrSyncDisabled)
}
