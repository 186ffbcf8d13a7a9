// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package platformsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
)

func order(id string, placed time.Time) connector.SalesOrder {
	return connector.SalesOrder{
		PlatformOrderID: id,
		CustomerName:    "Jane Buyer",
		OrderDate:       placed,
		Lines:           []connector.OrderLine{{SKU: "BOLT-M8", Quantity: 2, UnitPrice: 0.3}},
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newPool(t *testing.T) (*connector.Pool, *connector.MemoryConnector) {
	t.Helper()
	mem := connector.NewMemoryConnector(connector.MemoryConnectorConfig{})
	_, err := mem.Connect()
	require.NoError(t, err)
	return connector.NewPool(mem, connector.PoolConfig{}), mem
}

type stubSource struct {
	fetched *Fetched
	err     error
	acked   int
}

func (s *stubSource) FetchOrders(context.Context, string, time.Time) (*Fetched, error) {
	return s.fetched, s.err
}

func (s *stubSource) Ack(context.Context, string, *Fetched) error {
	s.acked++
	return nil
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()

	p, err := ParsePlatform(" Amazon ")
	require.NoError(t, err)
	assert.Equal(t, PlatformAmazon, p)

	_, err = ParsePlatform("etsy")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestDirSource_FetchAndAck(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	now := time.Now().UTC()
	writeJSON(t, filepath.Join(root, "amazon", "a.json"), []connector.SalesOrder{
		order("AMZ-1", now.AddDate(0, 0, -1)),
		order("AMZ-OLD", now.AddDate(-1, 0, 0)),
	})
	writeJSON(t, filepath.Join(root, "amazon", "b.json"), map[string]any{
		"orders": []connector.SalesOrder{order("AMZ-2", time.Time{})},
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "amazon", "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "amazon", "notes.txt"), []byte("ignored"), 0o644))

	src := NewDirSource(root)
	fetched, err := src.FetchOrders(context.Background(), PlatformAmazon, now.AddDate(0, 0, -30))
	require.NoError(t, err)

	var ids []string
	for _, o := range fetched.Orders {
		ids = append(ids, o.PlatformOrderID)
		assert.Equal(t, PlatformAmazon, o.Platform)
	}
	assert.Equal(t, []string{"AMZ-1", "AMZ-2"}, ids)
	assert.Len(t, fetched.Files, 2)
	assert.Contains(t, fetched.Rejected, filepath.Join(root, "amazon", "broken.json"))

	require.NoError(t, src.Ack(context.Background(), PlatformAmazon, fetched))
	assert.FileExists(t, filepath.Join(root, "amazon", "processed", "a.json"))
	assert.FileExists(t, filepath.Join(root, "amazon", "processed", "b.json"))
	assert.FileExists(t, filepath.Join(root, "amazon", "failed", "broken.json"))
	assert.FileExists(t, filepath.Join(root, "amazon", "notes.txt"))

	again, err := src.FetchOrders(context.Background(), PlatformAmazon, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, again.Orders)
}

func TestDirSource_MissingDirectory(t *testing.T) {
	t.Parallel()

	fetched, err := NewDirSource(t.TempDir()).FetchOrders(context.Background(), PlatformEbay, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, fetched.Orders)
}

func TestService_SyncPlatform_NoOrders(t *testing.T) {
	t.Parallel()

	pool, _ := newPool(t)
	svc := NewService(NewDirSource(t.TempDir()), pool)

	res, err := svc.SyncPlatform(context.Background(), "shopify", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "No orders to import", res.Message)
	assert.Equal(t, 0, res.OrdersFetched)
	assert.Equal(t, "No orders to import", res.Map()["message"])
	assert.False(t, svc.LastSync(PlatformShopify).IsZero())
	assert.True(t, svc.LastSync(PlatformAmazon).IsZero())
}

func TestService_SyncPlatform_Imports(t *testing.T) {
	t.Parallel()

	pool, mem := newPool(t)
	_, err := mem.CreateSalesOrder(order("EB-1", time.Time{}))
	require.NoError(t, err)

	invalid := order("EB-3", time.Time{})
	invalid.Lines = nil
	src := &stubSource{fetched: &Fetched{Orders: []connector.SalesOrder{
		order("EB-1", time.Time{}),
		order("EB-2", time.Time{}),
		invalid,
	}}}
	svc := NewService(src, pool)

	res, err := svc.SyncPlatform(context.Background(), PlatformEbay, 7)
	require.NoError(t, err)

	want := PlatformResult{
		Platform:       PlatformEbay,
		Success:        true,
		OrdersFetched:  3,
		OrdersImported: 1,
		OrdersFailed:   1,
		OrdersSkipped:  1,
		Message:        "Imported 1 orders",
	}
	assert.Empty(t, cmp.Diff(want, res, cmpopts.IgnoreFields(PlatformResult{}, "Errors")))
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "EB-3")
	assert.Equal(t, 1, src.acked)
	assert.Equal(t, 2, mem.OrderCount())

	m := res.Map()
	assert.Equal(t, 3, m["records_processed"])
	assert.Equal(t, 1, m["records_successful"])
}

func TestService_SyncPlatform_ConnectorFailure(t *testing.T) {
	t.Parallel()

	pool, mem := newPool(t)
	mem.SetFailure(errors.New("company file locked"))
	src := &stubSource{fetched: &Fetched{Orders: []connector.SalesOrder{order("A-1", time.Time{})}}}

	res, err := NewService(src, pool).SyncPlatform(context.Background(), PlatformAmazon, 1)
	require.Error(t, err)
	assert.True(t, connector.IsError(err))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0, src.acked, "a rejected batch is fetched again next time")
}

func TestService_LastSyncOnlyOnSuccess(t *testing.T) {
	t.Parallel()

	pool, mem := newPool(t)
	src := &stubSource{fetched: &Fetched{Orders: []connector.SalesOrder{order("A-1", time.Time{})}}}
	svc := NewService(src, pool)
	placed := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return placed }

	mem.SetFailure(errors.New("company file locked"))
	_, err := svc.SyncPlatform(context.Background(), PlatformAmazon, 1)
	require.Error(t, err)
	assert.True(t, svc.LastSync(PlatformAmazon).IsZero())

	mem.SetFailure(nil)
	_, err = svc.SyncPlatform(context.Background(), PlatformAmazon, 1)
	require.NoError(t, err)
	assert.Equal(t, placed, svc.LastSync(PlatformAmazon))
}

func TestService_SyncPlatform_SourceFailure(t *testing.T) {
	t.Parallel()

	pool, _ := newPool(t)
	src := &stubSource{err: errors.New("export endpoint unavailable")}

	res, err := NewService(src, pool).SyncPlatform(context.Background(), PlatformShopify, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "export endpoint unavailable", res.Error)
}

func TestService_SyncPlatform_UnknownPlatform(t *testing.T) {
	t.Parallel()

	pool, _ := newPool(t)
	_, err := NewService(&stubSource{}, pool).SyncPlatform(context.Background(), "etsy", 1)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestService_SyncAll(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "amazon", "orders.json"), []connector.SalesOrder{
		order("AMZ-1", time.Time{}),
		order("AMZ-2", time.Time{}),
	})
	writeJSON(t, filepath.Join(root, "ebay", "orders.json"), []connector.SalesOrder{
		order("EB-1", time.Time{}),
	})

	pool, mem := newPool(t)
	res, err := NewService(NewDirSource(root), pool).SyncAll(context.Background(), 30)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.TotalImported)
	assert.Equal(t, 0, res.TotalFailed)
	assert.Equal(t, 3, mem.OrderCount())

	names := make([]string, 0, len(res.Platforms))
	for name := range res.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"amazon", "ebay", "shopify"}, names)
	assert.Equal(t, "No orders to import", res.Platforms["shopify"].Message)

	m := res.Map()
	assert.Equal(t, 3, m["total_imported"])
	assert.Equal(t, 3, m["records_processed"])
}

func TestService_SyncAll_PartialFailure(t *testing.T) {
	t.Parallel()

	pool, mem := newPool(t)
	mem.SetFailure(errors.New("sage closed"))
	src := &stubSource{fetched: &Fetched{Orders: []connector.SalesOrder{order("X-1", time.Time{})}}}

	res, err := NewService(src, pool).SyncAll(context.Background(), 30)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Len(t, res.Platforms, 3)
	for _, pr := range res.Platforms {
		assert.False(t, pr.Success)
	}
}
