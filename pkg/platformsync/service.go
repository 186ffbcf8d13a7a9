// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package platformsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/debug"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
)

// DefaultDaysBack is the look-back window when a task does not name one.
const DefaultDaysBack = 30

var ordersImported = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mnm_agent",
	Subsystem: "platformsync",
	Name:      "orders_total",
	Help:      "Marketplace orders handed to Sage 50, by outcome",
}, []string{"platform", "outcome"}) // outcome: "imported", "failed", "skipped"

func init() {
	debug.Registry().MustRegister(ordersImported)
}

// PlatformResult reports a single platform sync.
type PlatformResult struct {
	Platform       string   `json:"platform"`
	Success        bool     `json:"success"`
	OrdersFetched  int      `json:"orders_fetched"`
	OrdersImported int      `json:"orders_imported"`
	OrdersFailed   int      `json:"orders_failed"`
	OrdersSkipped  int      `json:"orders_skipped"`
	Errors         []string `json:"errors"`
	Message        string   `json:"message,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Map renders the result for a task result payload.
func (r PlatformResult) Map() map[string]any {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	m := map[string]any{
		"platform":           r.Platform,
		"success":            r.Success,
		"orders_fetched":     r.OrdersFetched,
		"orders_imported":    r.OrdersImported,
		"orders_failed":      r.OrdersFailed,
		"orders_skipped":     r.OrdersSkipped,
		"errors":             errs,
		"records_processed":  r.OrdersFetched,
		"records_successful": r.OrdersImported,
		"records_failed":     r.OrdersFailed,
		"records_skipped":    r.OrdersSkipped,
	}
	if r.Message != "" {
		m["message"] = r.Message
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// AllResult reports a sync over every platform.
type AllResult struct {
	Success       bool                      `json:"success"`
	Platforms     map[string]PlatformResult `json:"platforms"`
	TotalImported int                       `json:"total_imported"`
	TotalFailed   int                       `json:"total_failed"`
}

// Map renders the result for a task result payload.
func (r AllResult) Map() map[string]any {
	platforms := make(map[string]any, len(r.Platforms))
	processed, skipped := 0, 0
	for name, pr := range r.Platforms {
		platforms[name] = pr.Map()
		processed += pr.OrdersFetched
		skipped += pr.OrdersSkipped
	}
	return map[string]any{
		"success":            r.Success,
		"platforms":          platforms,
		"total_imported":     r.TotalImported,
		"total_failed":       r.TotalFailed,
		"records_processed":  processed,
		"records_successful": r.TotalImported,
		"records_failed":     r.TotalFailed,
		"records_skipped":    skipped,
	}
}

// Service moves orders from a source into Sage 50.
type Service struct {
	source OrderSource
	pool   *connector.Pool
	now    func() time.Time

	mu       sync.Mutex
	lastSync map[string]time.Time
}

// NewService creates a sync service.
func NewService(source OrderSource, pool *connector.Pool) *Service {
	return &Service{
		source:   source,
		pool:     pool,
		now:      time.Now,
		lastSync: make(map[string]time.Time),
	}
}

// LastSync returns when platform last synced successfully, or the zero time.
func (s *Service) LastSync(platform string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync[platform]
}

func (s *Service) markSynced(platform string) {
	s.mu.Lock()
	s.lastSync[platform] = s.now().UTC()
	s.mu.Unlock()
}

// SyncPlatform imports the orders of the last daysBack days from platform.
// Source problems are reported in the result; a returned error means Sage
// rejected the batch or ctx ended, and the result says how far it got.
func (s *Service) SyncPlatform(ctx context.Context, platform string, daysBack int) (PlatformResult, error) {
	res := PlatformResult{Platform: platform, Errors: []string{}}

	p, err := ParsePlatform(platform)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Platform = p
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	since := s.now().UTC().AddDate(0, 0, -daysBack)

	log := logger.Ctx(ctx).With().Str("platform", p).Logger()
	log.Info().Int("days_back", daysBack).Msg("platformsync: syncing platform")

	fetched, err := s.source.FetchOrders(ctx, p, since)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Error().Err(err).Msg("platformsync: fetch failed")
		res.Error = err.Error()
		return res, nil
	}
	for path, reason := range fetched.Rejected {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", path, reason))
	}

	res.OrdersFetched = len(fetched.Orders)
	if res.OrdersFetched == 0 {
		res.Success = true
		res.Message = "No orders to import"
		s.ack(ctx, p, fetched)
		s.markSynced(p)
		log.Info().Msg("platformsync: no orders to import")
		return res, nil
	}

	batch, err := connector.Call(ctx, s.pool, func(c connector.Connector) (connector.BatchResult, error) {
		return c.BatchCreateOrders(fetched.Orders, false)
	})
	if err != nil {
		log.Error().Err(err).Msg("platformsync: import failed")
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	res.OrdersImported = batch.Successful
	res.OrdersFailed = batch.Failed
	res.OrdersSkipped = batch.Skipped
	for _, f := range batch.FailedOrders {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", f.PlatformOrderID, f.Error))
	}
	res.Message = fmt.Sprintf("Imported %d orders", batch.Successful)
	s.ack(ctx, p, fetched)
	s.markSynced(p)

	ordersImported.WithLabelValues(p, "imported").Add(float64(batch.Successful))
	ordersImported.WithLabelValues(p, "failed").Add(float64(batch.Failed))
	ordersImported.WithLabelValues(p, "skipped").Add(float64(batch.Skipped))

	log.Info().
		Int("fetched", res.OrdersFetched).
		Int("imported", res.OrdersImported).
		Int("failed", res.OrdersFailed).
		Int("skipped", res.OrdersSkipped).
		Msg("platformsync: platform synced")
	return res, nil
}

func (s *Service) ack(ctx context.Context, platform string, f *Fetched) {
	if err := s.source.Ack(ctx, platform, f); err != nil {
		logger.Warn().Err(err).Str("platform", platform).Msg("platformsync: failed to acknowledge fetched orders")
	}
}

// SyncAll syncs every platform in turn. A failing platform marks the whole
// run unsuccessful but does not stop the others. Only ctx ending returns an
// error.
func (s *Service) SyncAll(ctx context.Context, daysBack int) (AllResult, error) {
	all := AllResult{
		Success:   true,
		Platforms: make(map[string]PlatformResult, len(Platforms)),
	}

	for _, p := range Platforms {
		res, err := s.SyncPlatform(ctx, p, daysBack)
		all.Platforms[p] = res
		if ctxErr := ctx.Err(); ctxErr != nil {
			all.Success = false
			return all, ctxErr
		}
		if err != nil || !res.Success {
			all.Success = false
			continue
		}
		all.TotalImported += res.OrdersImported
		all.TotalFailed += res.OrdersFailed
	}

	logger.Info().
		Bool("success", all.Success).
		Int("total_imported", all.TotalImported).
		Int("total_failed", all.TotalFailed).
		Msg("platformsync: full sync finished")
	return all, nil
}
