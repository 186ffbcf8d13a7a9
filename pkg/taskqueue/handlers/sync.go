// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mnmfasteners/mnm-agent/pkg/platformsync"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

type syncPayload struct {
	DaysBack int `json:"days_back"`
}

func (p syncPayload) days() int {
	if p.DaysBack <= 0 {
		return platformsync.DefaultDaysBack
	}
	return p.DaysBack
}

// platformSync returns the handler for one marketplace.
func (h *Handlers) platformSync(platform string) taskqueue.HandlerFunc {
	return func(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
		if h.sync == nil {
			return nil, ErrSyncDisabled
		}
		p, err := decode[syncPayload](task)
		if err != nil {
			return nil, err
		}

		log.Info().Str("platform", platform).Int("days_back", p.days()).Msg("handlers: syncing platform")
		res, err := h.sync.SyncPlatform(ctx, platform, p.days())
		return res.Map(), err
	}
}

func (h *Handlers) fullSync(ctx context.Context, task *taskqueue.Task, log zerolog.Logger) (map[string]any, error) {
	if h.sync == nil {
		return nil, ErrSyncDisabled
	}
	p, err := decode[syncPayload](task)
	if err != nil {
		return nil, err
	}

	log.Info().Int("days_back", p.days()).Msg("handlers: running full sync")
	res, err := h.sync.SyncAll(ctx, p.days())
	return res.Map(), err
}
