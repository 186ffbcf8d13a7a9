// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"context"
	"math/rand/v2"
	"time"
)

// Jitter spreads d by up to ±fraction of itself. A fraction outside (0, 1]
// is clamped; zero returns d unchanged.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	fraction = min(fraction, 1)
	spread := float64(d) * fraction
	return d + time.Duration(spread*(2*rand.Float64()-1))
}

// DoubleBackoff returns current*2 clamped to [floor, ceiling].
func DoubleBackoff(current, floor, ceiling time.Duration) time.Duration {
	next := current * 2
	if next < floor {
		next = floor
	}
	if ceiling > 0 && next > ceiling {
		next = ceiling
	}
	return next
}

// BackoffMultiplier returns min(2^failures, limit), or 1 with no failures.
func BackoffMultiplier(failures, limit int) int {
	if failures <= 0 {
		return 1
	}
	m := 1
	for i := 0; i < failures && m < limit; i++ {
		m *= 2
	}
	if m > limit {
		m = limit
	}
	return m
}

// SleepContext waits for d or until ctx is done, returning ctx.Err() in
// the latter case.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
