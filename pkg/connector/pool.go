// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers bounds concurrent connector calls. Sage sessions are not
	// thread-safe, so the default is 1.
	Workers int
	// CallsPerSecond throttles calls. Zero means unlimited.
	CallsPerSecond float64
}

// Pool runs blocking connector calls off the caller's goroutine. Calls are
// bounded by a semaphore and optionally rate limited.
type Pool struct {
	conn    Connector
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewPool creates a pool around conn.
func NewPool(conn Connector, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pool{
		conn: conn,
		sem:  semaphore.NewWeighted(int64(cfg.Workers)),
	}
	if cfg.CallsPerSecond > 0 {
		burst := int(cfg.CallsPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}
	return p
}

// Connector returns the wrapped connector.
func (p *Pool) Connector() Connector {
	return p.conn
}

// Do runs fn on a pool goroutine and waits for it or for ctx. When ctx ends
// first, fn keeps its slot until it returns.
func (p *Pool) Do(ctx context.Context, fn func(Connector) error) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- &Error{Op: "call", Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- fn(p.conn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, p *Pool, fn func(Connector) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(c Connector) error {
		v, err := fn(c)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
