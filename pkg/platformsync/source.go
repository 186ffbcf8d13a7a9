// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package platformsync imports marketplace orders (Amazon, Shopify, eBay)
// into Sage 50. Orders come from an OrderSource and are created through the
// connector pool in a single batch per platform.
package platformsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
)

// Supported platforms, in the order SyncAll visits them.
const (
	PlatformAmazon  = "amazon"
	PlatformShopify = "shopify"
	PlatformEbay    = "ebay"
)

// Platforms lists every supported marketplace.
var Platforms = []string{PlatformAmazon, PlatformShopify, PlatformEbay}

var ErrUnknownPlatform = errors.New("unknown platform")

// ParsePlatform normalises a platform name.
func ParsePlatform(s string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(s))
	if !slices.Contains(Platforms, p) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
	return p, nil
}

// Fetched is one batch of orders read from a source.
type Fetched struct {
	Orders []connector.SalesOrder
	// Files the orders were read from.
	Files []string
	// Rejected files that could not be parsed, with the reason.
	Rejected map[string]string
}

// OrderSource supplies marketplace orders.
type OrderSource interface {
	// FetchOrders returns the orders placed on platform since the given
	// time. An empty batch is not an error.
	FetchOrders(ctx context.Context, platform string, since time.Time) (*Fetched, error)
	// Ack tells the source a fetched batch was handed to Sage, so it is
	// not returned again.
	Ack(ctx context.Context, platform string, f *Fetched) error
}

// Compile-time interface verification
var _ OrderSource = (*DirSource)(nil)

// DirSource reads order exports dropped into <root>/<platform>/*.json.
// A file holds either a JSON array of orders or an object with an "orders"
// array. Acknowledged files move to <root>/<platform>/processed and
// unparseable ones to <root>/<platform>/failed.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

func (d *DirSource) FetchOrders(ctx context.Context, platform string, since time.Time) (*Fetched, error) {
	dir := filepath.Join(d.root, platform)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return &Fetched{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read import dir: %w", err)
	}

	out := &Fetched{Rejected: make(map[string]string)}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			out.Rejected[path] = err.Error()
			continue
		}
		orders, err := decodeOrders(data)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("platformsync: skipping unreadable order file")
			out.Rejected[path] = err.Error()
			continue
		}

		kept := 0
		for _, o := range orders {
			if !since.IsZero() && !o.OrderDate.IsZero() && o.OrderDate.Before(since) {
				continue
			}
			if o.Platform == "" {
				o.Platform = platform
			}
			out.Orders = append(out.Orders, o)
			kept++
		}
		out.Files = append(out.Files, path)

		logger.Debug().
			Str("file", path).
			Str("size", humanize.Bytes(uint64(len(data)))).
			Int("orders", kept).
			Msg("platformsync: read order file")
	}
	return out, nil
}

func (d *DirSource) Ack(ctx context.Context, platform string, f *Fetched) error {
	if f == nil {
		return nil
	}
	dir := filepath.Join(d.root, platform)

	var errs []error
	for _, path := range f.Files {
		if err := moveInto(path, filepath.Join(dir, "processed")); err != nil {
			errs = append(errs, err)
		}
	}
	for path := range f.Rejected {
		if err := moveInto(path, filepath.Join(dir, "failed")); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func decodeOrders(data []byte) ([]connector.SalesOrder, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var orders []connector.SalesOrder
		if err := json.Unmarshal(trimmed, &orders); err != nil {
			return nil, err
		}
		return orders, nil
	}
	var doc struct {
		Orders []connector.SalesOrder `json:"orders"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.Orders, nil
}

// moveInto moves path into dir, adding a timestamp when the name is taken.
func moveInto(path, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = fmt.Sprintf("%s_%s%s", strings.TrimSuffix(dest, ext), time.Now().UTC().Format("20060102_150405.000000000"), ext)
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(path), err)
	}
	return nil
}
