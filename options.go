// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package fleece

import (
	"log/slog"
	"os"
)

const (
	// DefaultPageSize is the trailer alignment unit used when none is
	// specified. It is also the backward-scan step during recovery.
	DefaultPageSize = 4096

	// DefaultMaxSize bounds the address space reserved for the mapping.
	DefaultMaxSize = 1 << 30
)

// Option configures a DB at open time.
type Option func(*options)

type options struct {
	pageSize uint64
	maxSize  uint64
	logger   *slog.Logger
}

func defaultOptions() options {
	return options{
		pageSize: DefaultPageSize,
		maxSize:  DefaultMaxSize,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

// WithPageSize sets the snapshot alignment unit. Must be positive;
// smaller pages waste less padding per commit but give recovery a
// finer (slower) backward scan.
func WithPageSize(n uint64) Option {
	return func(o *options) { o.pageSize = n }
}

// WithMaxSize sets the maximum mapping size. The file can never grow
// beyond it while open.
func WithMaxSize(n uint64) Option {
	return func(o *options) { o.maxSize = n }
}

// WithLogger routes recovery and durability warnings to logger
// instead of stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
