//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of StockETL.
//
// StockETL is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// StockETL is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with StockETL. If not, see https://www.gnu.org/licenses/.
//

package core

import (
	"context"
)

// Package core defines the core interfaces for the StockETL library.
//
// This file contains the primary interfaces for record sources, validation
// and sinks.

// RecordSource defines the interface for record extraction.
// Implementations stream StockRecords from one or more files.
type RecordSource interface {
	// Read returns the next record or io.EOF when no more records are available.
	// Once io.EOF has been returned every later call returns io.EOF.
	Read(ctx context.Context) (StockRecord, error)
	// Close releases any resources held by the source.
	Close() error
}

// Validator decides whether a record may be delivered to the sinks.
type Validator interface {
	// Validate returns the record unchanged, or a *ValidationRejection.
	Validate(record StockRecord) (StockRecord, error)
}

// Sink defines the interface for chunk loading.
// Implementations durably write a chunk to one destination (e.g. a search
// index, a warehouse table, a Parquet archive).
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Write persists every record of the chunk, or returns a typed error.
	// A failed Write leaves the chunk uncommitted in this destination.
	Write(ctx context.Context, chunk Chunk) error
	// Close releases any resources held by the sink.
	Close() error
}
