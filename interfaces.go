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

// Package stocketl loads daily stock price files from object storage into
// search and warehouse destinations.
//
// A Pipeline pulls StockRecords from a RecordSource, drops the ones the
// Validator rejects, and hands each chunk of survivors to every Sink in turn.
// A chunk is the unit of commit: once Write returns for every sink, the chunk
// is durable in all of them.
//
//	pipeline, err := stocketl.NewPipeline().
//		From(reader).
//		To(indexWriter, warehouseWriter).
//		WithChunkSize(100).
//		Build()
//	if err != nil { log.Fatal(err) }
//	stats, err := pipeline.Execute(ctx)
package stocketl

import (
	"context"

	"github.com/aaronlmathis/stocketl/core"
)

// RecordSource, Validator and Sink are the pipeline's stage interfaces.
type (
	RecordSource = core.RecordSource
	Validator    = core.Validator
	Sink         = core.Sink
)

// ErrorStrategy decides whether malformed rows stop the run.
type ErrorStrategy = core.ErrorStrategy

const (
	FailFast   = core.FailFast
	SkipErrors = core.SkipErrors
)

// RejectHandler observes records that are dropped before reaching a sink:
// validation rejections and, when skipping errors, malformed rows.
type RejectHandler interface {
	// HandleReject receives the *core.ValidationRejection or *core.ParseError.
	// Returning a non-nil error stops the run.
	HandleReject(ctx context.Context, reason core.RejectionReason, err error) error
}

// RejectHandlerFunc is a function adapter for the RejectHandler interface.
type RejectHandlerFunc func(ctx context.Context, reason core.RejectionReason, err error) error

// HandleReject implements the RejectHandler interface for RejectHandlerFunc.
func (f RejectHandlerFunc) HandleReject(ctx context.Context, reason core.RejectionReason, err error) error {
	return f(ctx, reason, err)
}

// bulkLimiter is implemented by sinks that split a chunk into sub-requests.
type bulkLimiter interface {
	LimitBulkSize(n int)
}

// fileCounter is implemented by sources that span several files.
type fileCounter interface {
	FilesRead() int64
}

// rejectCounter is implemented by validators that count rejections made
// outside Validate.
type rejectCounter interface {
	Reject(reason core.RejectionReason)
}
