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
	"fmt"
)

// Package core defines the error handling types for the StockETL library.
//
// This file contains the error taxonomy of a run and the strategy used for
// malformed source rows.

// ErrorStrategy defines how to handle parse errors in the pipeline.
type ErrorStrategy int

const (
	// FailFast stops the run on the first malformed row.
	FailFast ErrorStrategy = iota
	// SkipErrors drops malformed rows, counting them as rejections.
	SkipErrors
)

// String returns the flag spelling of the strategy.
func (s ErrorStrategy) String() string {
	switch s {
	case FailFast:
		return "fail"
	case SkipErrors:
		return "skip"
	default:
		return fmt.Sprintf("ErrorStrategy(%d)", int(s))
	}
}

// RejectionReason names the first check a record failed.
type RejectionReason string

const (
	RejectInvalidSymbol    RejectionReason = "invalid_symbol"
	RejectMissingTradeDate RejectionReason = "missing_trade_date"
	RejectInvalidVolume    RejectionReason = "invalid_volume"
	// RejectParseError is only used when the run skips malformed rows.
	RejectParseError RejectionReason = "parse_error"
)

// StorageUnavailableError reports that the object store could not be listed
// or read. It is fatal to the run.
type StorageUnavailableError struct {
	Op     string // "list_objects" or "get_object"
	Bucket string
	Key    string // empty for listings
	Err    error
}

func (e *StorageUnavailableError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage unavailable: %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("storage unavailable: %s s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// ParseError reports a malformed row, tagged with the file and line.
type ParseError struct {
	File   string
	Line   int
	Column string // empty when the row itself is malformed
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("parse error in %s line %d column %s: %v", e.File, e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("parse error in %s line %d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationRejection reports a record dropped by the validator. It is
// expected and never aborts a run.
type ValidationRejection struct {
	Reason RejectionReason
	Record StockRecord
}

func (e *ValidationRejection) Error() string {
	return fmt.Sprintf("record %s rejected: %s", e.Record.Key(), e.Reason)
}

// IndexWriteError reports a transport or server failure of a bulk request.
type IndexWriteError struct {
	Op    string
	Index string
	Err   error
}

func (e *IndexWriteError) Error() string {
	return fmt.Sprintf("index writer %s [%s]: %v", e.Op, e.Index, e.Err)
}

func (e *IndexWriteError) Unwrap() error {
	return e.Err
}

// WarehouseWriteError reports a failed statement or transaction against the
// warehouse. The chunk's transaction has been rolled back.
type WarehouseWriteError struct {
	Op    string
	Table string
	Err   error
}

func (e *WarehouseWriteError) Error() string {
	return fmt.Sprintf("warehouse writer %s [%s]: %v", e.Op, e.Table, e.Err)
}

func (e *WarehouseWriteError) Unwrap() error {
	return e.Err
}

// SinkWriteError reports a failure of any other sink.
type SinkWriteError struct {
	Sink string
	Op   string
	Err  error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("%s writer %s: %v", e.Sink, e.Op, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}
