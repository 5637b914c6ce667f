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
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	base := fmt.Errorf("boom")

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "storage listing",
			err:      &StorageUnavailableError{Op: "list_objects", Bucket: "b", Err: base},
			expected: "storage unavailable: list_objects s3://b: boom",
		},
		{
			name:     "storage object",
			err:      &StorageUnavailableError{Op: "get_object", Bucket: "b", Key: "k.csv", Err: base},
			expected: "storage unavailable: get_object s3://b/k.csv: boom",
		},
		{
			name:     "parse column",
			err:      &ParseError{File: "k.csv", Line: 3, Column: "volume", Err: base},
			expected: "parse error in k.csv line 3 column volume: boom",
		},
		{
			name:     "parse row",
			err:      &ParseError{File: "k.csv", Line: 3, Err: base},
			expected: "parse error in k.csv line 3: boom",
		},
		{
			name: "rejection",
			err: &ValidationRejection{
				Reason: RejectInvalidVolume,
				Record: StockRecord{Symbol: "ABC", TradeDate: NewDate(2024, time.May, 1)},
			},
			expected: "record ABC_2024-05-01 rejected: invalid_volume",
		},
		{
			name:     "index",
			err:      &IndexWriteError{Op: "bulk", Index: "stocks", Err: base},
			expected: "index writer bulk [stocks]: boom",
		},
		{
			name:     "warehouse",
			err:      &WarehouseWriteError{Op: "insert", Table: "stock_data", Err: base},
			expected: "warehouse writer insert [stock_data]: boom",
		},
		{
			name:     "sink",
			err:      &SinkWriteError{Sink: "mongo", Op: "bulk_write", Err: base},
			expected: "mongo writer bulk_write: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	wrapped := errors.Wrap(&ParseError{File: "f", Line: 2, Err: io.ErrUnexpectedEOF}, "reading chunk")

	var perr *ParseError
	assert.True(t, errors.As(wrapped, &perr))
	assert.Equal(t, 2, perr.Line)
	assert.True(t, errors.Is(wrapped, io.ErrUnexpectedEOF))

	var serr *StorageUnavailableError
	assert.False(t, errors.As(wrapped, &serr))
}

func TestErrorStrategy_String(t *testing.T) {
	assert.Equal(t, "fail", FailFast.String())
	assert.Equal(t, "skip", SkipErrors.String())
	assert.Equal(t, "ErrorStrategy(7)", ErrorStrategy(7).String())
}
