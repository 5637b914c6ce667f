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

package stocketl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocketl_chunks_flushed_total",
		Help: "the number of chunks written to every sink",
	})
	recordsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocketl_records_read_total",
		Help: "the number of records parsed from source files",
	})
	recordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocketl_records_rejected_total",
		Help: "the number of records dropped before reaching a sink",
	}, []string{"reason"})
	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocketl_records_written_total",
		Help: "the number of records accepted by a sink",
	}, []string{"sink"})
	sinkWriteDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocketl_sink_write_duration_seconds",
		Help:    "the length of time it took a sink to accept one chunk",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"sink"})
	sinkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocketl_sink_write_errors_total",
		Help: "the number of chunk writes that failed",
	}, []string{"sink"})
)
