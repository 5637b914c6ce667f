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

package writers

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/aaronlmathis/stocketl/core"
)

// JSONWriter implements core.Sink as line-delimited JSON, one search
// document per line. With os.Stdout it serves as a dry-run sink.
type JSONWriter struct {
	writer  io.Writer
	closer  io.Closer
	encoder *json.Encoder
	written int64
	mu      sync.Mutex
}

// NewJSONWriter creates a new JSON writer for line-delimited JSON output.
func NewJSONWriter(w io.WriteCloser) *JSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONWriter{
		writer:  w,
		closer:  w,
		encoder: enc,
	}
}

// Name implements core.Sink.
func (j *JSONWriter) Name() string {
	return "json"
}

// Write encodes every record of the chunk, then flushes buffered writers.
func (j *JSONWriter) Write(_ context.Context, chunk core.Chunk) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, rec := range chunk {
		if err := j.encoder.Encode(rec); err != nil {
			return &core.SinkWriteError{Sink: "json", Op: "encode", Err: err}
		}
		j.written++
	}
	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return &core.SinkWriteError{Sink: "json", Op: "flush", Err: err}
		}
	}
	return nil
}

// Written returns the number of records encoded.
func (j *JSONWriter) Written() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

// Close implements core.Sink.
func (j *JSONWriter) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
