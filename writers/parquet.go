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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/decimal128"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/aaronlmathis/stocketl/core"
)

// This file implements a local Parquet archive of validated records. Every
// chunk becomes one Arrow record batch in the file.

const (
	priceScale     = 4
	pricePrecision = 10
)

var priceType = &arrow.Decimal128Type{Precision: pricePrecision, Scale: priceScale}

// StockSchema is the Arrow schema of the archive.
var StockSchema = arrow.NewSchema([]arrow.Field{
	{Name: "stock_symbol", Type: arrow.BinaryTypes.String},
	{Name: "trade_date", Type: arrow.FixedWidthTypes.Date32},
	{Name: "open_price", Type: priceType, Nullable: true},
	{Name: "high_price", Type: priceType, Nullable: true},
	{Name: "low_price", Type: priceType, Nullable: true},
	{Name: "close_price", Type: priceType, Nullable: true},
	{Name: "adjusted_close_price", Type: priceType, Nullable: true},
	{Name: "volume", Type: arrow.PrimitiveTypes.Int64},
	{Name: "dividend_amount", Type: priceType, Nullable: true},
	{Name: "split_coefficient", Type: priceType, Nullable: true},
}, nil)

// ParquetWriterStats holds archive statistics.
type ParquetWriterStats struct {
	RecordsWritten int64
	BatchesWritten int64
	NullValueCount int64
	FlushDuration  time.Duration
	LastFlushTime  time.Time
}

// ParquetWriterOptions configures the archive writer.
type ParquetWriterOptions struct {
	Compression  compress.Compression
	RowGroupSize int64
	Metadata     map[string]string
}

// ParquetWriterOption represents a configuration function for ParquetWriterOptions.
type ParquetWriterOption func(*ParquetWriterOptions)

func WithCompression(compression compress.Compression) ParquetWriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.Compression = compression
	}
}

// WithRowGroupSize caps the rows per row group.
func WithRowGroupSize(size int64) ParquetWriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.RowGroupSize = size
	}
}

// WithMetadata sets key/value metadata stored in the file schema.
func WithMetadata(metadata map[string]string) ParquetWriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.Metadata = metadata
	}
}

// ParquetWriter implements core.Sink over a Parquet file.
type ParquetWriter struct {
	path      string
	file      *os.File
	writer    *pqarrow.FileWriter
	allocator memory.Allocator
	stats     ParquetWriterStats
	closed    bool
	mu        sync.Mutex
}

// NewParquetWriter creates the archive file, including parent directories.
func NewParquetWriter(filename string, options ...ParquetWriterOption) (*ParquetWriter, error) {
	opts := &ParquetWriterOptions{Compression: compress.Codecs.Snappy}
	for _, option := range options {
		option(opts)
	}

	dir := filepath.Dir(filename)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &core.SinkWriteError{Sink: "parquet", Op: "create_directory", Err: err}
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, &core.SinkWriteError{Sink: "parquet", Op: "open_file", Err: err}
	}

	propOpts := []parquet.WriterProperty{parquet.WithCompression(opts.Compression)}
	if opts.RowGroupSize > 0 {
		propOpts = append(propOpts, parquet.WithMaxRowGroupLength(opts.RowGroupSize))
	}

	schema := StockSchema
	if len(opts.Metadata) > 0 {
		md := arrow.MetadataFrom(opts.Metadata)
		schema = arrow.NewSchema(StockSchema.Fields(), &md)
	}

	allocator := memory.NewGoAllocator()
	writer, err := pqarrow.NewFileWriter(
		schema,
		file,
		parquet.NewWriterProperties(propOpts...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(allocator), pqarrow.WithStoreSchema()),
	)
	if err != nil {
		_ = file.Close()
		return nil, &core.SinkWriteError{Sink: "parquet", Op: "create_writer", Err: err}
	}

	return &ParquetWriter{
		path:      filename,
		file:      file,
		writer:    writer,
		allocator: allocator,
	}, nil
}

// Name implements core.Sink.
func (p *ParquetWriter) Name() string {
	return "parquet"
}

// Write appends the chunk as one record batch.
func (p *ParquetWriter) Write(_ context.Context, chunk core.Chunk) error {
	if len(chunk) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &core.SinkWriteError{Sink: "parquet", Op: "write", Err: errors.New("writer is closed")}
	}

	start := time.Now()
	record, nulls, err := p.buildRecord(chunk)
	if err != nil {
		return &core.SinkWriteError{Sink: "parquet", Op: "write", Err: err}
	}
	defer record.Release()

	if err := p.writer.Write(record); err != nil {
		return &core.SinkWriteError{Sink: "parquet", Op: "write_batch", Err: err}
	}

	p.stats.RecordsWritten += int64(len(chunk))
	p.stats.BatchesWritten++
	p.stats.NullValueCount += nulls
	p.stats.FlushDuration += time.Since(start)
	p.stats.LastFlushTime = time.Now()
	return nil
}

// buildRecord converts the chunk to one record batch and counts the null
// prices in it. Nothing is returned when any price does not fit the schema.
func (p *ParquetWriter) buildRecord(chunk core.Chunk) (arrow.Record, int64, error) {
	b := array.NewRecordBuilder(p.allocator, StockSchema)
	defer b.Release()

	symbols := b.Field(0).(*array.StringBuilder)
	dates := b.Field(1).(*array.Date32Builder)
	volumes := b.Field(7).(*array.Int64Builder)

	var nulls int64
	for _, rec := range chunk {
		symbols.Append(rec.Symbol)
		dates.Append(arrow.Date32FromTime(rec.TradeDate.Time()))
		volumes.Append(rec.Volume)

		prices := []struct {
			field int
			value decimal.NullDecimal
		}{
			{2, rec.OpenPrice},
			{3, rec.HighPrice},
			{4, rec.LowPrice},
			{5, rec.ClosePrice},
			{6, rec.AdjustedClosePrice},
			{8, rec.DividendAmount},
			{9, rec.SplitCoefficient},
		}
		for _, price := range prices {
			col := b.Field(price.field).(*array.Decimal128Builder)
			if !price.value.Valid {
				col.AppendNull()
				nulls++
				continue
			}
			v, err := toDecimal128(price.value.Decimal)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "%s %s", rec.Key(), StockSchema.Field(price.field).Name)
			}
			col.Append(v)
		}
	}
	return b.NewRecord(), nulls, nil
}

// maxPrice is the smallest magnitude DECIMAL(10,4) cannot hold.
var maxPrice = decimal.New(1, pricePrecision-priceScale)

// toDecimal128 converts to the archive's fixed scale, rounding half away
// from zero. Values that overflow the column precision are an error.
func toDecimal128(d decimal.Decimal) (decimal128.Num, error) {
	rounded := d.Round(priceScale)
	if rounded.Abs().GreaterThanOrEqual(maxPrice) {
		return decimal128.Num{}, errors.Errorf("%s does not fit DECIMAL(%d,%d)", d, pricePrecision, priceScale)
	}
	return decimal128.FromBigInt(rounded.Shift(priceScale).BigInt()), nil
}

// Stats returns archive statistics.
func (p *ParquetWriter) Stats() ParquetWriterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Path returns the archive file name.
func (p *ParquetWriter) Path() string {
	return p.path
}

// Close writes the footer and closes the file. Calling it twice is safe.
func (p *ParquetWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// FileWriter.Close also closes the underlying file.
	if err := p.writer.Close(); err != nil {
		return &core.SinkWriteError{Sink: "parquet", Op: "close_writer", Err: err}
	}
	return nil
}
