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

package readers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/aaronlmathis/stocketl/core"
)

// Source column names, in the order a headerless or unrecognised header is
// mapped positionally.
const (
	ColTradeDate          = "tradeDate"
	ColOpenPrice          = "openPrice"
	ColHighPrice          = "highPrice"
	ColLowPrice           = "lowPrice"
	ColClosePrice         = "closePrice"
	ColAdjustedClosePrice = "adjustedClosePrice"
	ColVolume             = "volume"
	ColDividendAmount     = "dividendAmount"
	ColSplitCoefficient   = "splitCoefficient"
)

// Columns lists the source columns in their declared order.
var Columns = []string{
	ColTradeDate,
	ColOpenPrice,
	ColHighPrice,
	ColLowPrice,
	ColClosePrice,
	ColAdjustedClosePrice,
	ColVolume,
	ColDividendAmount,
	ColSplitCoefficient,
}

// columnAliases maps normalised header spellings onto column names. Vendor
// exports use snake_case and "timestamp" for the trade date.
var columnAliases = map[string]string{
	"tradedate":            ColTradeDate,
	"trade_date":           ColTradeDate,
	"timestamp":            ColTradeDate,
	"date":                 ColTradeDate,
	"openprice":            ColOpenPrice,
	"open_price":           ColOpenPrice,
	"open":                 ColOpenPrice,
	"highprice":            ColHighPrice,
	"high_price":           ColHighPrice,
	"high":                 ColHighPrice,
	"lowprice":             ColLowPrice,
	"low_price":            ColLowPrice,
	"low":                  ColLowPrice,
	"closeprice":           ColClosePrice,
	"close_price":          ColClosePrice,
	"close":                ColClosePrice,
	"adjustedcloseprice":   ColAdjustedClosePrice,
	"adjusted_close":       ColAdjustedClosePrice,
	"adjusted_close_price": ColAdjustedClosePrice,
	"volume":               ColVolume,
	"dividendamount":       ColDividendAmount,
	"dividend_amount":      ColDividendAmount,
	"splitcoefficient":     ColSplitCoefficient,
	"split_coefficient":    ColSplitCoefficient,
}

// CSVReaderOptions configures the CSV reader.
type CSVReaderOptions struct {
	Comma            rune
	TrimLeadingSpace bool
	LazyQuotes       bool
}

// ReaderOptionCSV allows functional customization of StockCSVReader.
type ReaderOptionCSV func(*CSVReaderOptions)

func WithCSVComma(r rune) ReaderOptionCSV {
	return func(o *CSVReaderOptions) { o.Comma = r }
}

func WithCSVTrimSpace(trim bool) ReaderOptionCSV {
	return func(o *CSVReaderOptions) { o.TrimLeadingSpace = trim }
}

func WithCSVLazyQuotes(lazy bool) ReaderOptionCSV {
	return func(o *CSVReaderOptions) { o.LazyQuotes = lazy }
}

// CSVReaderStats holds statistics about one file.
type CSVReaderStats struct {
	RecordsRead     int64
	NullValueCounts map[string]int64
}

// StockCSVReader parses one daily-adjusted CSV file into StockRecords. The
// symbol comes from the file handle, not the file content.
type StockCSVReader struct {
	reader  *csv.Reader
	closer  io.Closer
	file    core.FileHandle
	index   map[string]int // column name -> field position
	width   int
	stats   CSVReaderStats
	drained bool
	failed  error // sticky body failure
}

// NewStockCSVReader reads the header row and prepares positional mapping.
// A completely empty file yields a reader that is immediately exhausted.
func NewStockCSVReader(r io.ReadCloser, file core.FileHandle, options ...ReaderOptionCSV) (*StockCSVReader, error) {
	opts := CSVReaderOptions{
		Comma:            ',',
		TrimLeadingSpace: true,
	}
	for _, opt := range options {
		opt(&opts)
	}

	csvReader := csv.NewReader(r)
	csvReader.Comma = opts.Comma
	csvReader.LazyQuotes = opts.LazyQuotes
	csvReader.TrimLeadingSpace = opts.TrimLeadingSpace
	csvReader.ReuseRecord = true

	reader := &StockCSVReader{
		reader: csvReader,
		closer: r,
		file:   file,
		stats:  CSVReaderStats{NullValueCounts: make(map[string]int64)},
	}

	header, err := csvReader.Read()
	if err == io.EOF {
		reader.drained = true
		return reader, nil
	}
	if err != nil {
		var csvErr *csv.ParseError
		if !errors.As(err, &csvErr) {
			return nil, &core.StorageUnavailableError{Op: "get_object", Key: file.Key, Err: errors.Wrap(err, "reading header")}
		}
		return nil, &core.ParseError{File: file.Key, Line: 1, Err: errors.Wrap(err, "reading header")}
	}

	index, err := mapHeader(header)
	if err != nil {
		return nil, &core.ParseError{File: file.Key, Line: 1, Err: err}
	}
	reader.index = index
	reader.width = len(header)

	return reader, nil
}

// mapHeader resolves every required column from the header. A header of the
// expected width whose names are not recognised is mapped positionally.
func mapHeader(header []string) (map[string]int, error) {
	index := make(map[string]int, len(Columns))
	for i, name := range header {
		normalised := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if col, ok := columnAliases[normalised]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}

	var missing []string
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) == 0 {
		return index, nil
	}
	if len(index) == 0 && len(header) == len(Columns) {
		for i, col := range Columns {
			index[col] = i
		}
		return index, nil
	}
	return nil, errors.Errorf("header is missing columns %s", strings.Join(missing, ", "))
}

// Read returns the next record, io.EOF at the end of the file, or a
// *core.ParseError for a malformed row. After a ParseError the reader is
// positioned on the following row. A failure reading the body itself is a
// *core.StorageUnavailableError, which every later Read returns again.
func (c *StockCSVReader) Read(ctx context.Context) (core.StockRecord, error) {
	if c.failed != nil {
		return core.StockRecord{}, c.failed
	}
	if c.drained {
		return core.StockRecord{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return core.StockRecord{}, err
	}

	fields, err := c.reader.Read()
	if err == io.EOF {
		c.drained = true
		return core.StockRecord{}, io.EOF
	}
	if err != nil {
		var csvErr *csv.ParseError
		if !errors.As(err, &csvErr) {
			// The body failed, not the row; the rest of the file is unreadable.
			c.failed = &core.StorageUnavailableError{Op: "get_object", Key: c.file.Key, Err: err}
			return core.StockRecord{}, c.failed
		}
		return core.StockRecord{}, &core.ParseError{File: c.file.Key, Line: csvErr.StartLine, Err: err}
	}
	line, _ := c.reader.FieldPos(0)
	if len(fields) != c.width {
		return core.StockRecord{}, &core.ParseError{
			File: c.file.Key,
			Line: line,
			Err:  errors.Errorf("expected %d fields, got %d", c.width, len(fields)),
		}
	}

	rec, err := c.parse(fields, line)
	if err != nil {
		return core.StockRecord{}, err
	}
	c.stats.RecordsRead++
	return rec, nil
}

func (c *StockCSVReader) parse(fields []string, line int) (core.StockRecord, error) {
	rec := core.StockRecord{Symbol: c.file.Symbol}

	if v := c.field(fields, ColTradeDate); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return rec, c.parseErr(line, ColTradeDate, err)
		}
		rec.TradeDate = d
	}

	decimals := []struct {
		col string
		dst *decimal.NullDecimal
	}{
		{ColOpenPrice, &rec.OpenPrice},
		{ColHighPrice, &rec.HighPrice},
		{ColLowPrice, &rec.LowPrice},
		{ColClosePrice, &rec.ClosePrice},
		{ColAdjustedClosePrice, &rec.AdjustedClosePrice},
		{ColDividendAmount, &rec.DividendAmount},
		{ColSplitCoefficient, &rec.SplitCoefficient},
	}
	for _, d := range decimals {
		v := c.field(fields, d.col)
		if v == "" {
			continue
		}
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return rec, c.parseErr(line, d.col, err)
		}
		*d.dst = decimal.NewNullDecimal(parsed)
	}

	v := c.field(fields, ColVolume)
	volume, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return rec, c.parseErr(line, ColVolume, err)
	}
	rec.Volume = volume

	return rec, nil
}

// field returns the trimmed value of a column, counting empty cells.
func (c *StockCSVReader) field(fields []string, col string) string {
	v := strings.TrimSpace(fields[c.index[col]])
	if v == "" {
		c.stats.NullValueCounts[col]++
	}
	return v
}

func (c *StockCSVReader) parseErr(line int, col string, err error) error {
	return &core.ParseError{File: c.file.Key, Line: line, Column: col, Err: err}
}

// Close releases the underlying object body.
func (c *StockCSVReader) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Stats returns CSV reader statistics.
func (c *StockCSVReader) Stats() CSVReaderStats {
	return c.stats
}

// String identifies the reader in logs.
func (c *StockCSVReader) String() string {
	return fmt.Sprintf("csv(%s)", c.file.Key)
}
