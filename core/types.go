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
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Package core defines the core types for the StockETL library.
//
// StockETL ingests daily stock-price CSV files from object storage, validates
// every record and fans the survivors out to one or more sinks in fixed-size
// chunks.
//
// This file contains the record, file and chunk types shared by readers,
// validators and writers.

// DateLayout is the wire format of a trade date in source files, search
// documents and SQL parameters.
const DateLayout = "2006-01-02"

// Date is a calendar date without a time-of-day component.
// The zero value represents an absent date.
type Date struct {
	t time.Time
}

// NewDate returns the Date for the given year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a yyyy-MM-dd string.
func ParseDate(value string) (Date, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return Date{}, err
	}
	return Date{t: t}, nil
}

// IsZero reports whether the date is absent.
func (d Date) IsZero() bool {
	return d.t.IsZero()
}

// Time returns the date as midnight UTC.
func (d Date) Time() time.Time {
	return d.t
}

// String formats the date as yyyy-MM-dd, or "" when absent.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// MarshalJSON renders the date as a yyyy-MM-dd string, or null when absent.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a yyyy-MM-dd string or null.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "trade date")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return errors.Wrap(err, "trade date")
	}
	*d = parsed
	return nil
}

// StockRecord is one day of adjusted price data for a single instrument.
// (Symbol, TradeDate) is the natural key; every sink upserts or rejects
// duplicates on it.
type StockRecord struct {
	Symbol             string
	TradeDate          Date
	OpenPrice          decimal.NullDecimal
	HighPrice          decimal.NullDecimal
	LowPrice           decimal.NullDecimal
	ClosePrice         decimal.NullDecimal
	AdjustedClosePrice decimal.NullDecimal
	Volume             int64
	DividendAmount     decimal.NullDecimal
	SplitCoefficient   decimal.NullDecimal
}

// Key returns the destination identifier for the record, e.g. "ABC_2024-01-02".
func (r StockRecord) Key() string {
	return r.Symbol + "_" + r.TradeDate.String()
}

// stockDocument is the JSON shape of a StockRecord. Decimals are emitted as
// JSON numbers so search mappings index them as numeric fields.
type stockDocument struct {
	Symbol             string       `json:"stockSymbol"`
	TradeDate          Date         `json:"tradeDate"`
	OpenPrice          *json.Number `json:"openPrice"`
	HighPrice          *json.Number `json:"highPrice"`
	LowPrice           *json.Number `json:"lowPrice"`
	ClosePrice         *json.Number `json:"closePrice"`
	AdjustedClosePrice *json.Number `json:"adjustedClosePrice"`
	Volume             int64        `json:"volume"`
	DividendAmount     *json.Number `json:"dividendAmount"`
	SplitCoefficient   *json.Number `json:"splitCoefficient"`
}

// MarshalJSON implements json.Marshaler.
func (r StockRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(stockDocument{
		Symbol:             r.Symbol,
		TradeDate:          r.TradeDate,
		OpenPrice:          jsonNumber(r.OpenPrice),
		HighPrice:          jsonNumber(r.HighPrice),
		LowPrice:           jsonNumber(r.LowPrice),
		ClosePrice:         jsonNumber(r.ClosePrice),
		AdjustedClosePrice: jsonNumber(r.AdjustedClosePrice),
		Volume:             r.Volume,
		DividendAmount:     jsonNumber(r.DividendAmount),
		SplitCoefficient:   jsonNumber(r.SplitCoefficient),
	})
}

func jsonNumber(d decimal.NullDecimal) *json.Number {
	if !d.Valid {
		return nil
	}
	n := json.Number(d.Decimal.String())
	return &n
}

// FileHandle identifies one source object and the symbol derived from its name.
type FileHandle struct {
	Key    string
	Symbol string
}

// SymbolFromKey derives the instrument symbol from an object key of the form
// <prefix><filePrefix><SYMBOL><suffix>. It reports false when the key does not
// follow that pattern.
func SymbolFromKey(key, prefix, filePrefix, suffix string) (string, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", false
	}
	name, ok = strings.CutPrefix(name, filePrefix)
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, suffix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return strings.ToUpper(name), true
}

// Chunk is an ordered, bounded batch of validated records. It is the unit of
// work handed to a Sink and the commit boundary of a run.
type Chunk []StockRecord
