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

// validators.go - Per-record quality checks applied before records reach a sink
package validators

import (
	"regexp"
	"strings"
	"sync"

	"github.com/aaronlmathis/stocketl/core"
)

// Rule is an additional record check. It returns false to reject the record
// with the rule's Reason.
type Rule struct {
	Reason core.RejectionReason
	Check  func(core.StockRecord) bool
}

// StockValidatorOptions configures the StockValidator.
type StockValidatorOptions struct {
	SymbolPattern *regexp.Regexp // Optional stricter symbol format
	NormaliseCase bool           // Upper-case and trim symbols before checking
	Rules         []Rule         // Checks run after the built-in ones
}

// StockValidatorOption allows functional customization of the validator.
type StockValidatorOption func(*StockValidatorOptions)

// WithSymbolPattern rejects symbols that do not match pattern as
// core.RejectInvalidSymbol.
func WithSymbolPattern(pattern *regexp.Regexp) StockValidatorOption {
	return func(o *StockValidatorOptions) {
		o.SymbolPattern = pattern
	}
}

func WithNormaliseCase(normalise bool) StockValidatorOption {
	return func(o *StockValidatorOptions) {
		o.NormaliseCase = normalise
	}
}

func WithRule(reason core.RejectionReason, check func(core.StockRecord) bool) StockValidatorOption {
	return func(o *StockValidatorOptions) {
		o.Rules = append(o.Rules, Rule{Reason: reason, Check: check})
	}
}

// StockValidator rejects records that no sink should see. Checks run in a
// fixed order and the first failure decides the reason:
//
//  1. symbol present
//  2. trade date present
//  3. volume not negative
//
// Rejections are counted on the validator, which belongs to one run.
type StockValidator struct {
	opts StockValidatorOptions

	mu       sync.Mutex
	rejected int64
	byReason map[core.RejectionReason]int64
}

// NewStockValidator creates a validator with the built-in checks.
func NewStockValidator(options ...StockValidatorOption) *StockValidator {
	var opts StockValidatorOptions
	for _, option := range options {
		option(&opts)
	}
	return &StockValidator{
		opts:     opts,
		byReason: make(map[core.RejectionReason]int64),
	}
}

// Validate returns the record unchanged, or with its symbol normalised when
// configured, or a *core.ValidationRejection.
func (v *StockValidator) Validate(rec core.StockRecord) (core.StockRecord, error) {
	if v.opts.NormaliseCase {
		rec.Symbol = strings.ToUpper(strings.TrimSpace(rec.Symbol))
	}

	if reason, ok := v.check(rec); !ok {
		v.Reject(reason)
		return rec, &core.ValidationRejection{Reason: reason, Record: rec}
	}
	return rec, nil
}

func (v *StockValidator) check(rec core.StockRecord) (core.RejectionReason, bool) {
	if strings.TrimSpace(rec.Symbol) == "" {
		return core.RejectInvalidSymbol, false
	}
	if v.opts.SymbolPattern != nil && !v.opts.SymbolPattern.MatchString(rec.Symbol) {
		return core.RejectInvalidSymbol, false
	}
	if rec.TradeDate.IsZero() {
		return core.RejectMissingTradeDate, false
	}
	if rec.Volume < 0 {
		return core.RejectInvalidVolume, false
	}
	for _, rule := range v.opts.Rules {
		if !rule.Check(rec) {
			return rule.Reason, false
		}
	}
	return "", true
}

// Reject counts a rejection that happened outside Validate, such as a row
// that failed to parse under the skip strategy.
func (v *StockValidator) Reject(reason core.RejectionReason) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejected++
	v.byReason[reason]++
}

// Rejected returns the total number of rejections so far.
func (v *StockValidator) Rejected() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejected
}

// RejectedByReason returns a copy of the per-reason counts.
func (v *StockValidator) RejectedByReason() map[core.RejectionReason]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[core.RejectionReason]int64, len(v.byReason))
	for k, n := range v.byReason {
		out[k] = n
	}
	return out
}
