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

package query

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyQuery is returned for blank SQL.
	ErrEmptyQuery = errors.New("SQL query cannot be empty")
	// ErrUnsafeQuery is returned for SQL that could modify data.
	ErrUnsafeQuery = errors.New("Unsafe SQL query detected!")
)

// unsafeFragments are matched case-insensitively anywhere in the statement.
var unsafeFragments = []string{"drop ", "delete ", "insert "}

// Guard rejects empty statements and statements containing a data-modifying
// keyword. The check is lexical; it is a guard rail, not a SQL parser.
func Guard(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return ErrEmptyQuery
	}
	lower := strings.ToLower(sql)
	for _, fragment := range unsafeFragments {
		if strings.Contains(lower, fragment) {
			return ErrUnsafeQuery
		}
	}
	return nil
}
