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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard(t *testing.T) {
	tests := []struct {
		sql  string
		want error
	}{
		{"SELECT * FROM stock_data WHERE stock_symbol = 'ABC'", nil},
		{"select count(*) from stock_data", nil},
		{"", ErrEmptyQuery},
		{"   \n\t", ErrEmptyQuery},
		{"DROP TABLE stock_data", ErrUnsafeQuery},
		{"delete from stock_data", ErrUnsafeQuery},
		{"SELECT 1; Insert into stock_data values (1)", ErrUnsafeQuery},
		// Only the keyword followed by a space is refused.
		{"SELECT dropped_count FROM audit", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Guard(tt.sql), tt.sql)
	}
}
