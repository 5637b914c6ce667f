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
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aaronlmathis/stocketl/core"
)

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func testRecord(symbol string, day int) core.StockRecord {
	return core.StockRecord{
		Symbol:             symbol,
		TradeDate:          core.NewDate(2024, time.January, day),
		OpenPrice:          price("10.5"),
		HighPrice:          price("11.25"),
		LowPrice:           price("10"),
		ClosePrice:         price("10.75"),
		AdjustedClosePrice: price("10.7"),
		Volume:             int64(1000 * day),
		DividendAmount:     price("0"),
		SplitCoefficient:   price("1"),
	}
}

func testChunk(n int) core.Chunk {
	chunk := make(core.Chunk, n)
	for i := range chunk {
		chunk[i] = testRecord(fmt.Sprintf("S%d", i/28), i%28+1)
	}
	return chunk
}
