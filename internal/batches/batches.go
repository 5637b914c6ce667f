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

// Package batches contains support code for splitting a chunk into the
// smaller request groups that a destination accepts in one call.
package batches

// Batch invokes fn over consecutive half-open ranges [begin, end) of at
// most size elements, covering [0, count). It stops at the first error.
// Nothing is invoked when count is zero.
func Batch(count, size int, fn func(begin, end int) error) error {
	if size <= 0 {
		size = count
	}
	for begin := 0; begin < count; begin += size {
		end := begin + size
		if end > count {
			end = count
		}
		if err := fn(begin, end); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of ranges Batch will produce.
func Count(count, size int) int {
	if count <= 0 {
		return 0
	}
	if size <= 0 {
		return 1
	}
	return (count + size - 1) / size
}
