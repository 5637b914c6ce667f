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
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/internal/batches"
)

// This file implements the relational warehouse sink. Each chunk is loaded in
// a single transaction, either as parameterized multi-row INSERTs or as a
// COPY FROM STDIN stream.

// warehouseColumns is the column order of every statement the writer issues.
var warehouseColumns = []string{
	"stock_symbol",
	"trade_date",
	"open_price",
	"high_price",
	"low_price",
	"close_price",
	"adjusted_close_price",
	"volume",
	"dividend_amount",
	"split_coefficient",
}

// maxBindParams is the PostgreSQL wire protocol limit on placeholders in one
// statement.
const maxBindParams = 65535

// LoadMode selects how a chunk is sent to the warehouse.
type LoadMode int

const (
	// LoadInsert issues parameterized multi-row INSERT statements.
	LoadInsert LoadMode = iota
	// LoadCopy streams rows with COPY FROM STDIN.
	LoadCopy
)

func (m LoadMode) String() string {
	switch m {
	case LoadInsert:
		return "insert"
	case LoadCopy:
		return "copy"
	default:
		return fmt.Sprintf("LoadMode(%d)", int(m))
	}
}

// ConflictResolution defines how to handle rows whose key already exists.
type ConflictResolution int

const (
	// ConflictError fails the chunk on a duplicate key.
	ConflictError ConflictResolution = iota
	// ConflictIgnore keeps the existing row (ON CONFLICT DO NOTHING).
	ConflictIgnore
	// ConflictUpdate overwrites the existing row (ON CONFLICT DO UPDATE).
	ConflictUpdate
)

func (c ConflictResolution) String() string {
	switch c {
	case ConflictError:
		return "error"
	case ConflictIgnore:
		return "ignore"
	case ConflictUpdate:
		return "update"
	default:
		return fmt.Sprintf("ConflictResolution(%d)", int(c))
	}
}

// WarehouseWriterStats holds warehouse write statistics.
type WarehouseWriterStats struct {
	RecordsWritten   int64         // Rows sent in committed transactions
	RowsAffected     int64         // Rows the server reported as inserted or updated
	ChunksWritten    int64         // Chunks committed
	StatementsIssued int64         // INSERT statements or COPY streams executed
	LastWriteTime    time.Time     // Time of last commit
	WriteDuration    time.Duration // Total time spent writing
	ConnectionTime   time.Duration // Time spent establishing the pool
}

// WarehouseWriterOptions configures the warehouse writer.
type WarehouseWriterOptions struct {
	DSN                string             // lib/pq connection string
	TableName          string             // Target table, optionally schema-qualified
	LoadMode           LoadMode           // INSERT or COPY
	ConflictResolution ConflictResolution // Duplicate key handling
	ConnMaxLifetime    time.Duration      // Max connection lifetime
	ConnMaxIdleTime    time.Duration      // Max idle connection time
	MaxOpenConns       int                // Max open connections
	MaxIdleConns       int                // Max idle connections
	QueryTimeout       time.Duration      // Bound on one chunk's transaction
}

// WarehouseWriterOption represents a configuration function for WarehouseWriterOptions.
type WarehouseWriterOption func(*WarehouseWriterOptions)

// WithWarehouseDSN sets the connection string.
func WithWarehouseDSN(dsn string) WarehouseWriterOption {
	return func(opts *WarehouseWriterOptions) {
		opts.DSN = dsn
	}
}

// WithTableName sets the target table name.
func WithTableName(tableName string) WarehouseWriterOption {
	return func(opts *WarehouseWriterOptions) {
		opts.TableName = tableName
	}
}

// WithLoadMode selects INSERT or COPY loading.
func WithLoadMode(mode LoadMode) WarehouseWriterOption {
	return func(opts *WarehouseWriterOptions) {
		opts.LoadMode = mode
	}
}

// WithConflictResolution sets the duplicate key policy.
func WithConflictResolution(resolution ConflictResolution) WarehouseWriterOption {
	return func(opts *WarehouseWriterOptions) {
		opts.ConflictResolution = resolution
	}
}

// WithWarehouseConnectionPool configures the connection pool.
func WithWarehouseConnectionPool(maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) WarehouseWriterOption {
	return func(opts *WarehouseWriterOptions) {
		opts.MaxOpenConns = maxOpen
		opts.MaxIdleConns = maxIdle
		opts.ConnMaxLifetime = maxLifetime
		opts.ConnMaxIdleTime = maxIdleTime
	}
}

// WithWarehouseQueryTimeout bounds each chunk's transaction.
func WithWarehouseQueryTimeout(timeout time.Duration) WarehouseWriterOption {
	return func(opts *WarehouseWriterOptions) {
		opts.QueryTimeout = timeout
	}
}

// WarehouseWriter implements core.Sink for a PostgreSQL-protocol warehouse.
type WarehouseWriter struct {
	db      *sql.DB
	options WarehouseWriterOptions
	table   string // quoted
	maxRows int    // rows per INSERT statement
	stats   WarehouseWriterStats
	mu      sync.Mutex
}

// NewWarehouseWriter opens a connection pool to the warehouse and verifies it.
func NewWarehouseWriter(opts ...WarehouseWriterOption) (*WarehouseWriter, error) {
	options := &WarehouseWriterOptions{}
	for _, opt := range opts {
		opt(options)
	}
	options = options.withDefaults()

	if options.DSN == "" {
		return nil, &core.WarehouseWriteError{Op: "validate", Table: options.TableName, Err: errors.New("dsn is required")}
	}
	if err := validateWarehouseOptions(options); err != nil {
		return nil, &core.WarehouseWriteError{Op: "validate", Table: options.TableName, Err: err}
	}

	start := time.Now()
	db, err := sql.Open("postgres", options.DSN)
	if err != nil {
		return nil, &core.WarehouseWriteError{Op: "connect", Table: options.TableName, Err: err}
	}
	db.SetMaxOpenConns(options.MaxOpenConns)
	db.SetMaxIdleConns(options.MaxIdleConns)
	db.SetConnMaxLifetime(options.ConnMaxLifetime)
	db.SetConnMaxIdleTime(options.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), options.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &core.WarehouseWriteError{Op: "connect", Table: options.TableName, Err: errors.Wrap(err, "failed to ping database")}
	}

	w := newWarehouseWriter(db, *options)
	w.stats.ConnectionTime = time.Since(start)
	return w, nil
}

// NewWarehouseWriterFromDB wraps an existing pool. The writer owns the pool
// and closes it on Close.
func NewWarehouseWriterFromDB(db *sql.DB, opts ...WarehouseWriterOption) (*WarehouseWriter, error) {
	options := &WarehouseWriterOptions{}
	for _, opt := range opts {
		opt(options)
	}
	options = options.withDefaults()

	if err := validateWarehouseOptions(options); err != nil {
		return nil, &core.WarehouseWriteError{Op: "validate", Table: options.TableName, Err: err}
	}
	return newWarehouseWriter(db, *options), nil
}

func newWarehouseWriter(db *sql.DB, options WarehouseWriterOptions) *WarehouseWriter {
	return &WarehouseWriter{
		db:      db,
		options: options,
		table:   quoteTable(options.TableName),
		maxRows: maxBindParams / len(warehouseColumns),
	}
}

// withDefaults applies default values to WarehouseWriterOptions.
func (opts *WarehouseWriterOptions) withDefaults() *WarehouseWriterOptions {
	if opts.TableName == "" {
		opts.TableName = "stock_data"
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 60 * time.Second
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	if opts.ConnMaxIdleTime == 0 {
		opts.ConnMaxIdleTime = 1 * time.Minute
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	return opts
}

func validateWarehouseOptions(opts *WarehouseWriterOptions) error {
	if opts.LoadMode == LoadCopy && opts.ConflictResolution != ConflictError {
		return errors.Errorf("conflict resolution %s is not supported with copy loading", opts.ConflictResolution)
	}
	if opts.QueryTimeout < 0 {
		return errors.New("query timeout must not be negative")
	}
	return nil
}

// Name implements core.Sink.
func (w *WarehouseWriter) Name() string {
	return "warehouse"
}

// Write loads the chunk in one transaction. Either every row of the chunk is
// committed or none is.
func (w *WarehouseWriter) Write(ctx context.Context, chunk core.Chunk) error {
	if len(chunk) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.options.QueryTimeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.WarehouseWriteError{Op: "begin", Table: w.options.TableName, Err: err}
	}

	var affected int64
	op := "insert"
	if w.options.LoadMode == LoadCopy {
		op = "copy"
		affected, err = w.copyChunk(ctx, tx, chunk)
	} else {
		affected, err = w.insertChunk(ctx, tx, chunk)
	}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).WithField("table", w.options.TableName).Warn("rollback failed")
		}
		return &core.WarehouseWriteError{Op: op, Table: w.options.TableName, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &core.WarehouseWriteError{Op: "commit", Table: w.options.TableName, Err: err}
	}

	w.stats.RecordsWritten += int64(len(chunk))
	w.stats.RowsAffected += affected
	w.stats.ChunksWritten++
	w.stats.LastWriteTime = time.Now()
	w.stats.WriteDuration += time.Since(start)

	if skipped := int64(len(chunk)) - affected; skipped > 0 && w.options.ConflictResolution == ConflictIgnore {
		log.WithFields(log.Fields{
			"table":   w.options.TableName,
			"skipped": skipped,
		}).Debug("existing rows kept")
	}
	return nil
}

func (w *WarehouseWriter) insertChunk(ctx context.Context, tx *sql.Tx, chunk core.Chunk) (int64, error) {
	var affected int64
	err := batches.Batch(len(chunk), w.maxRows, func(begin, end int) error {
		query := w.insertQuery(end - begin)
		args := make([]any, 0, (end-begin)*len(warehouseColumns))
		for _, rec := range chunk[begin:end] {
			args = append(args, rowValues(rec)...)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "rows %d-%d", begin, end)
		}
		w.stats.StatementsIssued++
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
		return nil
	})
	return affected, err
}

func (w *WarehouseWriter) copyChunk(ctx context.Context, tx *sql.Tx, chunk core.Chunk) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, copyIn(w.options.TableName))
	if err != nil {
		return 0, errors.Wrap(err, "prepare copy")
	}
	defer stmt.Close()

	for i, rec := range chunk {
		if _, err := stmt.ExecContext(ctx, rowValues(rec)...); err != nil {
			return 0, errors.Wrapf(err, "copy row %d", i)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "flush copy")
	}
	w.stats.StatementsIssued++

	affected, err := res.RowsAffected()
	if err != nil {
		affected = int64(len(chunk))
	}
	return affected, nil
}

// insertQuery renders a multi-row INSERT for n rows with the configured
// conflict clause.
func (w *WarehouseWriter) insertQuery(n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", w.table, strings.Join(warehouseColumns, ", "))

	param := 1
	for row := 0; row < n; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for col := range warehouseColumns {
			if col > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", param)
			param++
		}
		sb.WriteByte(')')
	}

	switch w.options.ConflictResolution {
	case ConflictIgnore:
		sb.WriteString(" ON CONFLICT (stock_symbol, trade_date) DO NOTHING")
	case ConflictUpdate:
		sb.WriteString(" ON CONFLICT (stock_symbol, trade_date) DO UPDATE SET ")
		for i, col := range warehouseColumns[2:] {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
		}
	}
	return sb.String()
}

// rowValues returns the bind values of one record in warehouseColumns order.
// Decimals are sent as text with four fractional digits.
func rowValues(rec core.StockRecord) []any {
	return []any{
		rec.Symbol,
		rec.TradeDate.Time(),
		numeric(rec.OpenPrice),
		numeric(rec.HighPrice),
		numeric(rec.LowPrice),
		numeric(rec.ClosePrice),
		numeric(rec.AdjustedClosePrice),
		rec.Volume,
		numeric(rec.DividendAmount),
		numeric(rec.SplitCoefficient),
	}
}

func numeric(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(4)
}

// EnsureTable creates the target table if it does not exist.
func (w *WarehouseWriter) EnsureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.options.QueryTimeout)
	defer cancel()

	if _, err := w.db.ExecContext(ctx, createTableSQL(w.table)); err != nil {
		return &core.WarehouseWriteError{Op: "create_table", Table: w.options.TableName, Err: err}
	}
	log.WithField("table", w.options.TableName).Info("warehouse table ready")
	return nil
}

func createTableSQL(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + ` (
    stock_symbol VARCHAR(10) NOT NULL,
    trade_date DATE NOT NULL,
    open_price DECIMAL(10,4),
    high_price DECIMAL(10,4),
    low_price DECIMAL(10,4),
    close_price DECIMAL(10,4),
    adjusted_close_price DECIMAL(10,4),
    volume BIGINT,
    dividend_amount DECIMAL(10,4),
    split_coefficient DECIMAL(10,4),
    PRIMARY KEY (stock_symbol, trade_date)
)`
}

// Stats returns a copy of the current write statistics.
func (w *WarehouseWriter) Stats() WarehouseWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close releases the connection pool.
func (w *WarehouseWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

// quoteTable quotes each dotted part of a possibly schema-qualified name.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// copyIn renders the COPY statement for a possibly schema-qualified table.
func copyIn(name string) string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pq.CopyInSchema(schema, table, warehouseColumns...)
	}
	return pq.CopyIn(name, warehouseColumns...)
}
