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
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/internal/batches"
)

// MongoCollection is the subset of *mongo.Collection used by MongoWriter.
type MongoCollection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// MongoWriterStats holds document store statistics.
type MongoWriterStats struct {
	Upserted      int64
	Modified      int64
	Matched       int64
	BulkRequests  int64
	WriteDuration time.Duration
}

// MongoWriterOptions configures the document store sink.
type MongoWriterOptions struct {
	BatchSize    int           // Upserts per BulkWrite call
	WriteTimeout time.Duration // Bound on one BulkWrite call
}

// MongoWriterOption represents a configuration function for MongoWriterOptions.
type MongoWriterOption func(*MongoWriterOptions)

func WithMongoBatchSize(size int) MongoWriterOption {
	return func(opts *MongoWriterOptions) {
		opts.BatchSize = size
	}
}

func WithMongoWriteTimeout(timeout time.Duration) MongoWriterOption {
	return func(opts *MongoWriterOptions) {
		opts.WriteTimeout = timeout
	}
}

// MongoWriter implements core.Sink by replacing one document per natural key.
type MongoWriter struct {
	collection MongoCollection
	disconnect func(context.Context) error
	options    MongoWriterOptions
	stats      MongoWriterStats
	mu         sync.Mutex
}

// NewMongoWriter wraps a collection. The caller keeps ownership of its client.
func NewMongoWriter(collection MongoCollection, opts ...MongoWriterOption) *MongoWriter {
	options := MongoWriterOptions{BatchSize: 500, WriteTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&options)
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 500
	}
	return &MongoWriter{collection: collection, options: options}
}

// DialMongoWriter connects to uri and writes to database.collection. The
// client is disconnected on Close.
func DialMongoWriter(ctx context.Context, uri, database, collection string, opts ...MongoWriterOption) (*MongoWriter, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &core.SinkWriteError{Sink: "mongo", Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, &core.SinkWriteError{Sink: "mongo", Op: "connect", Err: errors.Wrap(err, "ping")}
	}

	w := NewMongoWriter(client.Database(database).Collection(collection), opts...)
	w.disconnect = client.Disconnect
	return w, nil
}

// Name implements core.Sink.
func (m *MongoWriter) Name() string {
	return "mongo"
}

// Write upserts the chunk in unordered bulk calls of BatchSize documents.
func (m *MongoWriter) Write(ctx context.Context, chunk core.Chunk) error {
	if len(chunk) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return batches.Batch(len(chunk), m.options.BatchSize, func(begin, end int) error {
		models := make([]mongo.WriteModel, 0, end-begin)
		for _, rec := range chunk[begin:end] {
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.D{{Key: "_id", Value: rec.Key()}}).
				SetReplacement(stockDocument(rec)).
				SetUpsert(true))
		}

		callCtx, cancel := context.WithTimeout(ctx, m.options.WriteTimeout)
		defer cancel()

		start := time.Now()
		res, err := m.collection.BulkWrite(callCtx, models, options.BulkWrite().SetOrdered(false))
		m.stats.WriteDuration += time.Since(start)
		if err != nil {
			return &core.SinkWriteError{Sink: "mongo", Op: "bulk_write", Err: err}
		}

		m.stats.BulkRequests++
		if res != nil {
			m.stats.Upserted += res.UpsertedCount
			m.stats.Modified += res.ModifiedCount
			m.stats.Matched += res.MatchedCount
		}
		return nil
	})
}

// stockDocument renders the stored document. Absent prices are stored as null.
func stockDocument(rec core.StockRecord) bson.D {
	return bson.D{
		{Key: "_id", Value: rec.Key()},
		{Key: "stockSymbol", Value: rec.Symbol},
		{Key: "tradeDate", Value: primitive.NewDateTimeFromTime(rec.TradeDate.Time())},
		{Key: "openPrice", Value: bsonDecimal(rec.OpenPrice)},
		{Key: "highPrice", Value: bsonDecimal(rec.HighPrice)},
		{Key: "lowPrice", Value: bsonDecimal(rec.LowPrice)},
		{Key: "closePrice", Value: bsonDecimal(rec.ClosePrice)},
		{Key: "adjustedClosePrice", Value: bsonDecimal(rec.AdjustedClosePrice)},
		{Key: "volume", Value: rec.Volume},
		{Key: "dividendAmount", Value: bsonDecimal(rec.DividendAmount)},
		{Key: "splitCoefficient", Value: bsonDecimal(rec.SplitCoefficient)},
	}
}

func bsonDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	v, err := primitive.ParseDecimal128(d.Decimal.StringFixed(priceScale))
	if err != nil {
		// Unreachable for values that fit DECIMAL(10,4).
		log.WithError(err).WithField("value", d.Decimal.String()).Warn("storing price as null")
		return nil
	}
	return v
}

// Stats returns document store statistics.
func (m *MongoWriter) Stats() MongoWriterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close disconnects the client when the writer dialed it.
func (m *MongoWriter) Close() error {
	if m.disconnect == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.disconnect(ctx)
}

// LimitBulkSize lowers the batch size to at most n documents.
func (m *MongoWriter) LimitBulkSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 && m.options.BatchSize > n {
		m.options.BatchSize = n
	}
}
