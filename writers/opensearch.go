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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/signer/awsv2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/internal/batches"
)

// OpenSearchWriterStats holds bulk indexing statistics.
type OpenSearchWriterStats struct {
	DocumentsSent  int64         // Documents included in successful bulk calls
	ItemFailures   int64         // Documents the server rejected individually
	BulkRequests   int64         // Bulk calls that returned a 2xx status
	LastWriteTime  time.Time     // Time of last bulk call
	WriteDuration  time.Duration // Total time spent in bulk calls
	LastItemReason string        // First item failure reason of the latest failing call
}

// OpenSearchWriterOptions configures the bulk index writer.
type OpenSearchWriterOptions struct {
	Index          string        // Target index
	BulkSize       int           // Documents per bulk request
	Refresh        bool          // Make documents searchable before returning
	RequestTimeout time.Duration // Bound on one bulk call
	RatePerSecond  float64       // Bulk calls per second; zero means unlimited
}

// OpenSearchWriterOption represents a configuration function for OpenSearchWriterOptions.
type OpenSearchWriterOption func(*OpenSearchWriterOptions)

func WithIndex(index string) OpenSearchWriterOption {
	return func(opts *OpenSearchWriterOptions) {
		opts.Index = index
	}
}

// WithBulkSize sets the number of documents sent per bulk request.
func WithBulkSize(size int) OpenSearchWriterOption {
	return func(opts *OpenSearchWriterOptions) {
		opts.BulkSize = size
	}
}

func WithRefresh(refresh bool) OpenSearchWriterOption {
	return func(opts *OpenSearchWriterOptions) {
		opts.Refresh = refresh
	}
}

func WithRequestTimeout(timeout time.Duration) OpenSearchWriterOption {
	return func(opts *OpenSearchWriterOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithBulkRate limits the rate of bulk calls as backpressure on the cluster.
func WithBulkRate(perSecond float64) OpenSearchWriterOption {
	return func(opts *OpenSearchWriterOptions) {
		opts.RatePerSecond = perSecond
	}
}

func (opts *OpenSearchWriterOptions) withDefaults() *OpenSearchWriterOptions {
	if opts.Index == "" {
		opts.Index = "stock_data"
	}
	if opts.BulkSize <= 0 {
		opts.BulkSize = 100
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return opts
}

// OpenSearchWriter implements core.Sink by bulk indexing documents keyed by
// the record's natural key. Re-indexing a key replaces the document.
type OpenSearchWriter struct {
	transport opensearchapi.Transport
	options   OpenSearchWriterOptions
	limiter   *rate.Limiter
	stats     OpenSearchWriterStats
	mu        sync.Mutex
}

// NewOpenSearchWriter creates a writer over any opensearchapi.Transport;
// *opensearch.Client satisfies it.
func NewOpenSearchWriter(transport opensearchapi.Transport, opts ...OpenSearchWriterOption) (*OpenSearchWriter, error) {
	options := &OpenSearchWriterOptions{Refresh: true}
	for _, opt := range opts {
		opt(options)
	}
	options = options.withDefaults()

	if transport == nil {
		return nil, &core.IndexWriteError{Op: "validate", Index: options.Index, Err: errors.New("transport is required")}
	}
	if options.RatePerSecond < 0 {
		return nil, &core.IndexWriteError{Op: "validate", Index: options.Index, Err: errors.New("bulk rate must not be negative")}
	}

	w := &OpenSearchWriter{transport: transport, options: *options}
	if options.RatePerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(options.RatePerSecond), 1)
	}
	return w, nil
}

// OpenSearchClientConfig selects the cluster and how requests authenticate.
type OpenSearchClientConfig struct {
	Addresses []string
	Username  string
	Password  string
	// SignRequests signs with SigV4 for the "es" service using AWS.
	SignRequests bool
	AWS          aws.Config
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// NewOpenSearchClient builds a client using basic auth or SigV4 signing.
func NewOpenSearchClient(cfg OpenSearchClientConfig) (*opensearch.Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("at least one OpenSearch address is required")
	}
	clientCfg := opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	}
	if cfg.SignRequests {
		signer, err := awsv2.NewSignerWithService(cfg.AWS, "es")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create request signer")
		}
		clientCfg.Signer = signer
	}
	client, err := opensearch.NewClient(clientCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create OpenSearch client")
	}
	return client, nil
}

// Name implements core.Sink.
func (w *OpenSearchWriter) Name() string {
	return "opensearch"
}

// Write sends the chunk as ceil(len/BulkSize) bulk requests. A transport
// failure or an error status aborts the remaining requests and returns a
// *core.IndexWriteError. Individual document failures are logged and
// counted but do not fail the chunk.
func (w *OpenSearchWriter) Write(ctx context.Context, chunk core.Chunk) error {
	if len(chunk) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return batches.Batch(len(chunk), w.options.BulkSize, func(begin, end int) error {
		return w.bulk(ctx, chunk[begin:end])
	})
}

func (w *OpenSearchWriter) bulk(ctx context.Context, docs core.Chunk) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return &core.IndexWriteError{Op: "rate_limit", Index: w.options.Index, Err: err}
		}
	}

	body, err := bulkBody(w.options.Index, docs)
	if err != nil {
		return &core.IndexWriteError{Op: "encode", Index: w.options.Index, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, w.options.RequestTimeout)
	defer cancel()

	req := opensearchapi.BulkRequest{
		Index: w.options.Index,
		Body:  bytes.NewReader(body),
	}
	if w.options.Refresh {
		req.Refresh = "true"
	}

	start := time.Now()
	res, err := req.Do(ctx, w.transport)
	w.stats.WriteDuration += time.Since(start)
	w.stats.LastWriteTime = time.Now()
	if err != nil {
		return &core.IndexWriteError{Op: "bulk", Index: w.options.Index, Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return &core.IndexWriteError{Op: "bulk", Index: w.options.Index, Err: errors.Wrap(err, "reading response")}
	}
	if res.IsError() {
		reason := gjson.GetBytes(payload, "error.reason").String()
		if reason == "" {
			reason = gjson.GetBytes(payload, "error").String()
		}
		return &core.IndexWriteError{
			Op:    "bulk",
			Index: w.options.Index,
			Err:   errors.Errorf("status %d: %s", res.StatusCode, reason),
		}
	}

	w.stats.BulkRequests++
	w.stats.DocumentsSent += int64(len(docs))

	if gjson.GetBytes(payload, "errors").Bool() {
		w.countItemFailures(payload)
	}
	return nil
}

// countItemFailures records per-document failures from a bulk response.
func (w *OpenSearchWriter) countItemFailures(payload []byte) {
	var (
		failed      int64
		firstReason string
	)
	gjson.GetBytes(payload, "items").ForEach(func(_, item gjson.Result) bool {
		op := item.Get("index")
		if !op.Exists() {
			op = item.Get("create")
		}
		if op.Get("error").Exists() {
			failed++
			if firstReason == "" {
				firstReason = op.Get("error.reason").String()
			}
		}
		return true
	})
	if failed == 0 {
		return
	}

	w.stats.ItemFailures += failed
	w.stats.LastItemReason = firstReason
	bulkItemFailures.WithLabelValues(w.options.Index).Add(float64(failed))
	log.WithFields(log.Fields{
		"index":  w.options.Index,
		"failed": failed,
		"reason": firstReason,
	}).Error("documents rejected by bulk request")
}

// bulkBody renders NDJSON index actions, each followed by its document.
func bulkBody(index string, docs core.Chunk) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	type meta struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	}
	for _, rec := range docs {
		if err := enc.Encode(map[string]meta{"index": {Index: index, ID: rec.Key()}}); err != nil {
			return nil, err
		}
		if err := enc.Encode(rec); err != nil {
			return nil, errors.Wrapf(err, "document %s", rec.Key())
		}
	}
	return buf.Bytes(), nil
}

// Stats returns a copy of the current statistics.
func (w *OpenSearchWriter) Stats() OpenSearchWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close is a no-op; the client holds no per-writer resources.
func (w *OpenSearchWriter) Close() error {
	return nil
}

// LimitBulkSize lowers the bulk size to at most n documents.
func (w *OpenSearchWriter) LimitBulkSize(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > 0 && w.options.BulkSize > n {
		w.options.BulkSize = n
	}
}
