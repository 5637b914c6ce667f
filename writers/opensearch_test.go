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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aaronlmathis/stocketl/core"
)

// fakeTransport records bulk requests and answers from a script.
type fakeTransport struct {
	requests []*http.Request
	bodies   [][]byte
	respond  func(call int, body []byte) (*http.Response, error)
}

func (f *fakeTransport) Perform(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	f.requests = append(f.requests, req)
	f.bodies = append(f.bodies, body)
	return f.respond(len(f.requests), body)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func okBulk(_ int, _ []byte) (*http.Response, error) {
	return jsonResponse(200, `{"took":3,"errors":false,"items":[]}`), nil
}

func ndjsonLines(body []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestOpenSearchWriterOptions(t *testing.T) {
	_, err := NewOpenSearchWriter(nil)
	assert.EqualError(t, err, "index writer validate [stock_data]: transport is required")

	_, err = NewOpenSearchWriter(&fakeTransport{respond: okBulk}, WithBulkRate(-1))
	assert.EqualError(t, err, "index writer validate [stock_data]: bulk rate must not be negative")

	w, err := NewOpenSearchWriter(&fakeTransport{respond: okBulk})
	require.NoError(t, err)
	assert.Equal(t, 100, w.options.BulkSize)
	assert.True(t, w.options.Refresh)
	assert.Equal(t, 30*time.Second, w.options.RequestTimeout)
	assert.Nil(t, w.limiter)
	assert.Equal(t, "opensearch", w.Name())
}

func TestOpenSearchWriterBulkBody(t *testing.T) {
	rec := testRecord("ABC", 2)
	rec.SplitCoefficient.Valid = false

	body, err := bulkBody("stocks", core.Chunk{rec})
	require.NoError(t, err)

	lines := ndjsonLines(body)
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"index":{"_index":"stocks","_id":"ABC_2024-01-02"}}`, lines[0])

	doc := gjson.Parse(lines[1])
	assert.Equal(t, "ABC", doc.Get("stockSymbol").String())
	assert.Equal(t, "2024-01-02", doc.Get("tradeDate").String())
	assert.Equal(t, 10.75, doc.Get("closePrice").Float())
	assert.Equal(t, int64(2000), doc.Get("volume").Int())
	assert.Equal(t, gjson.Null, doc.Get("splitCoefficient").Type)
}

func TestOpenSearchWriterSubBatches(t *testing.T) {
	tests := []struct {
		chunk, bulk int
		requests    int
	}{
		{chunk: 1, bulk: 100, requests: 1},
		{chunk: 100, bulk: 100, requests: 1},
		{chunk: 101, bulk: 100, requests: 2},
		{chunk: 250, bulk: 100, requests: 3},
		{chunk: 7, bulk: 3, requests: 3},
		{chunk: 0, bulk: 3, requests: 0},
	}

	for _, tt := range tests {
		transport := &fakeTransport{respond: okBulk}
		w, err := NewOpenSearchWriter(transport, WithBulkSize(tt.bulk), WithIndex("stocks"))
		require.NoError(t, err)

		require.NoError(t, w.Write(context.Background(), testChunk(tt.chunk)))
		assert.Len(t, transport.requests, tt.requests, "chunk %d bulk %d", tt.chunk, tt.bulk)

		var docs int
		for i, req := range transport.requests {
			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, "/stocks/_bulk", req.URL.Path)
			assert.Equal(t, "true", req.URL.Query().Get("refresh"))
			docs += len(ndjsonLines(transport.bodies[i])) / 2
		}
		assert.Equal(t, tt.chunk, docs)
		assert.Equal(t, int64(tt.chunk), w.Stats().DocumentsSent)
	}
}

func TestOpenSearchWriterTransportFailureAborts(t *testing.T) {
	transport := &fakeTransport{respond: func(call int, _ []byte) (*http.Response, error) {
		if call == 2 {
			return nil, errors.New("connection reset by peer")
		}
		return okBulk(call, nil)
	}}
	w, err := NewOpenSearchWriter(transport, WithBulkSize(10))
	require.NoError(t, err)

	err = w.Write(context.Background(), testChunk(35))
	require.Error(t, err)

	var idxErr *core.IndexWriteError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, "bulk", idxErr.Op)
	assert.Equal(t, "stock_data", idxErr.Index)
	assert.Len(t, transport.requests, 2)
	assert.Equal(t, int64(10), w.Stats().DocumentsSent)
}

func TestOpenSearchWriterErrorStatus(t *testing.T) {
	transport := &fakeTransport{respond: func(int, []byte) (*http.Response, error) {
		return jsonResponse(429, `{"error":{"type":"es_rejected_execution_exception","reason":"queue full"},"status":429}`), nil
	}}
	w, err := NewOpenSearchWriter(transport, WithBulkSize(10))
	require.NoError(t, err)

	err = w.Write(context.Background(), testChunk(25))
	var idxErr *core.IndexWriteError
	require.ErrorAs(t, err, &idxErr)
	assert.Contains(t, err.Error(), "status 429: queue full")
	assert.Len(t, transport.requests, 1)
}

func TestOpenSearchWriterItemFailuresAreCounted(t *testing.T) {
	transport := &fakeTransport{respond: func(int, []byte) (*http.Response, error) {
		return jsonResponse(200, `{"took":5,"errors":true,"items":[
			{"index":{"_id":"S0_2024-01-01","status":201}},
			{"index":{"_id":"S0_2024-01-02","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse field [volume]"}}},
			{"index":{"_id":"S0_2024-01-03","status":400,"error":{"type":"mapper_parsing_exception","reason":"other"}}}
		]}`), nil
	}}
	w, err := NewOpenSearchWriter(transport)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), testChunk(3)))

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.ItemFailures)
	assert.Equal(t, "failed to parse field [volume]", stats.LastItemReason)
	assert.Equal(t, int64(1), stats.BulkRequests)
}

func TestOpenSearchWriterNoRefresh(t *testing.T) {
	transport := &fakeTransport{respond: okBulk}
	w, err := NewOpenSearchWriter(transport, WithRefresh(false))
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), testChunk(1)))
	assert.Empty(t, transport.requests[0].URL.Query().Get("refresh"))
}

func TestOpenSearchWriterRateLimitHonoursContext(t *testing.T) {
	transport := &fakeTransport{respond: okBulk}
	w, err := NewOpenSearchWriter(transport, WithBulkSize(1), WithBulkRate(0.001))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = w.Write(ctx, testChunk(2))
	var idxErr *core.IndexWriteError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, "rate_limit", idxErr.Op)
	assert.Len(t, transport.requests, 1)
}

func TestNewOpenSearchClient(t *testing.T) {
	_, err := NewOpenSearchClient(OpenSearchClientConfig{})
	assert.Error(t, err)

	client, err := NewOpenSearchClient(OpenSearchClientConfig{Addresses: []string{"http://localhost:9200"}})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
