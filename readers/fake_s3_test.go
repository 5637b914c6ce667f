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

package readers

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const testHeader = "tradeDate,openPrice,highPrice,lowPrice,closePrice,adjustedClosePrice,volume,dividendAmount,splitCoefficient\n"

// fakeS3 serves objects from memory, paging listings by pageSize.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string]string
	pageSize  int
	listErr   error
	getErr    map[string]error
	listCalls int
	gets      []string
	open      int
	// body, when set, replaces the content reader of every object.
	body func(ctx context.Context, key string, content io.Reader) io.Reader
}

func newFakeS3(objects map[string]string) *fakeS3 {
	return &fakeS3{objects: objects, pageSize: 1000, getErr: map[string]error{}}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	body, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(key)}
	}
	f.open++
	var content io.Reader = strings.NewReader(body)
	if f.body != nil {
		content = f.body(ctx, key, content)
	}
	return &s3.GetObjectOutput{Body: &fakeBody{Reader: content, s3: f}}, nil
}

func (f *fakeS3) openBodies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type fakeBody struct {
	io.Reader
	s3     *fakeS3
	closed bool
}

func (b *fakeBody) Close() error {
	if !b.closed {
		b.closed = true
		b.s3.mu.Lock()
		b.s3.open--
		b.s3.mu.Unlock()
	}
	return nil
}

// nopBody wraps a string as a ReadCloser for direct CSV reader tests.
func nopBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// brokenAfter serves n bytes of content, then fails with err.
type brokenAfter struct {
	content io.Reader
	n       int
	err     error
}

func (b *brokenAfter) Read(p []byte) (int, error) {
	if b.n <= 0 {
		return 0, b.err
	}
	if len(p) > b.n {
		p = p[:b.n]
	}
	n, err := b.content.Read(p)
	b.n -= n
	return n, err
}

// ctxReader fails once the request context is done, like an HTTP body.
type ctxReader struct {
	ctx     context.Context
	content io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	// One line per read, so later rows are still unread when time passes.
	if len(p) > 64 {
		p = p[:64]
	}
	return r.content.Read(p)
}
