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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aaronlmathis/stocketl/core"
)

// S3ReaderError provides structured error information for S3 reader setup.
type S3ReaderError struct {
	Op  string // Operation that failed (e.g., "validate_options", "open_file")
	Err error  // Underlying error
}

func (e *S3ReaderError) Error() string {
	return fmt.Sprintf("s3 reader %s: %v", e.Op, e.Err)
}

func (e *S3ReaderError) Unwrap() error {
	return e.Err
}

// ReaderState is the position of the S3Reader's cursor.
type ReaderState int

const (
	// StateNoActiveFile means the next Read opens the next listed file.
	StateNoActiveFile ReaderState = iota
	// StateFileOpen means records are being pulled from the current file.
	StateFileOpen
	// StateFileExhausted means the current file has returned io.EOF and must
	// be closed before advancing.
	StateFileExhausted
	// StateAllFilesExhausted is terminal; every Read returns io.EOF.
	StateAllFilesExhausted
	// StateFailed is terminal; an object body broke mid-file and every Read
	// returns the same *core.StorageUnavailableError.
	StateFailed
)

func (s ReaderState) String() string {
	switch s {
	case StateNoActiveFile:
		return "no_active_file"
	case StateFileOpen:
		return "file_open"
	case StateFileExhausted:
		return "file_exhausted"
	case StateAllFilesExhausted:
		return "all_files_exhausted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ReaderState(%d)", int(s))
	}
}

// S3ReaderStats holds statistics about the S3 reader.
type S3ReaderStats struct {
	FilesListed   int64         // Files returned by the catalog
	FilesRead     int64         // Files opened and read to the end
	RecordsRead   int64         // Records returned across all files
	ParseErrors   int64         // Rows that failed to parse
	ReadDuration  time.Duration // Time spent inside Read
	CurrentFile   string        // Key of the open file, if any
	NullCounts    map[string]int64
	FilesSkipped  int64 // Keys ignored by the catalog
	LastReadTime  time.Time
	ProcessedKeys []string
}

// S3ReaderOptions configures the catalog and the reader.
type S3ReaderOptions struct {
	Bucket         string        // S3 bucket name
	Prefix         string        // Key prefix, e.g. "stock-data/"
	Suffix         string        // Key suffix filter
	FilePrefix     string        // File name prefix before the symbol
	MaxKeys        int32         // Page size for ListObjectsV2
	EndpointURL    string        // Custom S3 endpoint (S3-compatible services)
	ForcePathStyle bool          // Use path-style addressing
	ListTimeout    time.Duration // Bound on the whole listing
	GetTimeout     time.Duration // Bound on the GetObject call and on each body read
	CSVOptions     []ReaderOptionCSV
}

func defaultS3ReaderOptions() S3ReaderOptions {
	return S3ReaderOptions{
		Prefix:      "stock-data/",
		Suffix:      ".csv",
		FilePrefix:  "daily_adjusted_",
		MaxKeys:     1000,
		ListTimeout: 30 * time.Second,
		GetTimeout:  5 * time.Minute,
	}
}

func (o S3ReaderOptions) validate() error {
	if o.Bucket == "" {
		return errors.New("bucket is required")
	}
	if o.Suffix == "" {
		return errors.New("suffix is required")
	}
	if o.MaxKeys <= 0 {
		return errors.Errorf("max keys must be positive, got %d", o.MaxKeys)
	}
	if o.ListTimeout <= 0 || o.GetTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// ReaderOptionS3 represents a configuration function for the S3 catalog and reader.
type ReaderOptionS3 func(*S3ReaderOptions)

func WithS3Bucket(bucket string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.Bucket = bucket
	}
}

func WithS3Prefix(prefix string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.Prefix = prefix
	}
}

func WithS3Suffix(suffix string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.Suffix = suffix
	}
}

func WithS3FilePrefix(filePrefix string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.FilePrefix = filePrefix
	}
}

func WithS3Endpoint(endpoint string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.EndpointURL = endpoint
	}
}

func WithS3PathStyle(pathStyle bool) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.ForcePathStyle = pathStyle
	}
}

func WithS3MaxKeys(maxKeys int32) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.MaxKeys = maxKeys
	}
}

func WithS3ListTimeout(d time.Duration) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.ListTimeout = d
	}
}

func WithS3GetTimeout(d time.Duration) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.GetTimeout = d
	}
}

// WithS3CSVOptions passes options through to each file's StockCSVReader.
func WithS3CSVOptions(options ...ReaderOptionCSV) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.CSVOptions = append(opts.CSVOptions, options...)
	}
}

// NewS3Client builds an S3 client from a resolved AWS config, honouring the
// endpoint and path-style options.
func NewS3Client(cfg aws.Config, options ...ReaderOptionS3) *s3.Client {
	opts := defaultS3ReaderOptions()
	for _, option := range options {
		option(&opts)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
}

// S3Reader streams StockRecords from every file in the catalog, one file
// at a time, in key order. It is not safe for concurrent Reads.
type S3Reader struct {
	client  S3API
	catalog *S3Catalog
	opts    S3ReaderOptions

	mu      sync.RWMutex
	state   ReaderState
	files   []core.FileHandle
	listed  bool
	next    int // index into files of the file to open next
	current *StockCSVReader
	failure error
	stats   S3ReaderStats
}

// NewS3Reader creates a reader over bucket/prefix. Listing is deferred to
// the first Read.
func NewS3Reader(client S3API, options ...ReaderOptionS3) (*S3Reader, error) {
	catalog, err := NewS3Catalog(client, options...)
	if err != nil {
		return nil, err
	}
	return &S3Reader{
		client:  client,
		catalog: catalog,
		opts:    catalog.opts,
		state:   StateNoActiveFile,
		stats:   S3ReaderStats{NullCounts: make(map[string]int64)},
	}, nil
}

// Read returns the next record, advancing across files as each one ends.
// It returns io.EOF once every file has been read, and keeps returning it.
// A *core.ParseError leaves the cursor on the following row; a
// *core.StorageUnavailableError from GetObject leaves it on the file that
// failed to open. A body that fails mid-file moves the reader to
// StateFailed.
func (r *S3Reader) Read(ctx context.Context) (core.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		r.stats.ReadDuration += time.Since(start)
		r.stats.LastReadTime = time.Now()
	}()

	for {
		switch r.state {
		case StateAllFilesExhausted:
			return core.StockRecord{}, io.EOF

		case StateFailed:
			return core.StockRecord{}, r.failure

		case StateNoActiveFile:
			if err := ctx.Err(); err != nil {
				return core.StockRecord{}, err
			}
			if err := r.list(ctx); err != nil {
				return core.StockRecord{}, err
			}
			if r.next >= len(r.files) {
				r.state = StateAllFilesExhausted
				log.WithField("files", r.stats.FilesRead).Debug("all source files read")
				continue
			}
			if err := r.open(ctx, r.files[r.next]); err != nil {
				return core.StockRecord{}, err
			}
			r.state = StateFileOpen

		case StateFileOpen:
			rec, err := r.current.Read(ctx)
			if err == io.EOF {
				r.state = StateFileExhausted
				continue
			}
			if err != nil {
				var parseErr *core.ParseError
				if errors.As(err, &parseErr) {
					r.stats.ParseErrors++
					return core.StockRecord{}, err
				}
				return core.StockRecord{}, r.fail(err)
			}
			r.stats.RecordsRead++
			return rec, nil

		case StateFileExhausted:
			if err := r.closeCurrent(); err != nil {
				log.WithError(err).WithField("key", r.files[r.next].Key).Warn("closing source file")
			}
			r.stats.FilesRead++
			r.stats.ProcessedKeys = append(r.stats.ProcessedKeys, r.files[r.next].Key)
			r.next++
			r.state = StateNoActiveFile
		}
	}
}

// fail closes the broken file and makes err the answer to every later Read.
func (r *S3Reader) fail(err error) error {
	var storageErr *core.StorageUnavailableError
	if errors.As(err, &storageErr) && storageErr.Bucket == "" {
		storageErr.Bucket = r.opts.Bucket
	}
	key := r.files[r.next].Key
	if closeErr := r.closeCurrent(); closeErr != nil {
		log.WithError(closeErr).WithField("key", key).Warn("closing source file")
	}
	log.WithError(err).WithField("key", key).Error("source file unreadable")
	r.failure = err
	r.state = StateFailed
	return err
}

func (r *S3Reader) list(ctx context.Context) error {
	if r.listed {
		return nil
	}
	files, err := r.catalog.List(ctx)
	if err != nil {
		return err
	}
	r.files = files
	r.listed = true
	r.stats.FilesListed = int64(len(files))
	r.stats.FilesSkipped = r.catalog.Skipped()
	return nil
}

// open fetches one object and reads its header. A body that cannot be
// fetched is a storage failure and the cursor stays on the file; a bad header
// is a parse failure of that file, after which the cursor moves on.
func (r *S3Reader) open(ctx context.Context, file core.FileHandle) error {
	reqCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(r.opts.GetTimeout, func() { cancel(errGetTimeout) })
	out, err := r.client.GetObject(reqCtx, &s3.GetObjectInput{
		Bucket: aws.String(r.opts.Bucket),
		Key:    aws.String(file.Key),
	})
	timer.Stop()
	if err != nil {
		cancel(nil)
		return &core.StorageUnavailableError{Op: "get_object", Bucket: r.opts.Bucket, Key: file.Key, Err: err}
	}

	body := &timeoutBody{
		ReadCloser: out.Body,
		ctx:        reqCtx,
		timer:      timer,
		timeout:    r.opts.GetTimeout,
		cancel:     cancel,
	}
	reader, err := NewStockCSVReader(body, file, r.opts.CSVOptions...)
	if err != nil {
		_ = body.Close()
		var storageErr *core.StorageUnavailableError
		if errors.As(err, &storageErr) {
			storageErr.Bucket = r.opts.Bucket
			return err
		}
		r.stats.ParseErrors++
		r.next++
		return err
	}

	r.current = reader
	r.stats.CurrentFile = file.Key
	log.WithFields(log.Fields{
		"key":    file.Key,
		"symbol": file.Symbol,
	}).Debug("opened source file")
	return nil
}

func (r *S3Reader) closeCurrent() error {
	if r.current == nil {
		return nil
	}
	for col, n := range r.current.Stats().NullValueCounts {
		r.stats.NullCounts[col] += n
	}
	err := r.current.Close()
	r.current = nil
	r.stats.CurrentFile = ""
	return err
}

// Close releases the open object body, if any. The reader is exhausted
// afterwards.
func (r *S3Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.closeCurrent()
	r.state = StateAllFilesExhausted
	return err
}

// State returns the reader's cursor state.
func (r *S3Reader) State() ReaderState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Files returns the catalog listing, empty before the first Read.
func (r *S3Reader) Files() []core.FileHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.files
}

// Stats returns S3 reader statistics.
func (r *S3Reader) Stats() S3ReaderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := r.stats
	stats.NullCounts = make(map[string]int64, len(r.stats.NullCounts))
	for k, v := range r.stats.NullCounts {
		stats.NullCounts[k] = v
	}
	stats.ProcessedKeys = append([]string(nil), r.stats.ProcessedKeys...)
	return stats
}

var errGetTimeout = errors.New("object read timed out")

// timeoutBody bounds each read of an object body by the get timeout. Time
// between reads, such as the pipeline writing the previous chunk, is not
// counted.
type timeoutBody struct {
	io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF && context.Cause(b.ctx) == errGetTimeout {
		err = errors.Wrapf(err, "%s after %s", errGetTimeout, b.timeout)
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	b.timer.Stop()
	b.cancel(nil)
	return b.ReadCloser.Close()
}

// FilesRead returns the number of files read to the end.
func (r *S3Reader) FilesRead() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.FilesRead
}
