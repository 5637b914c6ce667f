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

package stocketl

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/validators"
)

// DefaultChunkSize is the number of reads that make up one chunk.
const DefaultChunkSize = 100

// Stats reports the outcome of one run.
type Stats struct {
	RunID              string
	RecordsRead        int64 // Records parsed from the source
	RecordsRejected    int64 // Records dropped by validation or as malformed
	RejectionsByReason map[core.RejectionReason]int64
	ChunksFlushed      int64 // Chunks accepted by every sink
	RecordsWritten     int64 // Records in flushed chunks
	FilesRead          int64 // Source files read to the end, when known
	Duration           time.Duration
}

// PipelineBuilder provides a fluent API for constructing a Pipeline.
type PipelineBuilder struct {
	pipeline *Pipeline
}

// NewPipeline creates a builder with the default chunk size, the fail-fast
// parse strategy and the stock validator.
func NewPipeline() *PipelineBuilder {
	return &PipelineBuilder{
		pipeline: &Pipeline{
			chunkSize: DefaultChunkSize,
			strategy:  FailFast,
		},
	}
}

// From sets the RecordSource for the pipeline.
func (pb *PipelineBuilder) From(source RecordSource) *PipelineBuilder {
	pb.pipeline.source = source
	return pb
}

// Validate replaces the default validator.
func (pb *PipelineBuilder) Validate(validator Validator) *PipelineBuilder {
	pb.pipeline.validator = validator
	return pb
}

// To appends sinks. Every chunk is written to them in the order given.
func (pb *PipelineBuilder) To(sinks ...Sink) *PipelineBuilder {
	pb.pipeline.sinks = append(pb.pipeline.sinks, sinks...)
	return pb
}

// WithChunkSize sets the number of reads per chunk.
func (pb *PipelineBuilder) WithChunkSize(size int) *PipelineBuilder {
	pb.pipeline.chunkSize = size
	return pb
}

// WithParseStrategy sets how malformed rows are handled.
func (pb *PipelineBuilder) WithParseStrategy(strategy ErrorStrategy) *PipelineBuilder {
	pb.pipeline.strategy = strategy
	return pb
}

// WithWriteTimeout bounds each chunk write to each sink. Zero leaves the
// bound to the sinks' own timeouts.
func (pb *PipelineBuilder) WithWriteTimeout(timeout time.Duration) *PipelineBuilder {
	pb.pipeline.writeTimeout = timeout
	return pb
}

// WithRejectHandler sets a hook for dropped records.
func (pb *PipelineBuilder) WithRejectHandler(handler RejectHandler) *PipelineBuilder {
	pb.pipeline.rejectHandler = handler
	return pb
}

// WithRunID overrides the generated run identifier.
func (pb *PipelineBuilder) WithRunID(id string) *PipelineBuilder {
	pb.pipeline.runID = id
	return pb
}

// Pipelined overlaps reading the next chunk with writing the current one,
// buffering at most depth chunks between the two. Zero keeps the sequential
// loop.
func (pb *PipelineBuilder) Pipelined(depth int) *PipelineBuilder {
	pb.pipeline.depth = depth
	return pb
}

// Build validates and constructs the Pipeline.
func (pb *PipelineBuilder) Build() (*Pipeline, error) {
	p := pb.pipeline
	if p.source == nil {
		return nil, errors.New("pipeline requires a record source")
	}
	if len(p.sinks) == 0 {
		return nil, errors.New("pipeline requires at least one sink")
	}
	for i, sink := range p.sinks {
		if sink == nil {
			return nil, errors.Errorf("sink %d is nil", i)
		}
	}
	if p.chunkSize <= 0 {
		return nil, errors.Errorf("chunk size must be positive, got %d", p.chunkSize)
	}
	if p.depth < 0 {
		return nil, errors.Errorf("pipeline depth must not be negative, got %d", p.depth)
	}
	if p.writeTimeout < 0 {
		return nil, errors.New("write timeout must not be negative")
	}
	if p.validator == nil {
		p.validator = validators.NewStockValidator()
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	for _, sink := range p.sinks {
		if l, ok := sink.(bulkLimiter); ok {
			l.LimitBulkSize(p.chunkSize)
		}
	}
	return p, nil
}

// Pipeline runs the chunk loop for one run. It is not reusable.
type Pipeline struct {
	source        RecordSource
	validator     Validator
	sinks         []Sink
	chunkSize     int
	strategy      ErrorStrategy
	writeTimeout  time.Duration
	rejectHandler RejectHandler
	depth         int
	runID         string

	stats Stats
	log   *log.Entry
}

// RunID returns the run identifier attached to logs and Stats.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Execute reads the source to the end, flushing each chunk of validated
// records to every sink. It returns at the first read or write failure;
// chunks flushed before that remain written. Cancelling ctx stops the run
// at the next chunk boundary and never interrupts a write in progress.
// The source and sinks are closed before Execute returns.
func (p *Pipeline) Execute(ctx context.Context) (stats Stats, err error) {
	start := time.Now()
	p.stats = Stats{
		RunID:              p.runID,
		RejectionsByReason: make(map[core.RejectionReason]int64),
	}
	p.log = log.WithField("run", p.runID)
	p.log.WithFields(log.Fields{
		"chunkSize": p.chunkSize,
		"strategy":  p.strategy,
		"sinks":     len(p.sinks),
		"depth":     p.depth,
	}).Info("starting run")

	defer func() {
		if closeErr := p.close(); err == nil {
			err = closeErr
		}
		if fc, ok := p.source.(fileCounter); ok {
			p.stats.FilesRead = fc.FilesRead()
		}
		p.stats.Duration = time.Since(start)
		stats = p.stats
	}()

	if p.depth > 0 {
		return Stats{}, p.runPipelined(ctx)
	}
	return Stats{}, p.runSequential(ctx)
}

func (p *Pipeline) runSequential(ctx context.Context) error {
	readCtx := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			p.log.WithError(err).Warn("run cancelled between chunks")
			return err
		}
		chunk, eof, err := p.readChunk(readCtx)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			if err := p.flush(ctx, chunk); err != nil {
				return err
			}
		}
		if eof {
			return nil
		}
	}
}

// runPipelined runs the reader and the writer in separate goroutines joined
// by a bounded channel. Each side stays single-threaded, so chunks reach the
// sinks in read order.
func (p *Pipeline) runPipelined(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan core.Chunk, p.depth)
	readCtx := context.WithoutCancel(ctx)

	g.Go(func() error {
		defer close(chunks)
		for {
			if err := ctx.Err(); err != nil {
				p.log.WithError(err).Warn("run cancelled between chunks")
				return err
			}
			chunk, eof, err := p.readChunk(readCtx)
			if err != nil {
				return err
			}
			if len(chunk) > 0 {
				select {
				case chunks <- chunk:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if eof {
				return nil
			}
		}
	})

	g.Go(func() error {
		for chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.flush(ctx, chunk); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// readChunk performs up to chunkSize reads and returns the records that
// passed validation. eof reports that the source is exhausted.
func (p *Pipeline) readChunk(ctx context.Context) (chunk core.Chunk, eof bool, err error) {
	chunk = make(core.Chunk, 0, p.chunkSize)
	for i := 0; i < p.chunkSize; i++ {
		rec, err := p.source.Read(ctx)
		if err == io.EOF {
			return chunk, true, nil
		}
		if err != nil {
			var parseErr *core.ParseError
			if p.strategy == SkipErrors && errors.As(err, &parseErr) {
				if rc, ok := p.validator.(rejectCounter); ok {
					rc.Reject(core.RejectParseError)
				}
				if err := p.reject(ctx, core.RejectParseError, err); err != nil {
					return nil, false, err
				}
				continue
			}
			return nil, false, err
		}

		p.stats.RecordsRead++
		recordsRead.Inc()

		valid, err := p.validator.Validate(rec)
		if err != nil {
			var rejection *core.ValidationRejection
			if !errors.As(err, &rejection) {
				return nil, false, err
			}
			if err := p.reject(ctx, rejection.Reason, err); err != nil {
				return nil, false, err
			}
			continue
		}
		chunk = append(chunk, valid)
	}
	return chunk, false, nil
}

func (p *Pipeline) reject(ctx context.Context, reason core.RejectionReason, cause error) error {
	p.stats.RecordsRejected++
	p.stats.RejectionsByReason[reason]++
	recordsRejected.WithLabelValues(string(reason)).Inc()

	p.log.WithError(cause).WithField("reason", reason).Debug("record rejected")
	if p.rejectHandler != nil {
		return p.rejectHandler.HandleReject(ctx, reason, cause)
	}
	return nil
}

// flush writes one chunk to every sink in order. Writes run detached from
// ctx's cancellation so that a cancelled run never leaves a sink mid-chunk.
func (p *Pipeline) flush(ctx context.Context, chunk core.Chunk) error {
	writeCtx := context.WithoutCancel(ctx)
	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, p.writeTimeout)
		defer cancel()
	}

	for _, sink := range p.sinks {
		start := time.Now()
		err := sink.Write(writeCtx, chunk)
		sinkWriteDurations.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			sinkWriteErrors.WithLabelValues(sink.Name()).Inc()
			p.log.WithError(err).WithFields(log.Fields{
				"sink":    sink.Name(),
				"chunk":   p.stats.ChunksFlushed + 1,
				"records": len(chunk),
			}).Error("chunk write failed")
			return err
		}
		recordsWritten.WithLabelValues(sink.Name()).Add(float64(len(chunk)))
	}

	p.stats.ChunksFlushed++
	p.stats.RecordsWritten += int64(len(chunk))
	chunksFlushed.Inc()
	p.log.WithFields(log.Fields{
		"chunk":   p.stats.ChunksFlushed,
		"records": len(chunk),
	}).Debug("chunk flushed")
	return nil
}

func (p *Pipeline) close() error {
	var first error
	if err := p.source.Close(); err != nil {
		p.log.WithError(err).Warn("closing source")
		first = err
	}
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			p.log.WithError(err).WithField("sink", sink.Name()).Warn("closing sink")
			if first == nil {
				first = errors.Wrapf(err, "closing %s", sink.Name())
			}
		}
	}
	return first
}
