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

// Package ingest contains the command that loads stock price files into
// the configured sinks.
package ingest

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/stocketl"
	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/internal/awsconf"
	"github.com/aaronlmathis/stocketl/internal/config"
	"github.com/aaronlmathis/stocketl/readers"
	"github.com/aaronlmathis/stocketl/validators"
	"github.com/aaronlmathis/stocketl/writers"
)

// MetricsAddrFlag starts an HTTP server exposing /metrics while the run is
// in progress.
const MetricsAddrFlag = "metricsAddr"

// Command returns the ingest command.
func Command() *cobra.Command {
	cfg := &config.Config{}
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "load stock price files from S3 into the configured sinks",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			return cfg.Preflight()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if metricsAddr != "" {
				stop, err := serveMetrics(metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			awsCfg, err := awsconf.Load(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			sourceOpts := sourceOptions(cfg)
			source, err := readers.NewS3Reader(readers.NewS3Client(awsCfg, sourceOpts...), sourceOpts...)
			if err != nil {
				return err
			}
			sinks, err := buildSinks(ctx, cfg, awsCfg, os.Stdout)
			if err != nil {
				_ = source.Close()
				return err
			}
			_, err = execute(ctx, cfg, source, sinks)
			return err
		},
	}
	cfg.Bind(cmd.Flags())
	cmd.Flags().StringVar(&metricsAddr, MetricsAddrFlag, "", "a host:port on which to serve metrics")
	return cmd
}

func sourceOptions(cfg *config.Config) []readers.ReaderOptionS3 {
	return []readers.ReaderOptionS3{
		readers.WithS3Bucket(cfg.Source.Bucket),
		readers.WithS3Prefix(cfg.Source.Prefix),
		readers.WithS3FilePrefix(cfg.Source.FilePrefix),
		readers.WithS3Suffix(cfg.Source.Suffix),
		readers.WithS3Endpoint(cfg.Source.Endpoint),
		readers.WithS3PathStyle(cfg.Source.PathStyle),
		readers.WithS3MaxKeys(cfg.Source.MaxKeys),
		readers.WithS3ListTimeout(cfg.Source.ListTimeout),
		readers.WithS3GetTimeout(cfg.Source.GetTimeout),
	}
}

// buildSinks opens every enabled sink in a fixed order: index, warehouse,
// documents, archive, stdout. Sinks opened before a failure are closed.
// Closing the stdout sink leaves stdout itself open.
func buildSinks(ctx context.Context, cfg *config.Config, awsCfg aws.Config, stdout io.Writer) (sinks []core.Sink, err error) {
	defer func() {
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			sinks = nil
		}
	}()

	if len(cfg.Search.Addresses) > 0 {
		client, err := writers.NewOpenSearchClient(writers.OpenSearchClientConfig{
			Addresses:    cfg.Search.Addresses,
			Username:     cfg.Search.Username,
			Password:     cfg.Search.Password,
			SignRequests: cfg.Search.SignRequests,
			AWS:          awsCfg,
		})
		if err != nil {
			return sinks, err
		}
		w, err := writers.NewOpenSearchWriter(client,
			writers.WithIndex(cfg.Search.Index),
			writers.WithBulkSize(cfg.Search.BulkSize),
			writers.WithRefresh(cfg.Search.Refresh),
			writers.WithRequestTimeout(cfg.Search.RequestTimeout),
			writers.WithBulkRate(cfg.Search.BulkRate),
		)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, w)
	}

	if cfg.Warehouse.DSN != "" {
		mode, err := cfg.LoadMode()
		if err != nil {
			return sinks, err
		}
		conflict, err := cfg.ConflictResolution()
		if err != nil {
			return sinks, err
		}
		w, err := writers.NewWarehouseWriter(
			writers.WithWarehouseDSN(cfg.Warehouse.DSN),
			writers.WithTableName(cfg.Warehouse.Table),
			writers.WithLoadMode(mode),
			writers.WithConflictResolution(conflict),
			writers.WithWarehouseConnectionPool(cfg.Warehouse.MaxOpenConns, cfg.Warehouse.MaxIdleConns, 0, 0),
			writers.WithWarehouseQueryTimeout(cfg.Warehouse.QueryTimeout),
		)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, w)
		if cfg.Warehouse.CreateTable {
			if err := w.EnsureTable(ctx); err != nil {
				return sinks, err
			}
		}
	}

	if cfg.Mongo.URI != "" {
		w, err := writers.DialMongoWriter(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection,
			writers.WithMongoBatchSize(cfg.Mongo.BatchSize))
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, w)
	}

	if cfg.Archive.Path != "" {
		codec, err := cfg.ArchiveCompression()
		if err != nil {
			return sinks, err
		}
		w, err := writers.NewParquetWriter(cfg.Archive.Path, writers.WithCompression(codec))
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, w)
	}

	if cfg.Pipeline.DryRun {
		sinks = append(sinks, writers.NewJSONWriter(nopCloser{stdout}))
	}

	if len(sinks) == 0 {
		return nil, errors.New("no sink configured")
	}
	return sinks, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// execute runs one ingest and logs its outcome.
func execute(ctx context.Context, cfg *config.Config, source core.RecordSource, sinks []core.Sink) (stocketl.Stats, error) {
	validator := validators.NewStockValidator()
	pipeline, err := stocketl.NewPipeline().
		From(source).
		Validate(validator).
		To(sinks...).
		WithChunkSize(cfg.Pipeline.ChunkSize).
		WithParseStrategy(cfg.ParseStrategy()).
		WithWriteTimeout(cfg.Pipeline.WriteTimeout).
		Pipelined(cfg.Pipeline.Depth).
		Build()
	if err != nil {
		_ = source.Close()
		for _, s := range sinks {
			_ = s.Close()
		}
		return stocketl.Stats{}, err
	}

	stats, err := pipeline.Execute(ctx)
	entry := log.WithFields(log.Fields{
		"run":      stats.RunID,
		"files":    stats.FilesRead,
		"read":     stats.RecordsRead,
		"rejected": stats.RecordsRejected,
		"chunks":   stats.ChunksFlushed,
		"written":  stats.RecordsWritten,
		"duration": stats.Duration,
	})
	for reason, n := range stats.RejectionsByReason {
		entry = entry.WithField("rejected."+string(reason), n)
	}
	if err != nil {
		entry.WithError(err).Error("run failed")
		return stats, err
	}
	entry.Info("run completed")
	return stats, nil
}

// serveMetrics starts a metrics listener and returns a function that stops it.
func serveMetrics(addr string) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not bind %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("address", l.Addr().String()).Info("metrics server listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
