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

// Package config holds the process-level configuration of the ingest job.
package config

import (
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/internal/awsconf"
	"github.com/aaronlmathis/stocketl/writers"
)

// EnvPrefix prefixes the environment variable of every flag.
const EnvPrefix = "STOCKETL_"

// SourceConfig locates the input files.
type SourceConfig struct {
	Bucket      string
	Prefix      string
	FilePrefix  string
	Suffix      string
	Endpoint    string
	PathStyle   bool
	MaxKeys     int32
	ListTimeout time.Duration
	GetTimeout  time.Duration
}

// SearchConfig configures the bulk index sink. It is disabled when no
// addresses are given.
type SearchConfig struct {
	Addresses      []string
	Index          string
	Username       string
	Password       string
	SignRequests   bool
	BulkSize       int
	BulkRate       float64
	Refresh        bool
	RequestTimeout time.Duration
}

// WarehouseConfig configures the relational sink. It is disabled when the
// DSN is empty.
type WarehouseConfig struct {
	DSN          string
	Table        string
	LoadMode     string
	OnConflict   string
	CreateTable  bool
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// MongoConfig configures the document sink. It is disabled when the URI is
// empty.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	BatchSize  int
}

// ArchiveConfig configures the Parquet archive sink. It is disabled when the
// path is empty.
type ArchiveConfig struct {
	Path        string
	Compression string
}

// PipelineConfig tunes the chunk loop.
type PipelineConfig struct {
	ChunkSize       int
	SkipParseErrors bool
	WriteTimeout    time.Duration
	Depth           int
	DryRun          bool
}

// Config contains the user-visible configuration for running an ingest.
type Config struct {
	AWS       awsconf.Config
	Source    SourceConfig
	Search    SearchConfig
	Warehouse WarehouseConfig
	Mongo     MongoConfig
	Archive   ArchiveConfig
	Pipeline  PipelineConfig
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	c.AWS.Bind(f)

	f.StringVar(&c.Source.Bucket, "s3Bucket", "", "the bucket holding the source files")
	f.StringVar(&c.Source.Prefix, "s3Prefix", "stock-data/", "the key prefix to list")
	f.StringVar(&c.Source.FilePrefix, "s3FilePrefix", "daily_adjusted_", "the file name prefix preceding the symbol")
	f.StringVar(&c.Source.Suffix, "s3Suffix", ".csv", "only keys with this suffix are read")
	f.StringVar(&c.Source.Endpoint, "s3Endpoint", "", "a custom S3 endpoint, e.g. for MinIO or LocalStack")
	f.BoolVar(&c.Source.PathStyle, "s3PathStyle", false, "use path-style bucket addressing")
	f.Int32Var(&c.Source.MaxKeys, "s3MaxKeys", 1000, "the page size of object listings")
	f.DurationVar(&c.Source.ListTimeout, "s3ListTimeout", 30*time.Second, "the bound on each listing call")
	f.DurationVar(&c.Source.GetTimeout, "s3GetTimeout", 5*time.Minute, "the bound on reading one object")

	f.StringSliceVar(&c.Search.Addresses, "searchAddresses", nil, "OpenSearch endpoints; the index sink is disabled when empty")
	f.StringVar(&c.Search.Index, "searchIndex", "stock_data", "the index to write documents to")
	f.StringVar(&c.Search.Username, "searchUsername", "", "basic auth user name")
	f.StringVar(&c.Search.Password, "searchPassword", "", "basic auth password")
	f.BoolVar(&c.Search.SignRequests, "searchSignRequests", false, "sign requests with SigV4 instead of basic auth")
	f.IntVar(&c.Search.BulkSize, "searchBulkSize", 100, "documents per bulk request; capped at the chunk size")
	f.Float64Var(&c.Search.BulkRate, "searchBulkRate", 0, "bulk requests per second; zero is unlimited")
	f.BoolVar(&c.Search.Refresh, "searchRefresh", true, "refresh the index after each bulk request")
	f.DurationVar(&c.Search.RequestTimeout, "searchRequestTimeout", 30*time.Second, "the bound on each bulk request")

	f.StringVar(&c.Warehouse.DSN, "warehouseConn", "", "the warehouse connection string; the warehouse sink is disabled when empty")
	f.StringVar(&c.Warehouse.Table, "warehouseTable", "stock_data", "the destination table, optionally schema-qualified")
	f.StringVar(&c.Warehouse.LoadMode, "warehouseLoadMode", "insert", "how rows are loaded [ insert, copy ]")
	f.StringVar(&c.Warehouse.OnConflict, "warehouseOnConflict", "error", "how existing keys are handled [ error, ignore, update ]")
	f.BoolVar(&c.Warehouse.CreateTable, "warehouseCreateTable", false, "create the destination table if it does not exist")
	f.IntVar(&c.Warehouse.MaxOpenConns, "warehouseMaxOpenConns", 4, "the maximum number of open connections")
	f.IntVar(&c.Warehouse.MaxIdleConns, "warehouseMaxIdleConns", 2, "the maximum number of idle connections")
	f.DurationVar(&c.Warehouse.QueryTimeout, "warehouseQueryTimeout", time.Minute, "the bound on each chunk transaction")

	f.StringVar(&c.Mongo.URI, "mongoURI", "", "the MongoDB connection string; the document sink is disabled when empty")
	f.StringVar(&c.Mongo.Database, "mongoDatabase", "stocks", "the MongoDB database")
	f.StringVar(&c.Mongo.Collection, "mongoCollection", "stock_data", "the MongoDB collection")
	f.IntVar(&c.Mongo.BatchSize, "mongoBatchSize", 500, "documents per bulk write; capped at the chunk size")

	f.StringVar(&c.Archive.Path, "archivePath", "", "write a Parquet archive of every loaded record to this file")
	f.StringVar(&c.Archive.Compression, "archiveCompression", "snappy", "archive compression [ none, snappy, gzip, zstd ]")

	f.IntVar(&c.Pipeline.ChunkSize, "chunkSize", 100, "the number of records read per commit")
	f.BoolVar(&c.Pipeline.SkipParseErrors, "skipParseErrors", false, "count malformed rows as rejections instead of failing the run")
	f.DurationVar(&c.Pipeline.WriteTimeout, "writeTimeout", 0, "the bound on writing one chunk to one sink; zero defers to each sink")
	f.IntVar(&c.Pipeline.Depth, "pipelineDepth", 0, "read ahead this many chunks while writing; zero runs sequentially")
	f.BoolVar(&c.Pipeline.DryRun, "dryRun", false, "write validated records to stdout as JSON lines")
}

// Preflight ensures the Config is in a known-good state.
func (c *Config) Preflight() error {
	if err := c.AWS.Preflight(); err != nil {
		return err
	}
	if c.Source.Bucket == "" {
		return errors.New("s3Bucket unset")
	}
	if c.Source.MaxKeys <= 0 {
		return errors.New("s3MaxKeys must be positive")
	}
	if c.Pipeline.ChunkSize <= 0 {
		return errors.New("chunkSize must be positive")
	}
	if c.Pipeline.Depth < 0 {
		return errors.New("pipelineDepth must not be negative")
	}
	if c.Search.SignRequests && c.Search.Username != "" {
		return errors.New("searchSignRequests and searchUsername are mutually exclusive")
	}
	if c.Mongo.URI != "" && (c.Mongo.Database == "" || c.Mongo.Collection == "") {
		return errors.New("mongoDatabase and mongoCollection are required with mongoURI")
	}
	if _, err := c.LoadMode(); err != nil {
		return err
	}
	if _, err := c.ConflictResolution(); err != nil {
		return err
	}
	if _, err := c.ArchiveCompression(); err != nil {
		return err
	}
	if c.Sinks() == 0 {
		return errors.New("no sink configured; set searchAddresses, warehouseConn, mongoURI, archivePath or dryRun")
	}
	return nil
}

// Sinks returns the number of enabled sinks.
func (c *Config) Sinks() int {
	n := 0
	for _, enabled := range []bool{
		len(c.Search.Addresses) > 0,
		c.Warehouse.DSN != "",
		c.Mongo.URI != "",
		c.Archive.Path != "",
		c.Pipeline.DryRun,
	} {
		if enabled {
			n++
		}
	}
	return n
}

// LoadMode returns the configured warehouse load mode.
func (c *Config) LoadMode() (writers.LoadMode, error) {
	switch strings.ToLower(c.Warehouse.LoadMode) {
	case "", "insert":
		return writers.LoadInsert, nil
	case "copy":
		return writers.LoadCopy, nil
	default:
		return 0, errors.Errorf("unknown warehouseLoadMode: %q", c.Warehouse.LoadMode)
	}
}

// ConflictResolution returns the configured warehouse conflict policy.
func (c *Config) ConflictResolution() (writers.ConflictResolution, error) {
	switch strings.ToLower(c.Warehouse.OnConflict) {
	case "", "error":
		return writers.ConflictError, nil
	case "ignore":
		return writers.ConflictIgnore, nil
	case "update":
		return writers.ConflictUpdate, nil
	default:
		return 0, errors.Errorf("unknown warehouseOnConflict: %q", c.Warehouse.OnConflict)
	}
}

// ArchiveCompression returns the configured Parquet codec.
func (c *Config) ArchiveCompression() (compress.Compression, error) {
	switch strings.ToLower(c.Archive.Compression) {
	case "none":
		return compress.Codecs.Uncompressed, nil
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	default:
		return 0, errors.Errorf("unknown archiveCompression: %q", c.Archive.Compression)
	}
}

// ParseStrategy returns the configured handling of malformed rows.
func (c *Config) ParseStrategy() core.ErrorStrategy {
	if c.Pipeline.SkipParseErrors {
		return core.SkipErrors
	}
	return core.FailFast
}

// ApplyEnv sets every flag that was not given on the command line from its
// environment variable, if present. The variable name is EnvPrefix followed
// by the flag name in upper snake case, e.g. STOCKETL_S3_BUCKET.
func ApplyEnv(f *pflag.FlagSet) error {
	return applyEnv(f, os.LookupEnv)
}

func applyEnv(f *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var err error
	f.VisitAll(func(flag *pflag.Flag) {
		if err != nil || flag.Changed {
			return
		}
		value, ok := lookup(EnvName(flag.Name))
		if !ok {
			return
		}
		if setErr := f.Set(flag.Name, value); setErr != nil {
			err = errors.Wrapf(setErr, "invalid value for %s", EnvName(flag.Name))
		}
	})
	return err
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flag string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	runes := []rune(flag)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
