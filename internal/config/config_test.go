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

package config

import (
	"testing"
	"time"

	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/stocketl/core"
	"github.com/aaronlmathis/stocketl/writers"
)

func bind(t *testing.T, args ...string) (*Config, *pflag.FlagSet) {
	t.Helper()
	cfg := &Config{}
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.Bind(f)
	require.NoError(t, f.Parse(args))
	return cfg, f
}

func TestDefaults(t *testing.T) {
	cfg, _ := bind(t)
	assert.Equal(t, "stock-data/", cfg.Source.Prefix)
	assert.Equal(t, "daily_adjusted_", cfg.Source.FilePrefix)
	assert.Equal(t, ".csv", cfg.Source.Suffix)
	assert.Equal(t, "stock_data", cfg.Search.Index)
	assert.Equal(t, "stock_data", cfg.Warehouse.Table)
	assert.Equal(t, 100, cfg.Pipeline.ChunkSize)
	assert.True(t, cfg.Search.Refresh)
	assert.Equal(t, core.FailFast, cfg.ParseStrategy())
	assert.Zero(t, cfg.Sinks())
}

func TestPreflight(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"ok", []string{"--s3Bucket", "b", "--dryRun"}, ""},
		{"no bucket", []string{"--dryRun"}, "s3Bucket unset"},
		{"no sink", []string{"--s3Bucket", "b"}, "no sink configured"},
		{"chunk size", []string{"--s3Bucket", "b", "--dryRun", "--chunkSize", "0"}, "chunkSize"},
		{"depth", []string{"--s3Bucket", "b", "--dryRun", "--pipelineDepth", "-1"}, "pipelineDepth"},
		{"load mode", []string{"--s3Bucket", "b", "--warehouseConn", "x", "--warehouseLoadMode", "merge"}, "warehouseLoadMode"},
		{"conflict", []string{"--s3Bucket", "b", "--warehouseConn", "x", "--warehouseOnConflict", "replace"}, "warehouseOnConflict"},
		{"compression", []string{"--s3Bucket", "b", "--archivePath", "a.parquet", "--archiveCompression", "lzma"}, "archiveCompression"},
		{"aws keys", []string{"--s3Bucket", "b", "--dryRun", "--awsAccessKeyID", "AKIA"}, "awsSecretAccessKey"},
		{"signing and basic auth", []string{"--s3Bucket", "b", "--searchAddresses", "http://os:9200", "--searchSignRequests", "--searchUsername", "u"}, "mutually exclusive"},
		{"mongo database", []string{"--s3Bucket", "b", "--mongoURI", "mongodb://m", "--mongoDatabase", ""}, "mongoDatabase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := bind(t, tt.args...)
			err := cfg.Preflight()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSinks(t *testing.T) {
	cfg, _ := bind(t,
		"--searchAddresses", "http://a:9200,http://b:9200",
		"--warehouseConn", "postgres://x",
		"--mongoURI", "mongodb://m",
		"--archivePath", "out.parquet",
		"--dryRun",
	)
	assert.Equal(t, 5, cfg.Sinks())
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.Search.Addresses)
}

func TestEnumParsing(t *testing.T) {
	cfg, _ := bind(t, "--warehouseLoadMode", "COPY", "--warehouseOnConflict", "update", "--archiveCompression", "zstd", "--skipParseErrors")

	mode, err := cfg.LoadMode()
	require.NoError(t, err)
	assert.Equal(t, writers.LoadCopy, mode)

	conflict, err := cfg.ConflictResolution()
	require.NoError(t, err)
	assert.Equal(t, writers.ConflictUpdate, conflict)

	codec, err := cfg.ArchiveCompression()
	require.NoError(t, err)
	assert.Equal(t, compress.Codecs.Zstd, codec)

	assert.Equal(t, core.SkipErrors, cfg.ParseStrategy())
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"s3Bucket":       "STOCKETL_S3_BUCKET",
		"awsAccessKeyID": "STOCKETL_AWS_ACCESS_KEY_ID",
		"mongoURI":       "STOCKETL_MONGO_URI",
		"chunkSize":      "STOCKETL_CHUNK_SIZE",
		"dryRun":         "STOCKETL_DRY_RUN",
	}
	for flag, want := range tests {
		assert.Equal(t, want, EnvName(flag), flag)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STOCKETL_S3_BUCKET":        "from-env",
		"STOCKETL_CHUNK_SIZE":       "25",
		"STOCKETL_WRITE_TIMEOUT":    "10s",
		"STOCKETL_SEARCH_ADDRESSES": "http://a:9200,http://b:9200",
		"STOCKETL_SEARCH_INDEX":     "ignored",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, f := bind(t, "--searchIndex", "from-flag")
	require.NoError(t, applyEnv(f, lookup))

	assert.Equal(t, "from-env", cfg.Source.Bucket)
	assert.Equal(t, 25, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.WriteTimeout)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.Search.Addresses)
	assert.Equal(t, "from-flag", cfg.Search.Index)

	env["STOCKETL_CHUNK_SIZE"] = "many"
	_, f = bind(t)
	err := applyEnv(f, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STOCKETL_CHUNK_SIZE")
}
