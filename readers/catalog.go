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
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/aaronlmathis/stocketl/core"
)

// S3API is the subset of the S3 client used by the catalog and the reader.
// *s3.Client satisfies it.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Catalog lists the source files of a run. The listing is performed once
// and cached; later calls return the same handles.
type S3Catalog struct {
	client  S3API
	opts    S3ReaderOptions
	files   []core.FileHandle
	listed  bool
	skipped int64
}

// NewS3Catalog creates a catalog over bucket/prefix.
func NewS3Catalog(client S3API, options ...ReaderOptionS3) (*S3Catalog, error) {
	opts := defaultS3ReaderOptions()
	for _, option := range options {
		option(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, &S3ReaderError{Op: "validate_options", Err: err}
	}
	return &S3Catalog{client: client, opts: opts}, nil
}

// List returns the matching files ordered by key. Each key appears at most
// once. A failed listing returns a *core.StorageUnavailableError and is not
// retried.
func (c *S3Catalog) List(ctx context.Context) ([]core.FileHandle, error) {
	if c.listed {
		return c.files, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ListTimeout)
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.opts.Bucket),
		MaxKeys: aws.Int32(c.opts.MaxKeys),
	}
	if c.opts.Prefix != "" {
		input.Prefix = aws.String(c.opts.Prefix)
	}

	seen := make(map[string]struct{})
	var files []core.FileHandle

	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &core.StorageUnavailableError{Op: "list_objects", Bucket: c.opts.Bucket, Err: err}
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, c.opts.Suffix) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			symbol, ok := core.SymbolFromKey(key, c.opts.Prefix, c.opts.FilePrefix, c.opts.Suffix)
			if !ok {
				c.skipped++
				log.WithField("key", key).Warn("skipping object that does not match the file name pattern")
				continue
			}
			files = append(files, core.FileHandle{Key: key, Symbol: symbol})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })

	c.files = files
	c.listed = true
	log.WithFields(log.Fields{
		"bucket":  c.opts.Bucket,
		"prefix":  c.opts.Prefix,
		"files":   len(files),
		"skipped": c.skipped,
	}).Info("listed source files")

	return c.files, nil
}

// Skipped returns the number of suffix-matching keys ignored because their
// name did not yield a symbol.
func (c *S3Catalog) Skipped() int64 {
	return c.skipped
}
