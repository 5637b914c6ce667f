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

// Package awsconf builds the aws.Config shared by the S3 reader, the
// OpenSearch request signer and the Redshift Data API client.
package awsconf

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config selects the region and credentials used for AWS clients. Empty
// fields fall back to the default credential chain.
type Config struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringVar(&c.Region, "awsRegion", "", "AWS region; defaults to the SDK credential chain")
	f.StringVar(&c.Profile, "awsProfile", "", "shared config profile to load")
	f.StringVar(&c.AccessKeyID, "awsAccessKeyID", "", "static access key; prefer the default chain")
	f.StringVar(&c.SecretAccessKey, "awsSecretAccessKey", "", "static secret key")
	f.StringVar(&c.SessionToken, "awsSessionToken", "", "static session token")
}

// Preflight ensures the Config is in a known-good state.
func (c *Config) Preflight() error {
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("awsAccessKeyID and awsSecretAccessKey must be set together")
	}
	return nil
}

// Load resolves an aws.Config from the default chain, overridden by any
// explicit region, profile or static credentials.
func Load(ctx context.Context, c Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}
	if c.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(c.Profile))
	}
	if c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
				c.AccessKeyID,
				c.SecretAccessKey,
				c.SessionToken,
			)),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return cfg, nil
}
