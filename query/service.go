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

package query

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DataAPI is the subset of the Redshift Data API used by Service.
// *redshiftdata.Client satisfies it.
type DataAPI interface {
	ExecuteStatement(ctx context.Context, params *redshiftdata.ExecuteStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.ExecuteStatementOutput, error)
	DescribeStatement(ctx context.Context, params *redshiftdata.DescribeStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error)
	GetStatementResult(ctx context.Context, params *redshiftdata.GetStatementResultInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.GetStatementResultOutput, error)
}

// QueryError reports a failed statement.
type QueryError struct {
	Op          string
	StatementID string
	Err         error
}

func (e *QueryError) Error() string {
	if e.StatementID == "" {
		return fmt.Sprintf("query %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("query %s [%s]: %v", e.Op, e.StatementID, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Target identifies the serverless workgroup and database to query.
type Target struct {
	Workgroup string
	Database  string
}

// ParseJDBCURL derives a Target from a Redshift Serverless JDBC URL such as
// jdbc:redshift://analytics.123456789012.us-east-1.redshift-serverless.amazonaws.com:5439/dev.
// The workgroup is the first label of the host name.
func ParseJDBCURL(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimPrefix(raw, "jdbc:"))
	if err != nil {
		return Target{}, errors.Wrap(err, "invalid JDBC URL")
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, errors.Errorf("JDBC URL %q has no host", raw)
	}
	t := Target{
		Workgroup: strings.SplitN(host, ".", 2)[0],
		Database:  strings.Trim(u.Path, "/"),
	}
	if t.Database == "" {
		return Target{}, errors.Errorf("JDBC URL %q has no database", raw)
	}
	return t, nil
}

// ServiceOptions configures statement polling.
type ServiceOptions struct {
	PollInterval time.Duration // Delay between status checks
	Timeout      time.Duration // Bound on one statement, including polling
}

// ServiceOption represents a configuration function for ServiceOptions.
type ServiceOption func(*ServiceOptions)

// WithPollInterval sets the delay between status checks.
func WithPollInterval(d time.Duration) ServiceOption {
	return func(opts *ServiceOptions) {
		opts.PollInterval = d
	}
}

// WithQueryTimeout bounds the total time spent on one statement.
func WithQueryTimeout(d time.Duration) ServiceOption {
	return func(opts *ServiceOptions) {
		opts.Timeout = d
	}
}

func (opts *ServiceOptions) withDefaults() *ServiceOptions {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return opts
}

// Service runs read-only SQL through the Data API and returns the rows.
type Service struct {
	client  DataAPI
	target  Target
	options ServiceOptions
}

// NewService creates a Service for target.
func NewService(client DataAPI, target Target, opts ...ServiceOption) (*Service, error) {
	if client == nil {
		return nil, errors.New("data API client is required")
	}
	if target.Workgroup == "" || target.Database == "" {
		return nil, errors.New("workgroup and database are required")
	}
	options := &ServiceOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return &Service{client: client, target: target, options: *options.withDefaults()}, nil
}

var errPending = errors.New("statement still running")

// Execute submits sql, waits for it to finish and returns every result row
// as a map from column name to value. Values are rendered as strings; SQL
// NULL becomes nil.
func (s *Service) Execute(ctx context.Context, sql string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.Timeout)
	defer cancel()

	start := time.Now()
	out, err := s.client.ExecuteStatement(ctx, &redshiftdata.ExecuteStatementInput{
		Sql:           aws.String(sql),
		WorkgroupName: aws.String(s.target.Workgroup),
		Database:      aws.String(s.target.Database),
	})
	if err != nil {
		return nil, &QueryError{Op: "execute", Err: err}
	}
	id := aws.ToString(out.Id)
	entry := log.WithField("statement", id)
	entry.Info("query submitted")

	if err := s.wait(ctx, id, entry); err != nil {
		return nil, err
	}

	rows, err := s.results(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.WithFields(log.Fields{
		"rows":     len(rows),
		"duration": time.Since(start),
	}).Info("query completed")
	return rows, nil
}

// wait polls the statement status at a constant interval until it reaches
// a terminal state.
func (s *Service) wait(ctx context.Context, id string, entry *log.Entry) error {
	poll := func() error {
		desc, err := s.client.DescribeStatement(ctx, &redshiftdata.DescribeStatementInput{Id: aws.String(id)})
		if err != nil {
			return backoff.Permanent(&QueryError{Op: "describe", StatementID: id, Err: err})
		}
		entry.WithField("status", desc.Status).Debug("query status")
		switch desc.Status {
		case types.StatusStringFinished:
			return nil
		case types.StatusStringFailed, types.StatusStringAborted:
			return backoff.Permanent(&QueryError{
				Op:          strings.ToLower(string(desc.Status)),
				StatementID: id,
				Err:         errors.New(aws.ToString(desc.Error)),
			})
		default:
			return errPending
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(s.options.PollInterval), ctx)
	err := backoff.Retry(poll, b)
	if errors.Is(err, errPending) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &QueryError{Op: "wait", StatementID: id, Err: ctx.Err()}
	}
	return err
}

func (s *Service) results(ctx context.Context, id string) ([]map[string]any, error) {
	rows := make([]map[string]any, 0)
	var token *string
	for {
		page, err := s.client.GetStatementResult(ctx, &redshiftdata.GetStatementResultInput{
			Id:        aws.String(id),
			NextToken: token,
		})
		if err != nil {
			return nil, &QueryError{Op: "results", StatementID: id, Err: err}
		}
		for _, record := range page.Records {
			row := make(map[string]any, len(page.ColumnMetadata))
			for i, col := range page.ColumnMetadata {
				if i < len(record) {
					row[aws.ToString(col.Name)] = fieldValue(record[i])
				}
			}
			rows = append(rows, row)
		}
		token = page.NextToken
		if aws.ToString(token) == "" {
			return rows, nil
		}
	}
}

func fieldValue(f types.Field) any {
	switch v := f.(type) {
	case *types.FieldMemberStringValue:
		return v.Value
	case *types.FieldMemberLongValue:
		return strconv.FormatInt(v.Value, 10)
	case *types.FieldMemberDoubleValue:
		return strconv.FormatFloat(v.Value, 'f', -1, 64)
	case *types.FieldMemberBooleanValue:
		return strconv.FormatBool(v.Value)
	case *types.FieldMemberBlobValue:
		return string(v.Value)
	default:
		return nil
	}
}
