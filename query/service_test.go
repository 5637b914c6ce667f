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
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataAPI walks through statuses, then serves result pages in order.
type fakeDataAPI struct {
	executeErr error
	statuses   []types.StatusString
	failure    string
	pages      []*redshiftdata.GetStatementResultOutput

	executed  *redshiftdata.ExecuteStatementInput
	describes int
	tokens    []string
}

func (f *fakeDataAPI) ExecuteStatement(_ context.Context, in *redshiftdata.ExecuteStatementInput, _ ...func(*redshiftdata.Options)) (*redshiftdata.ExecuteStatementOutput, error) {
	f.executed = in
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &redshiftdata.ExecuteStatementOutput{Id: aws.String("stmt-1")}, nil
}

func (f *fakeDataAPI) DescribeStatement(_ context.Context, in *redshiftdata.DescribeStatementInput, _ ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error) {
	status := f.statuses[len(f.statuses)-1]
	if f.describes < len(f.statuses) {
		status = f.statuses[f.describes]
	}
	f.describes++
	out := &redshiftdata.DescribeStatementOutput{Id: in.Id, Status: status}
	if f.failure != "" {
		out.Error = aws.String(f.failure)
	}
	return out, nil
}

func (f *fakeDataAPI) GetStatementResult(_ context.Context, in *redshiftdata.GetStatementResultInput, _ ...func(*redshiftdata.Options)) (*redshiftdata.GetStatementResultOutput, error) {
	f.tokens = append(f.tokens, aws.ToString(in.NextToken))
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func columns(names ...string) []types.ColumnMetadata {
	var out []types.ColumnMetadata
	for _, n := range names {
		out = append(out, types.ColumnMetadata{Name: aws.String(n)})
	}
	return out
}

func newTestService(t *testing.T, api DataAPI, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithPollInterval(time.Millisecond)}, opts...)
	s, err := NewService(api, Target{Workgroup: "analytics", Database: "dev"}, opts...)
	require.NoError(t, err)
	return s
}

func TestParseJDBCURL(t *testing.T) {
	got, err := ParseJDBCURL("jdbc:redshift://analytics.123456789012.us-east-1.redshift-serverless.amazonaws.com:5439/dev")
	require.NoError(t, err)
	assert.Equal(t, Target{Workgroup: "analytics", Database: "dev"}, got)

	for _, bad := range []string{
		"",
		"jdbc:redshift://host.example.com:5439/",
		"not a url ::",
	} {
		_, err := ParseJDBCURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, Target{Workgroup: "w", Database: "d"})
	assert.Error(t, err)
	_, err = NewService(&fakeDataAPI{}, Target{Workgroup: "w"})
	assert.Error(t, err)

	s, err := NewService(&fakeDataAPI{}, Target{Workgroup: "w", Database: "d"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, s.options.PollInterval)
	assert.Equal(t, 5*time.Minute, s.options.Timeout)
}

func TestServiceExecute(t *testing.T) {
	api := &fakeDataAPI{
		statuses: []types.StatusString{types.StatusStringSubmitted, types.StatusStringStarted, types.StatusStringFinished},
		pages: []*redshiftdata.GetStatementResultOutput{
			{
				ColumnMetadata: columns("stock_symbol", "volume", "close_price"),
				Records: [][]types.Field{{
					&types.FieldMemberStringValue{Value: "ABC"},
					&types.FieldMemberLongValue{Value: 1000},
					&types.FieldMemberDoubleValue{Value: 10.75},
				}},
				NextToken: aws.String("page-2"),
			},
			{
				ColumnMetadata: columns("stock_symbol", "volume", "close_price"),
				Records: [][]types.Field{{
					&types.FieldMemberStringValue{Value: "XYZ"},
					&types.FieldMemberIsNull{Value: true},
					&types.FieldMemberBooleanValue{Value: true},
				}},
			},
		},
	}
	s := newTestService(t, api)

	rows, err := s.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1", aws.ToString(api.executed.Sql))
	assert.Equal(t, "analytics", aws.ToString(api.executed.WorkgroupName))
	assert.Equal(t, "dev", aws.ToString(api.executed.Database))
	assert.Equal(t, 3, api.describes)
	assert.Equal(t, []string{"", "page-2"}, api.tokens)
	assert.Equal(t, []map[string]any{
		{"stock_symbol": "ABC", "volume": "1000", "close_price": "10.75"},
		{"stock_symbol": "XYZ", "volume": nil, "close_price": "true"},
	}, rows)
}

func TestServiceExecuteEmptyResult(t *testing.T) {
	api := &fakeDataAPI{
		statuses: []types.StatusString{types.StatusStringFinished},
		pages:    []*redshiftdata.GetStatementResultOutput{{ColumnMetadata: columns("a")}},
	}
	rows, err := newTestService(t, api).Execute(context.Background(), "SELECT a FROM t WHERE false")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestServiceExecuteFailures(t *testing.T) {
	tests := []struct {
		name   string
		api    *fakeDataAPI
		opts   []ServiceOption
		wantOp string
		want   string
	}{
		{
			name:   "execute",
			api:    &fakeDataAPI{executeErr: errors.New("access denied")},
			wantOp: "execute",
			want:   "access denied",
		},
		{
			name:   "failed",
			api:    &fakeDataAPI{statuses: []types.StatusString{types.StatusStringFailed}, failure: "relation does not exist"},
			wantOp: "failed",
			want:   "relation does not exist",
		},
		{
			name:   "aborted",
			api:    &fakeDataAPI{statuses: []types.StatusString{types.StatusStringAborted}},
			wantOp: "aborted",
		},
		{
			name:   "timeout",
			api:    &fakeDataAPI{statuses: []types.StatusString{types.StatusStringStarted}},
			opts:   []ServiceOption{WithQueryTimeout(20 * time.Millisecond)},
			wantOp: "wait",
			want:   "deadline exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestService(t, tt.api, tt.opts...).Execute(context.Background(), "SELECT 1")
			var qErr *QueryError
			require.ErrorAs(t, err, &qErr)
			assert.Equal(t, tt.wantOp, qErr.Op)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
