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
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Querier executes read-only SQL and returns result rows.
type Querier interface {
	Execute(ctx context.Context, sql string) ([]map[string]any, error)
}

// Handler answers GraphQL-resolver style events of the form
// {"arguments":{"sqlQuery":"..."}}. Every outcome, including failures, is a
// JSON document: the result rows, or {"error": "..."}.
type Handler struct {
	querier Querier
}

// NewHandler creates a Handler backed by q.
func NewHandler(q Querier) *Handler {
	return &Handler{querier: q}
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, event json.RawMessage) (string, error) {
	entry := log.NewEntry(log.StandardLogger())
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		entry = entry.WithField("request", lc.AwsRequestID)
	}
	entry.WithField("event", string(event)).Info("received event")

	args := gjson.GetBytes(event, "arguments")
	if !args.Exists() || args.Type == gjson.Null {
		return errorResponse("Missing arguments in event"), nil
	}
	sql := args.Get("sqlQuery")
	if sql.Exists() && sql.Type != gjson.String && sql.Type != gjson.Null {
		return internalError(entry, errors.Errorf("sqlQuery must be a string, got %s", sql.Type)), nil
	}
	if err := Guard(sql.String()); err != nil {
		entry.WithError(err).Warn("query refused")
		return errorResponse(err.Error()), nil
	}

	rows, err := h.querier.Execute(ctx, sql.String())
	if err != nil {
		return internalError(entry, err), nil
	}
	out, err := marshal(rows)
	if err != nil {
		return internalError(entry, err), nil
	}
	return out, nil
}

func internalError(entry *log.Entry, err error) string {
	entry.WithError(err).Error("error processing request")
	return errorResponse("Internal Server Error: " + err.Error())
}

func errorResponse(message string) string {
	out, err := marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error":"Internal Server Error"}`
	}
	return out
}

// marshal renders v without HTML escaping, so SQL operators survive intact.
func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
