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

// Command stockquery is an AWS Lambda function that runs read-only SQL
// against the stock warehouse through the Redshift Data API.
//
// It reads REDSHIFT_JDBC_URL to find the serverless workgroup and database;
// credentials and region come from the function's execution role.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	log "github.com/sirupsen/logrus"

	"github.com/aaronlmathis/stocketl/internal/awsconf"
	"github.com/aaronlmathis/stocketl/query"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	if os.Getenv("STOCKQUERY_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	target, err := query.ParseJDBCURL(os.Getenv("REDSHIFT_JDBC_URL"))
	if err != nil {
		log.WithError(err).Fatal("REDSHIFT_JDBC_URL")
	}
	awsCfg, err := awsconf.Load(context.Background(), awsconf.Config{Region: os.Getenv("AWS_REGION")})
	if err != nil {
		log.WithError(err).Fatal("could not load AWS configuration")
	}
	service, err := query.NewService(redshiftdata.NewFromConfig(awsCfg), target)
	if err != nil {
		log.WithError(err).Fatal("could not create query service")
	}

	lambda.Start(query.NewHandler(service).Handle)
}
