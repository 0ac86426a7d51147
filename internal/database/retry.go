// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

const (
	retryAttempts     = 4 // initial try plus three retries
	retryInitialDelay = 100 * time.Millisecond
)

// IsTransientErr reports whether err is a lock-contention error worth
// retrying. SQLITE_BUSY and SQLITE_LOCKED show up as message text from the
// driver; everything else is treated as permanent.
func IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(retryAttempts),
		retry.Delay(retryInitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return IsTransientErr(err)
		}),
	}
}

// retryWrite executes a single write statement, retrying lock contention
// with exponential backoff. Only single statements are retried; transactions
// fail whole.
func (db *DB) retryWrite(ctx context.Context, stmt *sql.Stmt, query string, args []any) (sql.Result, error) {
	var res sql.Result

	err := retry.Do(func() error {
		var execErr error
		res, execErr = db.execWrite(ctx, stmt, query, args)
		return execErr
	}, retryOpts(ctx)...)

	return res, err
}

func (db *DB) retryQuery(ctx context.Context, stmt *sql.Stmt, args []any) (*sql.Rows, error) {
	var rows *sql.Rows

	err := retry.Do(func() error {
		var queryErr error
		rows, queryErr = stmt.QueryContext(ctx, args...)
		return queryErr
	}, retryOpts(ctx)...)

	return rows, err
}
