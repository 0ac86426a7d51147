// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact scrubs credentials from errors before they reach logs.
// Transport errors carry the full request URL, which for upstream API calls
// can include key material in query parameters.
package redact

import (
	"errors"
	"net/url"
	"strings"
)

var sensitiveParams = map[string]struct{}{
	"apikey":   {},
	"api_key":  {},
	"passkey":  {},
	"token":    {},
	"password": {},
	"secret":   {},
}

// URLError returns err with any embedded *url.Error URL scrubbed of
// credential-bearing query parameters. The url.Error type is preserved so
// callers can still match on it. Non-URL errors pass through unchanged.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	redacted := *urlErr
	redacted.URL = redactURL(urlErr.URL)
	return &redacted
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		// unparseable: drop anything after the query separator
		if idx := strings.IndexByte(raw, '?'); idx >= 0 {
			return raw[:idx] + "?REDACTED"
		}
		return raw
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}

	query := u.Query()
	changed := false
	for name := range query {
		if _, sensitive := sensitiveParams[strings.ToLower(name)]; sensitive {
			query.Set(name, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = query.Encode()
	}

	return u.String()
}
