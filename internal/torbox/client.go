// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jittarao/torboxd/pkg/redact"
)

const (
	defaultBaseURL        = "https://api.torbox.app/v1/api"
	defaultRequestTimeout = 30 * time.Second

	transientRetryAttempts = 3
	transientRetryDelay    = time.Second
)

// Client talks to the TorBox API on behalf of one user. It carries its own
// rate limiter so a burst of rule actions cannot trip the upstream limits.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Options tunes a Client. Zero values fall back to production defaults.
type Options struct {
	BaseURL           string
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// NewClient builds a client for the given raw API key.
func NewClient(apiKey string, opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
}

// transientStatus reports whether an HTTP status is worth retrying: rate
// limits and upstream server hiccups.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

type httpStatusError struct {
	status int
	detail string
}

func (e *httpStatusError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("torbox: HTTP %d: %s", e.status, e.detail)
	}
	return fmt.Sprintf("torbox: HTTP %d", e.status)
}

// ListTorrents fetches the full snapshot for the authenticated user.
func (c *Client) ListTorrents(ctx context.Context) ([]Torrent, error) {
	data, err := c.do(ctx, http.MethodGet, "/torrents/mylist?bypass_cache=true", nil)
	if err != nil {
		return nil, errors.Wrap(err, "list torrents")
	}

	var torrents []Torrent
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(data, &torrents); err != nil {
		return nil, errors.Wrap(err, "decode torrent list")
	}
	return torrents, nil
}

// ControlTorrent dispatches a control operation for one torrent.
func (c *Client) ControlTorrent(ctx context.Context, torrentID int64, op ControlOperation) error {
	payload := map[string]any{
		"torrent_id": torrentID,
		"operation":  string(op),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode control payload")
	}

	if _, err := c.do(ctx, http.MethodPost, "/torrents/controltorrent", body); err != nil {
		return errors.Wrapf(err, "control torrent %d (%s)", torrentID, op)
	}
	return nil
}

// DeleteTorrent removes one torrent upstream.
func (c *Client) DeleteTorrent(ctx context.Context, torrentID int64) error {
	return c.ControlTorrent(ctx, torrentID, ControlDelete)
}

// HealthCheck performs a cheap authenticated request to verify the key.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/torrents/mylist?bypass_cache=false&limit=1", nil)
	return err
}

// do runs one API request under the client's rate limiter, retrying
// transient upstream responses. The returned bytes are the envelope's data
// payload.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var data json.RawMessage

	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			payload, err := c.roundTrip(ctx, method, path, body)
			if err != nil {
				var statusErr *httpStatusError
				if errors.As(err, &statusErr) && transientStatus(statusErr.status) {
					log.Debug().Int("status", statusErr.status).Str("path", path).Msg("torbox: transient upstream response, retrying")
					return err
				}
				return retry.Unrecoverable(err)
			}

			data = payload
			return nil
		},
		retry.Attempts(transientRetryAttempts),
		retry.Delay(transientRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, redact.URLError(err)
	}

	return data, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, redact.URLError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{status: resp.StatusCode, detail: envelopeDetail(raw)}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("torbox: malformed response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("torbox: request failed: %s", envelopeMessage(&envelope))
	}

	return envelope.Data, nil
}

func envelopeDetail(raw []byte) string {
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return envelopeMessage(&envelope)
}

func envelopeMessage(envelope *apiEnvelope) string {
	if envelope.Detail != "" {
		return envelope.Detail
	}
	if envelope.Error != nil {
		return fmt.Sprintf("%v", envelope.Error)
	}
	return "unknown error"
}
