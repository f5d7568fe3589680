// Package api is the authenticated REST layer between the dabba client and
// the backend: bearer injection, idempotency keys on state-changing calls,
// duplicate in-flight suppression, and the single refresh-and-replay on 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"dabba-client/internal/logging"
)

const maxResponseBytes = 1 << 20

// TokenSource yields the current access token and can force a refresh after
// an authorization failure. Implemented by session.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type Client struct {
	http     *http.Client
	tokens   TokenSource
	logger   *logging.Logger
	inflight *inflightTable
}

func New(httpClient *http.Client, tokens TokenSource, logger *logging.Logger) *Client {
	if httpClient == nil {
		panic("api.New: http client must not be nil")
	}
	if logger == nil {
		panic("api.New: logger must not be nil")
	}
	return &Client{
		http:     httpClient,
		tokens:   tokens,
		logger:   logger,
		inflight: newInflightTable(),
	}
}

// DoJSON performs an authenticated JSON round-trip. Non-GET requests carry an
// Idempotency-Key header and share results with identical in-flight
// duplicates. A 401/403 triggers exactly one coalesced token refresh and
// replay.
func (c *Client) DoJSON(ctx context.Context, method, url string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	if method == http.MethodGet {
		data, err := c.roundTrip(ctx, method, url, payload)
		if err != nil {
			return err
		}
		return decodeInto(data, out)
	}

	key := dedupeKey(method, url, payload)
	call, leader := c.inflight.join(key)
	if !leader {
		c.logger.Debug("duplicate request coalesced",
			logging.Field("method", method),
			logging.Field("url", url),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-call.done:
		}
		if call.err != nil {
			return call.err
		}
		return decodeInto(call.data, out)
	}

	data, err := c.roundTrip(ctx, method, url, payload)
	c.inflight.complete(key, call, data, err)
	if err != nil {
		return err
	}
	return decodeInto(data, out)
}

func (c *Client) roundTrip(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	idempotencyKey := ""
	if method != http.MethodGet {
		idempotencyKey = uuid.NewString()
	}

	data, err := c.once(ctx, method, url, payload, idempotencyKey)
	if !IsUnauthorized(err) || c.tokens == nil {
		return data, err
	}

	// One refresh per request; duplicate concurrent refreshes collapse inside
	// the token source.
	refreshed, refreshErr := c.tokens.Refresh(ctx)
	if refreshErr != nil || refreshed == "" {
		c.logger.Debug("refresh after 401 failed", logging.Field("error", refreshErr))
		return data, err
	}
	c.logger.Debug("replaying request with refreshed token",
		logging.Field("method", method),
		logging.Field("url", url),
	)
	return c.once(ctx, method, url, payload, idempotencyKey)
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, idempotencyKey string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		// Same key on a refresh replay so the server can collapse the retry.
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.tokens != nil {
		token, tokenErr := c.tokens.AccessToken(ctx)
		if tokenErr != nil {
			c.logger.Debug("token lookup failed", logging.Field("error", tokenErr))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.logger.Debugf("%s %s -> %s", method, url, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 400 {
		c.logger.Warn("request failed",
			logging.Field("method", method),
			logging.Field("url", url),
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return data, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return data, nil
}

func decodeInto(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
