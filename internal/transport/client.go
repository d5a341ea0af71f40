// Package transport is the HTTP collaborator that talks to the remote
// authority. It encodes requests, attaches the bearer credential and turns
// every failure into one of the error types in errors.go.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

// Client performs JSON requests against the authority's base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client. A zero timeout means no client-side timeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Request describes one call. Token and IdempotencyKey are optional.
type Request struct {
	Method         string
	Path           string
	Token          string
	IdempotencyKey string
	Body           any
}

// Get fetches path into out.
func (c *Client) Get(ctx context.Context, path, token string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Token: token}, out)
}

// Post sends body to path and decodes the reply into out.
func (c *Client) Post(ctx context.Context, path, token string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Token: token, Body: body}, out)
}

// Put replaces the resource at path.
func (c *Client) Put(ctx context.Context, path, token string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Token: token, Body: body}, out)
}

// Patch partially updates the resource at path.
func (c *Client) Patch(ctx context.Context, path, token string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Token: token, Body: body}, out)
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path, token string) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path, Token: token}, nil)
}

// Do executes r. When out is non-nil a 2xx body is decoded into it; an
// empty body leaves out untouched.
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	var body io.Reader
	if r.Body != nil {
		buf, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = idempotencyKeyFrom(ctx)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if r.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectivityError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.statusError(r, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectivityError{Err: fmt.Errorf("read body: %w", err)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

func (c *Client) statusError(r Request, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(raw, resp.Status)
	c.logger.Debug("request failed",
		zap.String("method", r.Method), zap.String("path", r.Path),
		zap.Int("status", resp.StatusCode), zap.String("message", msg))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode, Message: msg}
	default:
		return &ClientError{Status: resp.StatusCode, Message: msg}
	}
}

// errorMessage extracts {"detail": ...} or {"error": ...} from an error
// body, falling back to the status text.
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		for _, s := range []string{body.Detail, body.Error, body.Message} {
			if s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 200 {
		return s
	}
	return fallback
}
