// Package auth owns the access credential. Every authorized call goes
// through Coordinator.Do, which refreshes an expired credential at most once
// per call and never runs two refreshes at the same time.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/transport"
)

const (
	// DefaultWaitTimeout bounds how long a caller waits for a refresh.
	DefaultWaitTimeout = 30 * time.Second

	refreshCallTimeout = time.Minute
)

// ErrSignedOut is returned by Do when no credential is held.
var ErrSignedOut = fmt.Errorf("signed out: %w", transport.ErrUnauthorized)

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
}

// TokenStore persists the credential backup.
type TokenStore interface {
	SaveTokens(ctx context.Context, t model.Tokens) error
	LoadTokens(ctx context.Context) (model.Tokens, error)
	ClearTokens(ctx context.Context) error
}

// Coordinator holds the credential and single-flights its refresh.
type Coordinator struct {
	refresher   Refresher
	store       TokenStore
	logger      *zap.Logger
	waitTimeout time.Duration

	mu     sync.Mutex
	tokens model.Tokens

	group   singleflight.Group
	waiting atomic.Int32
}

// New creates a coordinator. A non-positive waitTimeout uses
// DefaultWaitTimeout.
func New(refresher Refresher, store TokenStore, waitTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Coordinator{
		refresher:   refresher,
		store:       store,
		logger:      logger,
		waitTimeout: waitTimeout,
	}
}

// Restore loads the persisted credential backup.
func (c *Coordinator) Restore(ctx context.Context) error {
	t, err := c.store.LoadTokens(ctx)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
	return nil
}

// SignIn installs a freshly issued credential pair.
func (c *Coordinator) SignIn(ctx context.Context, t model.Tokens) {
	c.setTokens(ctx, t)
}

// SignOut drops the credential from memory and from the backup.
func (c *Coordinator) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.tokens = model.Tokens{}
	c.mu.Unlock()
	if err := c.store.ClearTokens(ctx); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// SignedIn reports whether a credential is held.
func (c *Coordinator) SignedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.tokens.Empty()
}

// AccessToken returns the current access token.
func (c *Coordinator) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.AccessToken
}

func (c *Coordinator) setTokens(ctx context.Context, t model.Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
	if err := c.store.SaveTokens(ctx, t); err != nil {
		c.logger.Warn("token backup failed, keeping credential in memory only", zap.Error(err))
	}
}

// ErrRefreshTimeout is wrapped in a ConnectivityError when a caller stops
// waiting for a refresh that is still in flight.
var ErrRefreshTimeout = errors.New("token refresh wait timed out")

// errRejected marks a refresh the authority answered with a refusal.
var errRejected = errors.New("refresh rejected")

// Refresh obtains a new access token. Concurrent callers share one network
// call and its result. A caller that waits longer than the wait timeout, or
// whose ctx ends first, gets an error while the refresh itself keeps running.
//
// A refresh the authority refused returns an error matching
// transport.ErrUnauthorized. A refresh that never got an answer keeps the
// connectivity or server class of its failure.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.refresh()
	})
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.Err
	case <-timer.C:
		c.logger.Warn("token refresh wait timed out", zap.Duration("timeout", c.waitTimeout))
		return &transport.ConnectivityError{Err: ErrRefreshTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) refresh() error {
	c.mu.Lock()
	refreshToken := c.tokens.RefreshToken
	c.mu.Unlock()
	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token: %w", errRejected, transport.ErrUnauthorized)
	}

	// Detached from any caller so a waiter giving up cannot cancel it.
	ctx, cancel := context.WithTimeout(context.Background(), refreshCallTimeout)
	defer cancel()

	t, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		c.logger.Warn("token refresh failed", zap.Error(err))
		return refreshFailure(err)
	}
	t.UpdatedAt = time.Now().UTC()
	c.setTokens(ctx, t)
	c.logger.Info("access token refreshed")
	return nil
}

// refreshFailure keeps transient failures transient. Anything the authority
// answered with a 4xx is a refusal of the credential.
func refreshFailure(err error) error {
	switch transport.Classify(err) {
	case transport.ClassConnectivity, transport.ClassServer:
		return fmt.Errorf("refresh token: %w", err)
	case transport.ClassUnauthorized:
		return fmt.Errorf("%w: %w", errRejected, err)
	case transport.ClassClient:
		return fmt.Errorf("%w: %w: %w", errRejected, transport.ErrUnauthorized, err)
	case transport.ClassDecode:
		return &transport.ServerError{Status: http.StatusBadGateway, Message: "unreadable refresh response: " + err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &transport.ConnectivityError{Err: err}
	}
	return &transport.ServerError{Status: http.StatusBadGateway, Message: "refresh token: " + err.Error()}
}

// Do runs fn with the current access token. If fn reports the token was
// rejected, the credential is refreshed once and fn is retried with the new
// token. When the authority refuses the refresh, the original rejection is
// returned; when the refresh itself could not complete, its error is.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token := c.AccessToken()
	if token == "" {
		return ErrSignedOut
	}
	err := fn(ctx, token)
	if !errors.Is(err, transport.ErrUnauthorized) {
		return err
	}

	// Another caller may already have refreshed while fn was in flight.
	if fresh := c.AccessToken(); fresh != "" && fresh != token {
		return fn(ctx, fresh)
	}
	if rerr := c.Refresh(ctx); rerr != nil {
		if errors.Is(rerr, errRejected) {
			return err
		}
		return rerr
	}
	return fn(ctx, c.AccessToken())
}
