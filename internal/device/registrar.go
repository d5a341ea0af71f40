// Package device registers the push token with the remote authority,
// retrying transient failures under an explicit policy.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matheus3301/tripsafe/internal/transport"
)

// Policy bounds the registration retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when the configuration leaves a field unset.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Backoff returns the exponential schedule described by p.
func (p Policy) Backoff() retry.Backoff {
	p = p.withDefaults()
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// API is the authority endpoint used for registration.
type API interface {
	RegisterDevice(ctx context.Context, token string, in transport.DeviceRegistration) error
}

// Authorizer runs a call with the current access token.
type Authorizer interface {
	Do(ctx context.Context, fn func(ctx context.Context, token string) error) error
}

// Registrar owns at most one background registration loop.
type Registrar struct {
	api      API
	auth     Authorizer
	policy   Policy
	platform string
	logger   *zap.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	registered string
}

// NewRegistrar creates a registrar.
func NewRegistrar(api API, auth Authorizer, policy Policy, platform string, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		api:      api,
		auth:     auth,
		policy:   policy.withDefaults(),
		platform: platform,
		logger:   logger,
	}
}

// Register sends pushToken, retrying connectivity and server failures until
// the policy gives up or ctx ends.
func (r *Registrar) Register(ctx context.Context, pushToken string) error {
	attempt := 0
	err := retry.Do(ctx, r.policy.Backoff(), func(ctx context.Context) error {
		attempt++
		err := r.auth.Do(ctx, func(ctx context.Context, token string) error {
			return r.api.RegisterDevice(ctx, token, transport.DeviceRegistration{Token: pushToken, Platform: r.platform})
		})
		switch transport.Classify(err) {
		case transport.ClassNone:
			return nil
		case transport.ClassConnectivity, transport.ClassServer:
			r.logger.Debug("device registration attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return fmt.Errorf("register device after %d attempts: %w", attempt, err)
	}

	r.mu.Lock()
	r.registered = pushToken
	r.mu.Unlock()
	r.logger.Info("device registered", zap.Int("attempts", attempt))
	return nil
}

// Start registers pushToken in the background, cancelling any earlier run.
// The returned channel receives the outcome once.
func (r *Registrar) Start(pushToken string) <-chan error {
	r.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	result := make(chan error, 1)

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := r.Register(ctx, pushToken)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("device registration failed", zap.Error(err))
		}
		result <- err
	}()
	return result
}

// Cancel stops the background run, if any, and waits for it to exit. No
// attempt is scheduled after Cancel returns.
func (r *Registrar) Cancel() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Registered returns the last push token accepted by the authority.
func (r *Registrar) Registered() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.registered != ""
}

// Forget cancels any run and drops the registered token, as on sign-out.
func (r *Registrar) Forget() {
	r.Cancel()
	r.mu.Lock()
	r.registered = ""
	r.mu.Unlock()
}
