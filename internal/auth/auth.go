// Package auth turns a connected wallet into a backend session token and
// keeps that token consistent with the connected address.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
	"github.com/atm-network/atm-session/internal/storage"
	"github.com/atm-network/atm-session/internal/wallet"
)

var (
	ErrAuthInProgress = errors.New("authentication already in progress")
	ErrSuperseded     = errors.New("connected address changed during authentication")
	ErrNoAddress      = errors.New("no wallet address connected")
)

// API is the backend surface the authenticator talks to.
type API interface {
	Get(ctx context.Context, endpoint string, result interface{}) error
	Post(ctx context.Context, endpoint string, body interface{}, result interface{}) error
}

// TeardownHook runs when the token of owner is destroyed.
type TeardownHook func(owner string)

// attempt is one signature exchange in flight.
type attempt struct {
	address    string
	cancel     context.CancelFunc
	done       chan struct{}
	superseded bool
}

var idle = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Authenticator owns the auth token.
type Authenticator struct {
	api      API
	store    storage.TokenStore
	lifetime time.Duration
	chainID  func() int64
	now      func() time.Time

	mu        sync.RWMutex
	address   string
	token     *models.AuthToken
	lastError string
	hooks     []TeardownHook
	attempt   *attempt

	// storeMu orders writes to the persisted token.
	storeMu sync.Mutex
}

type Option func(*Authenticator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// WithChainID reports the chain id sent along with the signature.
func WithChainID(chainID func() int64) Option {
	return func(a *Authenticator) {
		a.chainID = chainID
	}
}

// New creates an authenticator. lifetime is used when the backend does not
// say when the token expires.
func New(api API, store storage.TokenStore, lifetime time.Duration, opts ...Option) *Authenticator {
	a := &Authenticator{
		api:      api,
		store:    store,
		lifetime: lifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnTeardown registers a hook run by ClearAuth and by invalidation.
func (a *Authenticator) OnTeardown(hook TeardownHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}

// SyncAddress records the connected address. A token issued for another
// address stops being trusted right away.
func (a *Authenticator) SyncAddress(ctx context.Context, address string) {
	address = models.NormalizeAddress(address)

	a.mu.Lock()
	a.address = address
	stale := a.token != nil && a.token.OwnerAddress != address
	if a.attempt != nil && a.attempt.address != address {
		a.attempt.superseded = true
		a.attempt.cancel()
	}
	a.mu.Unlock()

	if stale {
		logger.Debug("Dropping token issued for another address")
		a.ClearAuth(ctx)
	}
}

// Address returns the tracked address.
func (a *Authenticator) Address() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.address
}

// IsAuthenticated reports whether a usable token exists for the tracked address.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token.IsUsable(a.address, a.now())
}

// IsAuthenticating reports whether a signature exchange is in flight.
func (a *Authenticator) IsAuthenticating() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.attempt != nil
}

// Idle returns a channel closed once no signature exchange is in flight.
func (a *Authenticator) Idle() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.attempt == nil {
		return idle
	}
	return a.attempt.done
}

// BearerToken implements client.TokenSource.
func (a *Authenticator) BearerToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.token.IsUsable(a.address, a.now()) {
		return ""
	}
	return a.token.Token
}

// Token returns a copy of the current token, if any.
func (a *Authenticator) Token() *models.AuthToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == nil {
		return nil
	}
	token := *a.token
	return &token
}

// LastError returns the message of the last failed authentication.
func (a *Authenticator) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

// RestoreSession adopts a persisted token when it is usable for address.
// Unusable tokens are destroyed.
func (a *Authenticator) RestoreSession(ctx context.Context, address string) bool {
	address = models.NormalizeAddress(address)

	a.mu.RLock()
	current := a.token
	a.mu.RUnlock()
	if current.IsUsable(address, a.now()) {
		return true
	}

	token, err := a.store.Load(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted session: %v", err)
		return false
	}
	if token == nil {
		return false
	}

	if !token.IsUsable(address, a.now()) {
		logger.Debug("Persisted session is expired or belongs to another address")
		a.clearStore(ctx)
		return false
	}

	a.mu.Lock()
	a.address = address
	a.token = token
	a.lastError = ""
	a.mu.Unlock()

	logger.Info("Restored session for %s (expires %s)", address, token.ExpiresAt.Format(time.RFC3339))
	return true
}

// Authenticate exchanges a wallet signature for a token. It returns
// ErrAuthInProgress without side effects while another attempt runs. An
// attempt whose address is replaced by SyncAddress is cancelled and returns
// ErrSuperseded.
func (a *Authenticator) Authenticate(ctx context.Context, signer wallet.Signer, address string) (bool, error) {
	address = models.NormalizeAddress(address)

	a.mu.Lock()
	if a.attempt != nil {
		a.mu.Unlock()
		return false, ErrAuthInProgress
	}
	if address == "" {
		a.mu.Unlock()
		return false, ErrNoAddress
	}
	if signer == nil {
		a.mu.Unlock()
		return false, wallet.ErrNoProvider
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	current := &attempt{address: address, cancel: cancel, done: make(chan struct{})}
	a.attempt = current
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.attempt = nil
		a.mu.Unlock()
		close(current.done)
	}()

	token, err := a.exchange(attemptCtx, signer, address)

	// The address check and the token write happen under one lock so a
	// concurrent SyncAddress either sees the token or supersedes it.
	a.mu.Lock()
	if current.superseded || a.address != address {
		a.mu.Unlock()
		logger.Debug("Discarding authentication result for %s: address changed", address)
		return false, ErrSuperseded
	}

	if err != nil {
		a.lastError = client.ErrorMessage(err)
		dropped := a.token != nil && a.token.OwnerAddress == address
		if dropped {
			a.token = nil
		}
		a.mu.Unlock()

		logger.Warn("Authentication failed for %s: %v", address, err)
		if dropped {
			a.clearStore(ctx)
		}
		return false, err
	}

	a.token = token
	a.lastError = ""
	a.mu.Unlock()

	a.persist(ctx, token)
	logger.Info("Authenticated %s until %s", address, token.ExpiresAt.Format(time.RFC3339))
	return true, nil
}

// persist saves token unless it was replaced or cleared in the meantime.
func (a *Authenticator) persist(ctx context.Context, token *models.AuthToken) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	a.mu.RLock()
	current := a.token == token
	a.mu.RUnlock()
	if !current {
		logger.Debug("Not persisting token of %s: session changed", token.OwnerAddress)
		return
	}

	if err := a.store.Save(ctx, token); err != nil {
		logger.Warn("Failed to persist session: %v", err)
	}
}

func (a *Authenticator) clearStore(ctx context.Context) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	if err := a.store.Clear(ctx); err != nil {
		logger.Warn("Failed to clear persisted session: %v", err)
	}
}

func (a *Authenticator) exchange(ctx context.Context, signer wallet.Signer, address string) (*models.AuthToken, error) {
	var nonce models.NonceResponse
	endpoint := client.BuildURLWithParams("/auth/nonce", map[string]string{"address": address})
	if err := a.api.Get(ctx, endpoint, &nonce); err != nil {
		return nil, fmt.Errorf("failed to request challenge: %w", err)
	}

	message := nonce.Result.Message
	if message == "" {
		message = fmt.Sprintf("Sign in to ATM Network\nAddress: %s\nNonce: %s", address, nonce.Result.Nonce)
	}

	signature, err := signer.SignMessage(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("signature rejected: %w", err)
	}

	request := models.VerifyRequest{Address: address, Message: message, Signature: signature}
	if a.chainID != nil {
		request.ChainID = a.chainID()
	}

	var verified models.VerifyResponse
	if err := a.api.Post(ctx, "/auth/verify", request, &verified); err != nil {
		return nil, fmt.Errorf("backend rejected signature: %w", err)
	}
	if verified.Result.Token == "" {
		return nil, errors.New("backend returned an empty token")
	}

	return &models.AuthToken{
		Token:        verified.Result.Token,
		OwnerAddress: address,
		ExpiresAt:    a.expiry(verified.Result),
	}, nil
}

// expiry prefers the backend's expires_at, then the JWT exp claim, then the
// configured lifetime.
func (a *Authenticator) expiry(result models.VerifyResult) time.Time {
	if result.ExpiresAt > 0 {
		return time.Unix(result.ExpiresAt, 0)
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(result.Token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}

	return a.now().Add(a.lifetime)
}

// ClearAuth destroys the token, runs the teardown hooks for its owner and
// resets the error. Calling it again is a no-op.
func (a *Authenticator) ClearAuth(ctx context.Context) {
	a.mu.Lock()
	token := a.token
	a.token = nil
	a.lastError = ""
	hooks := append([]TeardownHook(nil), a.hooks...)
	a.mu.Unlock()

	a.clearStore(ctx)

	if token == nil {
		return
	}

	logger.Info("Cleared session for %s", token.OwnerAddress)
	for _, hook := range hooks {
		hook(token.OwnerAddress)
	}
}
