package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-network/atm-session/internal/auth"
	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/config"
	"github.com/atm-network/atm-session/internal/models"
	"github.com/atm-network/atm-session/internal/scheduler"
	"github.com/atm-network/atm-session/internal/services"
	"github.com/atm-network/atm-session/internal/storage"
	"github.com/atm-network/atm-session/internal/wallet"
)

const revokedToken = "revoked"

const (
	keyA = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	keyB = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

type countingSigner struct {
	inner wallet.Signer
	calls atomic.Int32
	gate  chan struct{}
	// stubborn signers keep the prompt open after cancellation, like a
	// wallet popup the user has not answered yet.
	stubborn bool
}

func (s *countingSigner) Address() string { return s.inner.Address() }

func (s *countingSigner) SignMessage(ctx context.Context, message string) (string, error) {
	s.calls.Add(1)
	if s.gate != nil {
		if s.stubborn {
			<-s.gate
		} else {
			select {
			case <-s.gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return s.inner.SignMessage(ctx, message)
}

func newSigner(t *testing.T, key string) *countingSigner {
	t.Helper()
	inner, err := wallet.NewKeySigner(key)
	require.NoError(t, err)
	return &countingSigner{inner: inner}
}

// fakeConnector lets the test drive wallet status changes directly.
type fakeConnector struct {
	mu          sync.Mutex
	session     models.WalletSession
	events      chan models.WalletSession
	signers     map[string]wallet.Signer
	disconnects int
}

func newFakeConnector(signers ...*countingSigner) *fakeConnector {
	c := &fakeConnector{events: make(chan models.WalletSession, 16), signers: make(map[string]wallet.Signer)}
	for _, s := range signers {
		c.signers[s.Address()] = s
	}
	return c
}

func (c *fakeConnector) emit(status models.ConnectionStatus, address string) {
	c.emitChain(status, address, 1)
}

func (c *fakeConnector) emitChain(status models.ConnectionStatus, address string, chainID int64) {
	ws := models.WalletSession{Address: address, ChainID: chainID, Status: status}
	c.mu.Lock()
	c.session = ws
	c.mu.Unlock()
	c.events <- ws
}

func (c *fakeConnector) Session() models.WalletSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *fakeConnector) Events() <-chan models.WalletSession { return c.events }

func (c *fakeConnector) Connect(context.Context) error { return nil }

func (c *fakeConnector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.emit(models.StatusDisconnected, "")
	return nil
}

func (c *fakeConnector) SwitchChain(_ context.Context, chainID int64) error {
	current := c.Session()
	c.emitChain(current.Status, current.Address, chainID)
	return nil
}

func (c *fakeConnector) Signer() wallet.Signer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Status != models.StatusConnected {
		return nil
	}
	return c.signers[models.NormalizeAddress(c.session.Address)]
}

type backend struct {
	nonces      atomic.Int32
	balances    atomic.Int32
	withdrawals atomic.Int32
	reject      atomic.Bool

	mu      sync.Mutex
	bearers []string
}

func (b *backend) lastBearer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bearers) == 0 {
		return ""
	}
	return b.bearers[len(b.bearers)-1]
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	write := func(result interface{}) {
		_ = json.NewEncoder(w).Encode(models.APIResponse[interface{}]{Result: result})
	}

	switch {
	case r.URL.Path == "/auth/nonce":
		b.nonces.Add(1)
		write(models.NonceResult{Nonce: "n", Message: "Sign in to ATM\nNonce: n"})
	case r.URL.Path == "/auth/verify":
		var req models.VerifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if b.reject.Load() || !wallet.VerifySignature(req.Address, req.Message, req.Signature) {
			w.WriteHeader(http.StatusUnauthorized)
			write(nil)
			return
		}
		write(models.VerifyResult{Token: "tok-" + req.Address, ExpiresAt: time.Now().Add(time.Hour).Unix()})
	case r.URL.Path == "/assets/balance":
		b.balances.Add(1)
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		b.bearers = append(b.bearers, bearer)
		b.mu.Unlock()
		if bearer == revokedToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"token revoked"}`))
			return
		}
		write(models.Balance{Available: 30, Symbol: "ATM"})
	case r.URL.Path == "/dashboard/overview":
		write(models.Overview{TotalAssets: 30})
	case strings.HasSuffix(r.URL.Path, "/count"):
		write(models.CountResult{Total: 1})
	case r.URL.Path == "/withdrawals":
		b.withdrawals.Add(1)
		write(models.WithdrawalResult{TxHash: "0xfeed", Status: "pending"})
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	session   *Session
	connector *fakeConnector
	backend   *backend
	auth      *auth.Authenticator
	store     *storage.FileStore
	services  *services.Services
	teardowns atomic.Int32
}

func testTiming() Timing {
	return Timing{
		RefreshInterval:      time.Hour,
		WithdrawRefreshDelay: 150 * time.Millisecond,
		DisconnectGrace:      60 * time.Millisecond,
	}
}

func newHarness(t *testing.T, timing Timing, connector *fakeConnector, seed *models.AuthToken) *harness {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	cfg := config.NewConfig()
	cfg.APIURL = srv.URL
	api := client.NewAPIClient(cfg)

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	if seed != nil {
		require.NoError(t, store.Save(context.Background(), seed))
	}

	authenticator := auth.New(api, store, time.Hour)
	api.SetTokenSource(authenticator)
	svc := services.New(cfg, api, cache.New(), nil, nil)

	h := &harness{
		connector: connector,
		backend:   b,
		auth:      authenticator,
		store:     store,
		services:  svc,
	}
	h.session = New(timing, connector, authenticator, svc, scheduler.New())
	authenticator.OnTeardown(func(string) { h.teardowns.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitState(t *testing.T, state State) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := h.session.Wait(ctx, func(s Snapshot) bool { return s.State == state })
	require.NoError(t, err, "waiting for %s, last state %s", state, snapshot.State)
	return snapshot
}

func (h *harness) waitBalance(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := h.session.Wait(ctx, func(s Snapshot) bool { return s.Balance != nil && !s.Refreshing })
	require.NoError(t, err)
	return snapshot
}

func TestFreshConnectionAuthenticates(t *testing.T) {
	signer := newSigner(t, keyA)
	signer.gate = make(chan struct{})
	h := newHarness(t, testTiming(), newFakeConnector(signer), nil)

	h.connector.emit(models.StatusConnecting, "")
	h.connector.emit(models.StatusConnected, signer.Address())

	snapshot := h.waitState(t, StateAwaitingSignature)
	assert.Equal(t, signer.Address(), snapshot.Address)
	assert.Nil(t, snapshot.Balance)

	close(signer.gate)
	h.waitState(t, StateAuthenticated)
	snapshot = h.waitBalance(t)

	assert.Equal(t, 30.0, snapshot.Balance.Available)
	assert.Equal(t, int32(1), signer.calls.Load())
	assert.Equal(t, "tok-"+signer.Address(), h.backend.lastBearer())
	assert.Contains(t, h.session.ScheduledTasks(), taskPeriodicRefresh)
}

func TestPersistedTokenRestoresWithoutPrompt(t *testing.T) {
	signer := newSigner(t, keyA)
	seed := &models.AuthToken{Token: "persisted", OwnerAddress: signer.Address(), ExpiresAt: time.Now().Add(time.Hour)}
	h := newHarness(t, testTiming(), newFakeConnector(signer), seed)

	h.connector.emit(models.StatusConnected, "0x"+strings.ToUpper(signer.Address()[2:]))
	h.waitState(t, StateAuthenticated)
	h.waitBalance(t)

	assert.Equal(t, int32(0), signer.calls.Load())
	assert.Equal(t, int32(0), h.backend.nonces.Load())
	assert.Equal(t, "persisted", h.backend.lastBearer())
}

func TestAuthFailureWaitsForRetry(t *testing.T) {
	signer := newSigner(t, keyA)
	h := newHarness(t, testTiming(), newFakeConnector(signer), nil)
	h.backend.reject.Store(true)

	assert.ErrorIs(t, h.session.Retry(), ErrNothingToRetry)

	h.connector.emit(models.StatusConnected, signer.Address())
	snapshot := h.waitState(t, StateAuthFailed)
	assert.NotEmpty(t, snapshot.LastError)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.backend.nonces.Load(), "no automatic retry")

	_, err := h.session.Portfolio(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	h.backend.reject.Store(false)
	require.NoError(t, h.session.Retry())
	snapshot = h.waitState(t, StateAuthenticated)
	assert.Empty(t, snapshot.LastError)
	assert.Equal(t, int32(2), signer.calls.Load())
}

func TestWithdrawalRefreshesAfterDelay(t *testing.T) {
	signer := newSigner(t, keyA)
	h := newHarness(t, testTiming(), newFakeConnector(signer), nil)
	ctx := context.Background()

	h.connector.emit(models.StatusConnected, signer.Address())
	h.waitState(t, StateAuthenticated)
	h.waitBalance(t)
	require.Equal(t, int32(1), h.backend.balances.Load())

	_, err := h.session.Withdraw(ctx, 50)
	assert.ErrorIs(t, err, services.ErrInsufficientBalance)
	assert.Equal(t, int32(0), h.backend.withdrawals.Load(), "rejected before any network call")

	result, err := h.session.Withdraw(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", result.TxHash)
	assert.Eventually(t, func() bool { return h.session.Snapshot().WithdrawalRefreshPending }, time.Second, 5*time.Millisecond)

	_, fresh := cache.Peek[models.Balance](h.services.Cache, cache.NewKey(services.KindBalance, signer.Address()), time.Minute)
	assert.False(t, fresh, "balance invalidated immediately")

	time.Sleep(75 * time.Millisecond)
	assert.Equal(t, int32(1), h.backend.balances.Load(), "no refresh before the delay")

	assert.Eventually(t, func() bool { return h.backend.balances.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.session.Snapshot().WithdrawalRefreshPending)
}

func TestDisconnectGrace(t *testing.T) {
	signer := newSigner(t, keyA)
	h := newHarness(t, testTiming(), newFakeConnector(signer), nil)
	ctx := context.Background()

	h.connector.emit(models.StatusConnected, signer.Address())
	h.waitState(t, StateAuthenticated)
	h.waitBalance(t)

	// a blip shorter than the grace window keeps the session
	h.connector.emit(models.StatusDisconnected, "")
	h.connector.emit(models.StatusConnected, signer.Address())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateAuthenticated, h.session.Snapshot().State)
	assert.Equal(t, int32(0), h.teardowns.Load())

	h.connector.emit(models.StatusDisconnected, "")
	h.waitState(t, StateDisconnected)

	assert.Equal(t, int32(1), h.teardowns.Load(), "token cleared exactly once")
	assert.Empty(t, h.session.ScheduledTasks(), "no timers survive teardown")
	assert.Equal(t, 0, h.services.Cache.Len())

	persisted, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, persisted)

	_, err = h.session.Withdraw(ctx, 1)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAddressSwitchInvalidatesPreviousOwner(t *testing.T) {
	signerA := newSigner(t, keyA)
	signerB := newSigner(t, keyB)
	h := newHarness(t, testTiming(), newFakeConnector(signerA, signerB), nil)

	h.connector.emit(models.StatusConnected, signerA.Address())
	h.waitState(t, StateAuthenticated)
	h.waitBalance(t)

	h.connector.emit(models.StatusConnected, signerB.Address())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := h.session.Wait(ctx, func(s Snapshot) bool {
		return s.State == StateAuthenticated && s.Address == signerB.Address() && s.Balance != nil
	})
	require.NoError(t, err)
	assert.Empty(t, snapshot.LastError, "switching is not an error")

	assert.Equal(t, int32(1), h.teardowns.Load())
	assert.Equal(t, signerB.Address(), h.auth.Token().OwnerAddress)
	assert.Equal(t, "tok-"+signerB.Address(), h.backend.lastBearer())

	_, ok := h.services.Balance.Known(signerA.Address())
	assert.False(t, ok, "A's cache is gone")
}

func TestLogout(t *testing.T) {
	signer := newSigner(t, keyA)
	h := newHarness(t, testTiming(), newFakeConnector(signer), nil)

	h.connector.emit(models.StatusConnected, signer.Address())
	h.waitState(t, StateAuthenticated)

	h.session.Logout()
	h.waitState(t, StateDisconnected)

	assert.Eventually(t, func() bool {
		h.connector.mu.Lock()
		defer h.connector.mu.Unlock()
		return h.connector.disconnects == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.teardowns.Load())
	assert.False(t, h.auth.IsAuthenticated())
	assert.Empty(t, h.session.ScheduledTasks())
}

func TestPeriodicRefreshStopsOnTeardown(t *testing.T) {
	signer := newSigner(t, keyA)
	timing := testTiming()
	timing.RefreshInterval = 20 * time.Millisecond
	h := newHarness(t, timing, newFakeConnector(signer), nil)

	h.connector.emit(models.StatusConnected, signer.Address())
	h.waitState(t, StateAuthenticated)

	assert.Eventually(t, func() bool { return h.backend.balances.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	h.session.Logout()
	h.waitState(t, StateDisconnected)
	time.Sleep(30 * time.Millisecond)
	seen := h.backend.balances.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, seen, h.backend.balances.Load())
}

func TestGatedOperations(t *testing.T) {
	h := newHarness(t, testTiming(), newFakeConnector(), nil)
	ctx := context.Background()

	_, err := h.session.Portfolio(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = h.session.Income(ctx, models.ListQuery{})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = h.session.IncomeTotals(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = h.session.Connections(ctx, models.KindNFT, models.ListQuery{})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = h.session.Proposals(ctx, models.ListQuery{})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, h.session.Refresh(), ErrNotAuthenticated)
	_, err = h.session.ReloadPortfolio(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, h.session.SwitchChain(ctx, 56), ErrNotAuthenticated)
	assert.Equal(t, StateDisconnected, h.session.Snapshot().State)
}

func TestMissingProviderFails(t *testing.T) {
	signer := newSigner(t, keyA)
	connector := newFakeConnector()
	h := newHarness(t, testTiming(), connector, nil)

	h.connector.emit(models.StatusConnected, signer.Address())
	snapshot := h.waitState(t, StateAuthFailed)
	assert.Equal(t, wallet.ErrNoProvider.Error(), snapshot.LastError)
}

func TestSwitchDuringSigningPromptsNewAddress(t *testing.T) {
	tests := []struct {
		name     string
		stubborn bool
	}{
		{"pending prompt is cancelled", false},
		{"pending prompt answered late", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signerA := newSigner(t, keyA)
			signerA.gate = make(chan struct{})
			signerA.stubborn = tt.stubborn
			signerB := newSigner(t, keyB)
			h := newHarness(t, testTiming(), newFakeConnector(signerA, signerB), nil)

			h.connector.emit(models.StatusConnected, signerA.Address())
			h.waitState(t, StateAwaitingSignature)
			require.Eventually(t, func() bool { return signerA.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

			h.connector.emit(models.StatusConnected, signerB.Address())
			if tt.stubborn {
				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, int32(0), signerB.calls.Load(), "B waits for A's prompt to close")
				close(signerA.gate)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			snapshot, err := h.session.Wait(ctx, func(s Snapshot) bool {
				return s.State == StateAuthenticated && s.Address == signerB.Address()
			})
			require.NoError(t, err, "last state %s", snapshot.State)

			assert.Equal(t, int32(1), signerB.calls.Load())
			assert.Equal(t, signerB.Address(), h.auth.Token().OwnerAddress)
			assert.Empty(t, snapshot.LastError)
			if !tt.stubborn {
				close(signerA.gate)
			}
		})
	}
}

func TestExpiredTokenRequestsNewSignature(t *testing.T) {
	signer := newSigner(t, keyA)
	signer.gate = make(chan struct{})
	seed := &models.AuthToken{Token: "short-lived", OwnerAddress: signer.Address(), ExpiresAt: time.Now().Add(300 * time.Millisecond)}
	h := newHarness(t, testTiming(), newFakeConnector(signer), seed)

	h.connector.emit(models.StatusConnected, signer.Address())
	h.waitState(t, StateAuthenticated)
	h.waitBalance(t)
	assert.Contains(t, h.session.ScheduledTasks(), taskTokenExpiry)

	snapshot := h.waitState(t, StateAwaitingSignature)
	assert.Equal(t, signer.Address(), snapshot.Address)
	require.Eventually(t, func() bool { return h.teardowns.Load() == 1 }, time.Second, 5*time.Millisecond, "expired token destroyed")
	assert.NotContains(t, h.session.ScheduledTasks(), taskPeriodicRefresh)
	assert.True(t, snapshot.BalanceStale, "last balance kept and marked stale")

	_, err := h.session.Portfolio(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	persisted, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, persisted)

	close(signer.gate)
	h.waitState(t, StateAuthenticated)
	assert.Equal(t, int32(1), signer.calls.Load())
	assert.Equal(t, "tok-"+signer.Address(), h.auth.BearerToken())
}

func TestRejectedTokenRequestsNewSignature(t *testing.T) {
	signer := newSigner(t, keyA)
	seed := &models.AuthToken{Token: revokedToken, OwnerAddress: signer.Address(), ExpiresAt: time.Now().Add(time.Hour)}
	h := newHarness(t, testTiming(), newFakeConnector(signer), seed)

	h.connector.emit(models.StatusConnected, signer.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := h.session.Wait(ctx, func(s Snapshot) bool {
		return s.State == StateAuthenticated && s.Balance != nil && !s.Refreshing
	})
	require.NoError(t, err, "last state %s", snapshot.State)

	assert.Equal(t, int32(1), signer.calls.Load(), "a 401 leads to one new signature")
	assert.Equal(t, int32(1), h.teardowns.Load())
	assert.Equal(t, "tok-"+signer.Address(), h.backend.lastBearer())
}

func TestSwitchChainKeepsSession(t *testing.T) {
	signer := newSigner(t, keyA)
	h := newHarness(t, testTiming(), newFakeConnector(signer), nil)

	h.connector.emit(models.StatusConnected, signer.Address())
	h.waitState(t, StateAuthenticated)
	h.waitBalance(t)

	require.NoError(t, h.session.SwitchChain(context.Background(), 56))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := h.session.Wait(ctx, func(s Snapshot) bool { return s.ChainID == 56 })
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, snapshot.State)
	assert.NotNil(t, snapshot.Balance)
	assert.Equal(t, int32(1), signer.calls.Load())
	assert.Equal(t, int32(0), h.teardowns.Load())
}
