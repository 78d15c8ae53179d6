// Package session glues the wallet connector, the authenticator and the data
// services together. One goroutine owns the session state; everything else
// talks to it through events.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atm-network/atm-session/internal/auth"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/config"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
	"github.com/atm-network/atm-session/internal/scheduler"
	"github.com/atm-network/atm-session/internal/services"
	"github.com/atm-network/atm-session/internal/wallet"
)

var (
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrNothingToRetry   = errors.New("no failed authentication to retry")
	ErrClosed           = errors.New("session is closed")
)

// Scheduled task names.
const (
	taskPeriodicRefresh = "periodic-refresh"
	taskWithdrawRefresh = "withdrawal-refresh"
	taskDisconnectGrace = "disconnect-grace"
	taskTokenExpiry     = "token-expiry"
)

// Timing holds the session's timer settings.
type Timing struct {
	RefreshInterval      time.Duration
	WithdrawRefreshDelay time.Duration
	DisconnectGrace      time.Duration
}

// TimingFromConfig extracts the timer settings.
func TimingFromConfig(cfg *config.Config) Timing {
	return Timing{
		RefreshInterval:      cfg.RefreshInterval,
		WithdrawRefreshDelay: cfg.WithdrawRefreshDelay,
		DisconnectGrace:      cfg.DisconnectGrace,
	}
}

// Snapshot is a read-only view of the session for screens.
type Snapshot struct {
	Machine
	Authenticating           bool
	WithdrawalRefreshPending bool
	UpdatedAt                time.Time
}

// Session is the unified session context.
type Session struct {
	timing    Timing
	connector wallet.Connector
	auth      *auth.Authenticator
	services  *services.Services
	scheduler *scheduler.Scheduler

	events chan Event
	done   chan struct{}
	queue  []Event

	mu        sync.RWMutex
	machine   Machine
	updatedAt time.Time
	changed   chan struct{}
	observers []func(Snapshot)

	runOnce sync.Once
}

// New wires a session. The authenticator's teardown drops the owner's cached data.
func New(timing Timing, connector wallet.Connector, authenticator *auth.Authenticator, svc *services.Services, sched *scheduler.Scheduler) *Session {
	authenticator.OnTeardown(func(owner string) {
		n := svc.Forget(owner)
		logger.Debug("Dropped %d cached resources of %s", n, owner)
	})

	return &Session{
		timing:    timing,
		connector: connector,
		auth:      authenticator,
		services:  svc,
		scheduler: sched,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		changed:   make(chan struct{}),
	}
}

// Subscribe registers fn to receive a snapshot after every transition. fn
// runs on the session goroutine and must not block.
func (s *Session) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Run owns the session until ctx is cancelled. It returns ErrClosed when
// called a second time.
func (s *Session) Run(ctx context.Context) error {
	err := ErrClosed
	s.runOnce.Do(func() {
		err = s.run(ctx)
	})
	return err
}

func (s *Session) run(ctx context.Context) error {
	defer func() {
		close(s.done)
		s.scheduler.Stop()
		logger.Debug("Session loop stopped")
	}()

	logger.Info("Session started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ws := <-s.connector.Events():
			s.dispatch(ctx, walletEvent(ws))
		case ev := <-s.events:
			s.dispatch(ctx, ev)
		}
	}
}

func walletEvent(ws models.WalletSession) Event {
	switch ws.Status {
	case models.StatusConnected:
		return Event{Kind: WalletConnected, Address: ws.Address, ChainID: ws.ChainID}
	case models.StatusDisconnected:
		return Event{Kind: WalletDisconnected}
	default:
		return Event{Kind: WalletConnecting, ChainID: ws.ChainID}
	}
}

// dispatch reduces ev and every event its synchronous effects produce.
func (s *Session) dispatch(ctx context.Context, ev Event) {
	s.queue = append(s.queue, ev)
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.apply(ctx, next)
	}
}

func (s *Session) apply(ctx context.Context, ev Event) {
	s.mu.Lock()
	before := s.machine
	after, effects := Reduce(before, ev)
	s.machine = after
	s.updatedAt = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})
	observers := append([]func(Snapshot){}, s.observers...)
	s.mu.Unlock()

	if before.State != after.State {
		logger.Info("Session %s -> %s on %s", before.State, after.State, ev.Kind)
	} else {
		logger.Debug("Session event %s in %s", ev.Kind, after.State)
	}

	for _, effect := range effects {
		s.execute(ctx, effect)
	}

	snapshot := s.Snapshot()
	for _, fn := range observers {
		fn(snapshot)
	}
}

func (s *Session) execute(ctx context.Context, effect Effect) {
	logger.Debug("Running effect %s (generation %d)", effect.Kind, effect.Generation)
	gen := effect.Generation
	address := effect.Address

	switch effect.Kind {
	case EffectSyncAddress:
		s.auth.SyncAddress(ctx, address)

	case EffectRestore:
		kind := TokenMissing
		if s.auth.RestoreSession(ctx, address) {
			kind = TokenRestored
		}
		s.queue = append(s.queue, Event{Kind: kind, Generation: gen})

	case EffectAuthenticate:
		signer := s.connector.Signer()
		go func() {
			ok, err := s.auth.Authenticate(ctx, signer, address)
			if errors.Is(err, auth.ErrAuthInProgress) {
				// an attempt for an earlier connection still runs
				select {
				case <-s.auth.Idle():
					s.post(Event{Kind: AuthenticatorIdle, Generation: gen})
				case <-ctx.Done():
				}
				return
			}
			if errors.Is(err, auth.ErrSuperseded) {
				return
			}
			if ok {
				s.post(Event{Kind: SignatureSucceeded, Generation: gen})
				return
			}
			s.post(Event{Kind: SignatureFailed, Generation: gen, Message: client.ErrorMessage(err)})
		}()

	case EffectClearAuth:
		s.auth.ClearAuth(ctx)

	case EffectRefresh:
		go func() {
			balance, err := s.services.Balance.Refresh(ctx, address)
			if client.IsUnauthorized(err) {
				logger.Warn("Backend rejected the session token of %s", address)
				s.post(Event{Kind: TokenExpired, Generation: gen})
				return
			}
			if err != nil {
				s.post(Event{Kind: BalanceRefreshed, Generation: gen, Message: client.ErrorMessage(err)})
				return
			}
			s.post(Event{Kind: BalanceRefreshed, Generation: gen, Balance: &balance})
		}()

	case EffectHydrate:
		go func() {
			if _, err := s.services.Portfolio.Fetch(ctx, address); err != nil {
				logger.Warn("Failed to load portfolio for %s: %v", address, err)
			}
		}()

	case EffectStartPeriodic:
		s.scheduler.Every(taskPeriodicRefresh, s.timing.RefreshInterval, func() {
			s.post(Event{Kind: RefreshTick, Generation: gen})
		})

	case EffectWatchExpiry:
		token := s.auth.Token()
		if token == nil {
			return
		}
		s.scheduler.After(taskTokenExpiry, time.Until(token.ExpiresAt), func() {
			s.post(Event{Kind: TokenExpired, Generation: gen})
		})

	case EffectStopTimers:
		s.scheduler.Cancel(taskPeriodicRefresh)
		s.scheduler.Cancel(taskWithdrawRefresh)
		s.scheduler.Cancel(taskTokenExpiry)

	case EffectScheduleRefresh:
		s.scheduler.After(taskWithdrawRefresh, s.timing.WithdrawRefreshDelay, func() {
			s.post(Event{Kind: RefreshRequested, Generation: gen})
		})

	case EffectScheduleDisconnect:
		s.scheduler.After(taskDisconnectGrace, s.timing.DisconnectGrace, func() {
			s.post(Event{Kind: DisconnectGraceElapsed, Generation: gen})
		})

	case EffectCancelDisconnect:
		s.scheduler.Cancel(taskDisconnectGrace)

	case EffectDisconnectWallet:
		if err := s.connector.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect wallet: %v", err)
		}
	}
}

// post hands ev to the session goroutine. It is dropped once the session stopped.
func (s *Session) post(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{Machine: s.machine, UpdatedAt: s.updatedAt}
	if s.machine.Balance != nil {
		balance := *s.machine.Balance
		snapshot.Balance = &balance
	}
	snapshot.Authenticating = s.machine.State == StateAwaitingSignature && s.auth.IsAuthenticating()
	snapshot.WithdrawalRefreshPending = s.scheduler.IsActive(taskWithdrawRefresh)
	return snapshot
}

// Wait blocks until cond holds for the session state or ctx ends.
func (s *Session) Wait(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		s.mu.RLock()
		changed := s.changed
		s.mu.RUnlock()

		snapshot := s.Snapshot()
		if cond(snapshot) {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return snapshot, ctx.Err()
		case <-s.done:
			return snapshot, ErrClosed
		case <-changed:
		}
	}
}

// WaitSettled waits until the session is authenticated or authentication failed.
func (s *Session) WaitSettled(ctx context.Context) (Snapshot, error) {
	snapshot, err := s.Wait(ctx, func(snap Snapshot) bool {
		return snap.State == StateAuthenticated || snap.State == StateAuthFailed
	})
	if err != nil {
		return snapshot, err
	}
	if snapshot.State == StateAuthFailed {
		return snapshot, errors.New(snapshot.LastError)
	}
	return snapshot, nil
}

func (s *Session) active() (Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.machine.State != StateAuthenticated || !s.auth.IsAuthenticated() {
		return s.machine, ErrNotAuthenticated
	}
	return s.machine, nil
}

// Retry starts a new authentication after a failure.
func (s *Session) Retry() error {
	s.mu.RLock()
	state := s.machine.State
	s.mu.RUnlock()
	if state != StateAuthFailed {
		return ErrNothingToRetry
	}
	s.post(Event{Kind: RetryRequested})
	return nil
}

// Logout destroys the token and disconnects the wallet.
func (s *Session) Logout() {
	s.post(Event{Kind: LogoutRequested})
}

// Refresh reloads the headline balance now.
func (s *Session) Refresh() error {
	m, err := s.active()
	if err != nil {
		return err
	}
	s.post(Event{Kind: RefreshRequested, Generation: m.Generation})
	return nil
}

// Withdraw submits a withdrawal. The balance is refreshed after the
// settlement delay.
func (s *Session) Withdraw(ctx context.Context, amount float64) (models.WithdrawalResult, error) {
	m, err := s.active()
	if err != nil {
		return models.WithdrawalResult{}, err
	}

	result, err := s.services.Withdrawals.Withdraw(ctx, m.Address, amount)
	if err != nil {
		return result, err
	}
	s.post(Event{Kind: WithdrawalSubmitted, Generation: m.Generation})
	return result, nil
}

func (s *Session) Portfolio(ctx context.Context) (models.Portfolio, error) {
	m, err := s.active()
	if err != nil {
		return models.Portfolio{}, err
	}
	return s.services.Portfolio.Fetch(ctx, m.Address)
}

// ReloadPortfolio loads the portfolio again, ignoring the cached aggregate.
func (s *Session) ReloadPortfolio(ctx context.Context) (models.Portfolio, error) {
	m, err := s.active()
	if err != nil {
		return models.Portfolio{}, err
	}
	return s.services.Portfolio.Reload(ctx, m.Address)
}

// SwitchChain asks the wallet to change network. The session for the
// connected address carries on.
func (s *Session) SwitchChain(ctx context.Context, chainID int64) error {
	if _, err := s.active(); err != nil {
		return err
	}
	return s.connector.SwitchChain(ctx, chainID)
}

func (s *Session) Income(ctx context.Context, query models.ListQuery) (models.Page[models.IncomeRecord], error) {
	m, err := s.active()
	if err != nil {
		return models.Page[models.IncomeRecord]{}, err
	}
	return s.services.Income.List(ctx, m.Address, query)
}

func (s *Session) IncomeTotals(ctx context.Context) (models.IncomeTotals, error) {
	m, err := s.active()
	if err != nil {
		return models.IncomeTotals{}, err
	}
	return s.services.Income.Totals(ctx, m.Address)
}

func (s *Session) Connections(ctx context.Context, kind models.ConnectionKind, query models.ListQuery) (models.Page[models.Connection], error) {
	m, err := s.active()
	if err != nil {
		return models.Page[models.Connection]{}, err
	}
	return s.services.Connections.List(ctx, m.Address, kind, query)
}

func (s *Session) Proposals(ctx context.Context, query models.ListQuery) (models.Page[models.Proposal], error) {
	m, err := s.active()
	if err != nil {
		return models.Page[models.Proposal]{}, err
	}
	return s.services.Proposals.List(ctx, m.Address, query)
}

// ScheduledTasks lists the timers currently pending.
func (s *Session) ScheduledTasks() []string {
	return s.scheduler.Active()
}
