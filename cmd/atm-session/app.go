package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atm-network/atm-session/internal/auth"
	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/chain"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/config"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/scheduler"
	"github.com/atm-network/atm-session/internal/services"
	"github.com/atm-network/atm-session/internal/session"
	"github.com/atm-network/atm-session/internal/storage"
	"github.com/atm-network/atm-session/internal/wallet"
)

// app holds everything a command needs.
type app struct {
	config    *config.Config
	api       *client.APIClient
	eth       *ethclient.Client
	connector *wallet.KeyConnector
	auth      *auth.Authenticator
	services  *services.Services
	session   *session.Session
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newTokenStore(cfg *config.Config) (storage.TokenStore, func(), error) {
	switch cfg.TokenStore {
	case config.TokenStoreRedis:
		rdb, err := storage.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRedisStore(rdb, cfg.Profile), func() { _ = rdb.Close() }, nil
	default:
		dir := cfg.DataDir
		if dir == "" {
			var err error
			if dir, err = storage.GetAppDataDir(); err != nil {
				return nil, nil, err
			}
		}
		store, err := storage.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("Persisting session in %s", store.Path())
		return store, func() {}, nil
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("no wallet key configured, set ATM_PRIVATE_KEY")
	}

	a := &app{config: cfg}

	store, closeStore, err := newTokenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	a.closers = append(a.closers, closeStore)

	signer, err := wallet.NewKeySigner(cfg.PrivateKey)
	if err != nil {
		a.Close()
		return nil, err
	}

	var chainID chain.ChainIDReader
	var balances services.WalletBalanceReader
	if cfg.RPCURL != "" {
		a.eth, err = chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.eth.Close)
		chainID = a.eth

		if cfg.TokenContract != "" {
			reader, err := chain.NewTokenReader(a.eth, cfg.TokenContract, cfg.MaxRetries, cfg.RetryDelay)
			if err != nil {
				a.Close()
				return nil, err
			}
			balances = reader
		}
	}

	a.connector = wallet.NewKeyConnector(signer, cfg.ChainID, chainID)
	currentChain := func() int64 { return a.connector.Session().ChainID }

	a.api = client.NewAPIClient(cfg)
	a.auth = auth.New(a.api, store, cfg.TokenLifetime, auth.WithChainID(currentChain))
	a.api.SetTokenSource(a.auth)

	a.services = services.New(cfg, a.api, cache.New(), balances, currentChain)
	a.session = session.New(session.TimingFromConfig(cfg), a.connector, a.auth, a.services, scheduler.New())
	return a, nil
}

// start runs the session loop and connects the wallet. The returned
// function stops the loop and waits for it.
func (a *app) start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.session.Run(ctx)
	}()

	stop := func() {
		cancel()
		<-done
	}

	if err := a.connector.Connect(ctx); err != nil {
		stop()
		return nil, fmt.Errorf("failed to connect wallet: %w", err)
	}
	return stop, nil
}

// authenticated starts the session and waits until it is usable.
func (a *app) authenticated(ctx context.Context) (func(), error) {
	stop, err := a.start(ctx)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.config.APITimeout*2)
	defer cancel()

	snapshot, err := a.session.WaitSettled(waitCtx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	log := logger.With(snapshot.Address)
	log.Info().Int64("chain_id", snapshot.ChainID).Msg("Session ready")
	return stop, nil
}

// signOut forgets the persisted session. It does not connect the wallet or
// ask for a signature first.
func (a *app) signOut(ctx context.Context) {
	a.auth.ClearAuth(ctx)
	logger.Info("Signed out")
}

// switchChain moves an authenticated session to chainID and waits for the
// wallet to report it.
func (a *app) switchChain(ctx context.Context, chainID int64) error {
	if err := a.session.SwitchChain(ctx, chainID); err != nil {
		return fmt.Errorf("failed to switch to chain %d: %w", chainID, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.config.APITimeout)
	defer cancel()
	if _, err := a.session.Wait(waitCtx, func(s session.Snapshot) bool { return s.ChainID == chainID }); err != nil {
		return fmt.Errorf("wallet did not switch to chain %d: %w", chainID, err)
	}
	return nil
}
