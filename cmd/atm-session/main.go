package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atm-network/atm-session/internal/config"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
	"github.com/atm-network/atm-session/internal/session"
	"github.com/atm-network/atm-session/internal/tui"
	"github.com/atm-network/atm-session/internal/utils"
)

type options struct {
	apiURL     string
	rpcURL     string
	chainID    int64
	tokenStore string
	profile    string
	logLevel   string
	switchTo   int64
	headless   bool
}

func (o options) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	cfg.LoadFromEnvironment()

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = o.apiURL
	}
	if flags.Changed("rpc-url") {
		cfg.RPCURL = o.rpcURL
	}
	if flags.Changed("chain-id") {
		cfg.ChainID = o.chainID
	}
	if flags.Changed("token-store") {
		cfg.TokenStore = o.tokenStore
	}
	if flags.Changed("profile") {
		cfg.Profile = o.profile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runHeadless(ctx context.Context, a *app) error {
	a.session.Subscribe(func(s session.Snapshot) {
		log := logger.With(s.Address)
		event := log.Info().Str("state", s.State.String()).Int64("chain_id", s.ChainID)
		if s.Balance != nil {
			event = event.Float64("available", s.Balance.Available).Bool("stale", s.BalanceStale)
		}
		if s.LastError != "" {
			event = event.Str("error", s.LastError)
		}
		event.Msg("Session updated")
	})

	stop, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func main() {
	loaded := utils.LoadEnvironment()

	var (
		opts   options
		cfg    *config.Config
		ctx    context.Context
		cancel context.CancelFunc
	)

	rootCmd := &cobra.Command{
		Use:   "atm-session",
		Short: "Wallet session client for the ATM Network",
		Long:  `atm-session signs in to the ATM Network with a wallet key and keeps the session, balance and dashboard data fresh.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = opts.config(cmd); err != nil {
				return err
			}

			if cmd.Name() == "atm-session" && !opts.headless {
				if _, err := logger.InitFileOnly(cfg.LogLevel); err != nil {
					return err
				}
			} else {
				logger.Init(cfg.LogLevel)
			}
			for _, file := range loaded {
				logger.Debug("Loaded environment from %s", file)
			}

			ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			cancel()
			logger.Close()
		},
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to initialize: %v", err)
			}
			defer a.Close()

			if opts.headless {
				if err := runHeadless(ctx, a); err != nil {
					logger.Error("Session ended with error: %v", err)
				}
				return
			}

			monitor := tui.NewSessionMonitor(a.session, a.connector.Connect, cfg.RefreshInterval)
			if err := monitor.Run(ctx); err != nil {
				logger.Error("Dashboard error: %v", err)
			}
		},
	}

	// withSession runs fn against an authenticated session.
	withSession := func(fn func(a *app) error) func(cmd *cobra.Command, args []string) {
		return func(cmd *cobra.Command, args []string) {
			a, err := newApp(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to initialize: %v", err)
			}
			defer a.Close()

			stop, err := a.authenticated(ctx)
			if err != nil {
				logger.Fatal("%v", err)
			}
			defer stop()

			if opts.switchTo != 0 {
				if err := a.switchChain(ctx, opts.switchTo); err != nil {
					logger.Fatal("%v", err)
				}
			}

			if err := fn(a); err != nil {
				logger.Error("%v", err)
			}
		}
	}

	portfolioCmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Print the dashboard overview",
		Run: withSession(func(a *app) error {
			portfolio, err := a.session.Portfolio(ctx)
			if err != nil {
				return fmt.Errorf("failed to load portfolio: %w", err)
			}
			return printJSON(portfolio)
		}),
	}

	var query models.ListQuery
	var totals bool
	incomeCmd := &cobra.Command{
		Use:   "income",
		Short: "List income records",
		Run: withSession(func(a *app) error {
			if totals {
				result, err := a.session.IncomeTotals(ctx)
				if err != nil {
					return fmt.Errorf("failed to load income totals: %w", err)
				}
				return printJSON(result)
			}
			page, err := a.session.Income(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to load income: %w", err)
			}
			return printJSON(page)
		}),
	}
	incomeCmd.Flags().BoolVar(&totals, "totals", false, "Print totals per status instead of a page")

	var kind string
	connectionsCmd := &cobra.Command{
		Use:   "connections",
		Short: "List connected tokens, NFTs or nodes",
		Run: withSession(func(a *app) error {
			page, err := a.session.Connections(ctx, models.ConnectionKind(kind), query)
			if err != nil {
				return fmt.Errorf("failed to load %s connections: %w", kind, err)
			}
			return printJSON(page)
		}),
	}
	connectionsCmd.Flags().StringVar(&kind, "kind", string(models.KindToken), "Connection kind: token, nft or node")

	proposalsCmd := &cobra.Command{
		Use:   "proposals",
		Short: "List governance proposals",
		Run: withSession(func(a *app) error {
			page, err := a.session.Proposals(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to load proposals: %w", err)
			}
			return printJSON(page)
		}),
	}

	for _, c := range []*cobra.Command{incomeCmd, connectionsCmd, proposalsCmd} {
		c.Flags().StringVar(&query.Tab, "tab", "", "Status tab to filter by")
		c.Flags().StringVar(&query.Search, "search", "", "Free-text search")
		c.Flags().IntVar(&query.Page, "page", 1, "Page number")
		c.Flags().IntVar(&query.PageSize, "page-size", 20, "Records per page")
	}

	var amount float64
	withdrawCmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw from the available balance",
		Run: withSession(func(a *app) error {
			result, err := a.session.Withdraw(ctx, amount)
			if err != nil {
				return fmt.Errorf("withdrawal failed: %w", err)
			}
			logger.Info("Withdrawal submitted: %s (%s)", result.TxHash, result.Status)
			return printJSON(result)
		}),
	}
	withdrawCmd.Flags().Float64Var(&amount, "amount", 0, "Amount to withdraw")
	_ = withdrawCmd.MarkFlagRequired("amount")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the persisted session",
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to initialize: %v", err)
			}
			defer a.Close()

			a.signOut(ctx)
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Wait until the ATM API answers",
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp(ctx, cfg)
			if err != nil {
				logger.Fatal("Failed to initialize: %v", err)
			}
			defer a.Close()

			if err := a.api.WaitForAPIReady(ctx); err != nil {
				logger.Fatal("API not ready: %v", err)
			}
			logger.Info("API at %s is ready", cfg.APIURL)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", "", "ATM API base URL (default from ATM_API_URL)")
	flags.StringVar(&opts.rpcURL, "rpc-url", "", "EVM RPC endpoint used for chain id and token balance")
	flags.Int64Var(&opts.chainID, "chain-id", 0, "Chain id reported when no RPC endpoint is set")
	flags.StringVar(&opts.tokenStore, "token-store", "", "Where to persist the session token: file or redis")
	flags.StringVar(&opts.profile, "profile", "", "Profile name, keeps sessions of several wallets apart")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.Int64Var(&opts.switchTo, "switch-chain", 0, "Ask the wallet to switch to this chain id after signing in")
	rootCmd.Flags().BoolVar(&opts.headless, "headless", false, "Log session updates instead of showing the dashboard")

	rootCmd.AddCommand(portfolioCmd, incomeCmd, connectionsCmd, proposalsCmd, withdrawCmd, logoutCmd, pingCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("Failed to execute command: %v", err)
	}
}
