// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"mstock-trader/internal/broker"
	"mstock-trader/internal/config"
	"mstock-trader/internal/credentials"
	"mstock-trader/internal/engine"
	"mstock-trader/internal/logging"
	"mstock-trader/internal/metrics"
	"mstock-trader/internal/notify"
	"mstock-trader/internal/state"
	"mstock-trader/internal/store"
)

// App holds the application dependencies shared by every command.
type App struct {
	Version string
	Logger  zerolog.Logger

	settingsPath string
	envPath      string
	provider     *config.Provider
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(version string) *cobra.Command {
	app := &App{Version: version, Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "mstock-trader",
		Short: "RSI trading engine for NSE/BSE equities on mStock",
		Long: `mstock-trader trades a configured list of Indian equities on RSI signals
through the mStock (Mirae Asset) REST API, with per-position stop-loss,
profit target and catastrophic exits plus a daily loss circuit breaker.

Paper trading mode simulates every fill against live quotes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			return app.load(cmd.Name() == "run", debug)
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.settingsPath, "settings", "settings.json", "path to settings.json")
	rootCmd.PersistentFlags().StringVar(&app.envPath, "env", "", "legacy .env file (default: next to settings.json)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addEngineCommands(rootCmd, app)
	addReportCommands(rootCmd, app)
	addAccountCommands(rootCmd, app)

	return rootCmd
}

// load reads settings and builds the logger. Only the engine logs to the
// console; the other commands log to file so their output stays clean.
func (a *App) load(console, debug bool) error {
	opts := []config.Option{config.WithLogger(a.Logger)}
	if a.envPath != "" {
		opts = append(opts, config.WithEnvFile(a.envPath))
	}
	provider, err := config.Load(a.settingsPath, opts...)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	a.provider = provider

	snap := provider.Snapshot()
	logCfg := logging.DefaultLogConfig()
	logCfg.Console = console
	if snap.App.LogLevel != "" {
		logCfg.Level = snap.App.LogLevel
	}
	if snap.App.LogFile != "" {
		logCfg.FilePath = snap.App.LogFile
	}
	if debug {
		logCfg.Level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(logCfg)
	return nil
}

// Settings returns the current settings snapshot.
func (a *App) Settings() *config.Settings {
	return a.provider.Snapshot()
}

// OpenState opens the shared state file.
func (a *App) OpenState() (*state.Store, error) {
	return state.Open(a.Settings().App.StateFile, a.Logger)
}

// OpenTrades opens the trade database.
func (a *App) OpenTrades() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(a.Settings().App.DBPath)
}

// services is everything a broker-facing command needs.
type services struct {
	trades      *store.SQLiteStore
	state       *state.Store
	notifier    notify.Notifier
	credentials *credentials.Store
	conn        *broker.Connectivity
	gateway     broker.Gateway
	metrics     *metrics.Recorder
	engine      *engine.Engine
}

func (s *services) Close() error {
	if s.trades == nil {
		return nil
	}
	return s.trades.Close()
}

// openServices wires the gateway, stores and engine from the current settings.
func (a *App) openServices() (*services, error) {
	snap := a.Settings()
	trades, err := a.OpenTrades()
	if err != nil {
		return nil, fmt.Errorf("opening trade database: %w", err)
	}
	st, err := a.OpenState()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("opening state file: %w", err), trades.Close())
	}

	s := &services{
		trades:   trades,
		state:    st,
		notifier: notify.NewMultiNotifier(snap.Notifications, a.Logger),
		conn:     broker.NewConnectivity(a.Logger),
		metrics:  metrics.New(),
	}

	var verifier credentials.Verifier
	if !isZerodha(snap) {
		verifier = broker.NewSessionClient(snap.Broker.BaseURL, nil, a.Logger)
	}
	s.credentials = credentials.New(credentials.Config{
		Settings: a.provider,
		Verifier: verifier,
		State:    st,
		Alerts:   s.notifier,
		Logger:   a.Logger,
	})

	var live broker.Gateway
	if isZerodha(snap) {
		live = broker.NewKiteGateway(broker.KiteConfig{Connectivity: s.conn, Logger: a.Logger}, s.credentials)
	} else {
		live = broker.NewMiraeGateway(broker.MiraeConfig{
			BaseURL:      snap.Broker.BaseURL,
			Aliases:      snap.SymbolAliases,
			Connectivity: s.conn,
			Logger:       a.Logger,
		}, s.credentials)
	}
	s.gateway = live
	if snap.IsPaperMode() {
		var data broker.Gateway
		if snap.HasLiveCredentials() {
			data = live
		} else {
			a.Logger.Warn().Msg("No broker credentials, paper mode has no market data")
		}
		s.gateway = broker.NewPaperGateway(broker.PaperConfig{
			Data:           data,
			Store:          trades,
			InitialBalance: snap.Capital.AllocatedLimit,
			Logger:         a.Logger,
		})
	}

	s.engine = engine.New(engine.Config{
		Gateway:      s.gateway,
		Connectivity: s.conn,
		Settings:     a.provider,
		Trades:       trades,
		State:        st,
		Notifier:     s.notifier,
		Metrics:      s.metrics,
		Login:        s.credentials,
		Logger:       a.Logger,
	})
	return s, nil
}

func isZerodha(snap *config.Settings) bool {
	return strings.EqualFold(snap.Broker.Name, "zerodha")
}

// withServices runs fn with wired services and closes them afterwards.
func (a *App) withServices(ctx context.Context, fn func(ctx context.Context, s *services) error) (err error) {
	s, err := a.openServices()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Close()) }()
	return fn(ctx, s)
}
