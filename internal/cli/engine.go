package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"mstock-trader/internal/config"
	"mstock-trader/internal/store"
	"mstock-trader/pkg/utils"
)

// addEngineCommands adds the commands that start, stop and halt the engine.
func addEngineCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStopCmd(app))
	rootCmd.AddCommand(newResumeCmd(app))
	rootCmd.AddCommand(newPanicCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		Long: `Start the trading engine in the foreground.

Each cycle the engine refreshes positions, applies the risk exits, then
evaluates every enabled instrument. It stops on Ctrl-C, on 'stop' from
another terminal, or after 'panic'. settings.json is reloaded on change.`,
		Example: `  mstock-trader run
  mstock-trader run --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			output := NewOutput(cmd)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.withServices(ctx, func(ctx context.Context, s *services) error {
				if s.state.StopRequested() {
					if err := s.state.SetStopRequested(false); err != nil {
						return fmt.Errorf("clearing stop request: %w", err)
					}
					app.Logger.Info().Msg("Cleared stop request left by a previous run")
				}

				app.provider.OnChange(func(snap *config.Settings) {
					app.Logger.Info().
						Int("instruments", len(snap.Stocks)).
						Bool("paper", snap.IsPaperMode()).
						Msg("Settings changed, applying from next cycle")
				})
				app.provider.Watch()

				snap := app.Settings()
				output.Bold("mstock-trader %s", app.Version)
				for _, verr := range multierr.Errors(snap.Validate()) {
					app.Logger.Warn().Err(verr).Msg("Invalid setting")
					output.Warning("%v", verr)
				}
				if snap.IsPaperMode() {
					output.Warning("PAPER TRADING MODE: fills are simulated")
				} else {
					output.Info("LIVE TRADING on %s", s.gateway.Name())
					if !snap.HasLiveCredentials() {
						output.Error("No broker credentials: live orders are refused until broker.api_key and an access token or TOTP secret are set")
						output.Dim("Paper mode (app.paper_trading_mode) works without them")
					}
				}
				output.Printf("  Capital:  %s (%.1f%% per trade)\n", utils.FormatIndianCurrency(snap.Capital.AllocatedLimit), snap.Capital.PerTradePct)
				output.Printf("  Settings: %s\n", app.settingsPath)
				output.Dim("Stop with Ctrl-C or 'mstock-trader stop'")

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				g, gctx := errgroup.WithContext(ctx)
				if metricsAddr != "" {
					g.Go(func() error {
						return s.metrics.Serve(gctx, metricsAddr, app.Logger)
					})
				}
				g.Go(func() error {
					defer cancel()
					return s.engine.Run(gctx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func newStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running engine to stop after its current step",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := app.OpenState()
			if err != nil {
				return err
			}
			if err := st.SetStopRequested(true); err != nil {
				return fmt.Errorf("requesting stop: %w", err)
			}
			trades, err := app.OpenTrades()
			if err != nil {
				return err
			}
			defer trades.Close()
			if err := trades.SetControl(cmd.Context(), store.ControlBotStatus, store.BotStatusStopped); err != nil {
				return fmt.Errorf("recording stop: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"stop_requested": true})
			}
			output.Success("Stop requested")
			output.Dim("A running engine exits within a few seconds. Use 'resume' to clear.")
			return nil
		},
	}
}

func newResumeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Clear a stop request, optionally resetting the circuit breaker",
		Example: `  mstock-trader resume
  mstock-trader resume --reset-breaker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			resetBreaker, _ := cmd.Flags().GetBool("reset-breaker")

			st, err := app.OpenState()
			if err != nil {
				return err
			}
			if err := st.SetStopRequested(false); err != nil {
				return fmt.Errorf("clearing stop request: %w", err)
			}
			if resetBreaker {
				if err := st.SetCircuitBreaker(false, time.Now()); err != nil {
					return fmt.Errorf("resetting circuit breaker: %w", err)
				}
			}

			running := botStatus(cmd.Context(), app) == store.BotStatusRunning
			if output.IsJSON() {
				return output.JSON(map[string]bool{
					"stop_requested": false,
					"breaker_reset":  resetBreaker,
					"running":        running,
				})
			}
			output.Success("Stop request cleared")
			if resetBreaker {
				output.Warning("Circuit breaker reset; it latches again if the daily loss is still past the limit")
			}
			if !running {
				output.Dim("The engine is not running. Start it with 'mstock-trader run'.")
			}
			return nil
		},
	}
	cmd.Flags().Bool("reset-breaker", false, "also clear today's circuit breaker")
	return cmd
}

func newPanicCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "panic",
		Short: "Cancel all open orders, square off every position and stop",
		Long: `Emergency exit. Cancels every open order, sells every position at
market (including holdings the engine never bought) and raises the stop
flag so a running engine exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				output.Error("Refusing to square off without --yes")
				return fmt.Errorf("panic needs --yes")
			}

			return app.withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				cancelled, closed, err := s.engine.Panic(ctx)
				if output.IsJSON() {
					res := map[string]interface{}{"cancelled": cancelled, "closed": closed}
					if err != nil {
						res["error"] = err.Error()
					}
					if jerr := output.JSON(res); jerr != nil {
						return jerr
					}
					return err
				}
				output.Printf("  Orders cancelled:    %d\n", cancelled)
				output.Printf("  Positions closed:    %d\n", closed)
				if err != nil {
					output.Error("Panic finished with errors: %v", err)
					return err
				}
				output.Success("All positions squared off, engine stopped")
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the square-off")
	return cmd
}

// botStatus reads the engine status row, "" when unknown.
func botStatus(ctx context.Context, app *App) string {
	trades, err := app.OpenTrades()
	if err != nil {
		return ""
	}
	defer trades.Close()
	status, _, err := trades.GetControl(ctx, store.ControlBotStatus)
	if err != nil {
		return ""
	}
	return status
}
