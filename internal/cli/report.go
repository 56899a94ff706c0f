package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mstock-trader/internal/models"
	"mstock-trader/internal/store"
	"mstock-trader/pkg/utils"
)

// addReportCommands adds the read-only views.
func addReportCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newPerformanceCmd(app))
}

// statusView is the JSON form of the status command.
type statusView struct {
	Mode              string    `json:"mode"`
	Market            string    `json:"market"`
	BotStatus         string    `json:"bot_status"`
	StopRequested     bool      `json:"stop_requested"`
	CircuitBreaker    bool      `json:"circuit_breaker"`
	Positions         int       `json:"positions"`
	PortfolioValue    float64   `json:"portfolio_value"`
	DailyStartCapital float64   `json:"daily_start_capital"`
	TradesToday       int       `json:"trades_today"`
	Attempts          int       `json:"order_attempts"`
	Failed            int       `json:"order_failures"`
	LastUpdate        time.Time `json:"last_update"`
	Uptime            string    `json:"uptime"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status from the shared state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := app.OpenState()
			if err != nil {
				return err
			}
			now := time.Now()
			sum := st.Summary(now)
			start, _ := st.DailyStartCapital()

			view := statusView{
				Mode:              "LIVE",
				Market:            string(utils.MarketStatusAt(now)),
				BotStatus:         botStatus(cmd.Context(), app),
				StopRequested:     sum.StopRequested,
				CircuitBreaker:    sum.CircuitBreaker,
				Positions:         sum.PositionsCount,
				PortfolioValue:    sum.PortfolioValue,
				DailyStartCapital: start,
				TradesToday:       sum.TradesToday,
				Attempts:          sum.Counters.Attempts,
				Failed:            sum.Counters.Failed,
				LastUpdate:        sum.LastUpdate,
				Uptime:            FormatDuration(sum.Uptime),
			}
			if app.Settings().IsPaperMode() {
				view.Mode = "PAPER"
			}
			if view.BotStatus == "" {
				view.BotStatus = "UNKNOWN"
			}
			if output.IsJSON() {
				return output.JSON(view)
			}

			output.Bold("Engine Status")
			output.Printf("  Mode:             %s\n", view.Mode)
			output.Printf("  Market:           %s\n", output.MarketStatus(utils.MarketStatusAt(now)))
			output.Printf("  Engine:           %s\n", view.BotStatus)
			if view.StopRequested {
				output.Printf("  Stop requested:   %s\n", output.Yellow("yes"))
			}
			breaker := output.Green("off")
			if view.CircuitBreaker {
				breaker = output.Red("TRIPPED")
			}
			output.Printf("  Circuit breaker:  %s\n", breaker)
			output.Println()
			output.Printf("  Portfolio value:  %s\n", utils.FormatIndianCurrency(view.PortfolioValue))
			if start > 0 {
				output.Printf("  Day start:        %s (%s)\n", utils.FormatIndianCurrency(start),
					output.FormatPercent((view.PortfolioValue-start)/start*100))
			}
			output.Printf("  Positions:        %d\n", view.Positions)
			output.Printf("  Trades today:     %d (%d attempts, %d failed)\n", view.TradesToday, view.Attempts, view.Failed)
			output.Printf("  Last update:      %s\n", FormatDateTime(view.LastUpdate))
			if sum.Uptime > 0 {
				output.Printf("  Uptime:           %s\n", view.Uptime)
			}
			return nil
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show the merged position view with live prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				rows, err := s.engine.Positions(ctx)
				if err != nil {
					return fmt.Errorf("building positions: %w", err)
				}
				if output.IsJSON() {
					return output.JSON(rows)
				}
				if len(rows) == 0 {
					output.Dim("No open positions")
					return nil
				}

				table := NewTable(output, "SYMBOL", "EXCH", "QTY", "AVG", "LTP", "P&L", "P&L %", "SOURCE")
				var total float64
				for _, p := range rows {
					total += p.PnL
					table.AddRow(
						p.Key.Symbol,
						string(p.Key.Exchange),
						utils.FormatQuantity(p.Quantity),
						fmt.Sprintf("%.2f", p.AveragePrice),
						fmt.Sprintf("%.2f", p.LTP),
						output.FormatPnL(p.PnL),
						output.FormatPercent(p.PnLPercent(p.LTP)),
						p.Source.String(),
					)
				}
				table.Render()
				output.Println()
				output.Printf("  Unrealised P&L: %s\n", output.FormatPnL(total))
				return nil
			})
		},
	}
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recorded trades",
		Example: `  mstock-trader trades
  mstock-trader trades --days 7 --symbol INFY
  mstock-trader trades --csv trades.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			limit, _ := cmd.Flags().GetInt("limit")
			days, _ := cmd.Flags().GetInt("days")
			symbol, _ := cmd.Flags().GetString("symbol")
			csvPath, _ := cmd.Flags().GetString("csv")

			trades, err := app.OpenTrades()
			if err != nil {
				return err
			}
			defer trades.Close()
			ctx := cmd.Context()

			if csvPath != "" {
				return exportCSV(ctx, trades, csvPath, output)
			}

			var rows []models.TradeRecord
			if days > 0 || symbol != "" {
				if days <= 0 {
					days = 3650
				}
				rows, err = trades.History(ctx, days, strings.ToUpper(symbol))
			} else {
				paper := app.Settings().IsPaperMode()
				rows, err = trades.Recent(ctx, limit, &paper)
			}
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(rows)
			}
			if len(rows) == 0 {
				output.Dim("No trades recorded")
				return nil
			}

			table := NewTable(output, "TIME", "SYMBOL", "SIDE", "QTY", "PRICE", "FEES", "NET P&L", "SOURCE", "REASON")
			for _, t := range rows {
				side := output.Green(string(t.Action))
				pnl := ""
				if t.Action == models.OrderSideSell {
					side = output.Red(string(t.Action))
					pnl = output.FormatPnL(t.PnLNet)
				}
				table.AddRow(
					FormatDateTime(t.Timestamp),
					t.Symbol,
					side,
					utils.FormatQuantity(t.Quantity),
					fmt.Sprintf("%.2f", t.Price),
					fmt.Sprintf("%.2f", t.Fees.Total),
					pnl,
					string(t.Source),
					TruncateString(t.Reason, 32),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of recent trades")
	cmd.Flags().Int("days", 0, "show all trades from the last N days")
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("csv", "", "export every trade to this CSV file")
	return cmd
}

func exportCSV(ctx context.Context, trades store.TradeStore, path string, output *Output) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := trades.ExportCSV(ctx, f); err != nil {
		f.Close()
		return fmt.Errorf("exporting trades: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(map[string]string{"exported": path})
	}
	output.Success("Trades exported to %s", path)
	return nil
}

func newPerformanceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Summarise realised performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			days, _ := cmd.Flags().GetInt("days")

			trades, err := app.OpenTrades()
			if err != nil {
				return err
			}
			defer trades.Close()

			perf, err := trades.PerformanceSummary(cmd.Context(), days)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(perf)
			}

			output.Bold("Performance (last %d days)", days)
			if perf.TotalTrades == 0 {
				output.Dim("  No closed trades")
				return nil
			}
			output.Printf("  Closed trades:   %d\n", perf.TotalTrades)
			output.Printf("  Win rate:        %.1f%% (%d won, %d lost)\n", perf.WinRate, perf.WinningTrades, perf.LosingTrades)
			output.Printf("  Gross profit:    %s\n", output.FormatPnL(perf.GrossProfit))
			output.Printf("  Fees:            %s\n", utils.FormatIndianCurrency(perf.TotalFees))
			output.Printf("  Net profit:      %s\n", output.FormatPnL(perf.NetProfit))
			output.Printf("  Avg per trade:   %s\n", output.FormatPnL(perf.AvgProfitPerTrade))
			return nil
		},
	}
	cmd.Flags().Int("days", 30, "look-back window in days")
	return cmd
}
