package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mstock-trader/internal/models"
	"mstock-trader/internal/security"
)

// addAccountCommands adds holding management and broker login.
func addAccountCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newManageCmd(app))
	rootCmd.AddCommand(newLoginCmd(app))
}

func newManageCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manage [SYMBOL]",
		Short: "Hand a manual holding to the engine for exits",
		Long: `Mark a holding the engine did not buy as managed. Managed holdings get
the risk exits and an RSI 70 sell, but are never bought.

Without a symbol, lists the managed holdings.`,
		Example: `  mstock-trader manage INFY
  mstock-trader manage BSE:TCS
  mstock-trader manage INFY --off`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := app.OpenState()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				keys := st.ManagedHoldings()
				if output.IsJSON() {
					return output.JSON(keys)
				}
				if len(keys) == 0 {
					output.Dim("No managed holdings")
					return nil
				}
				for _, k := range keys {
					output.Println("  " + k.String())
				}
				return nil
			}

			exchange, _ := cmd.Flags().GetString("exchange")
			off, _ := cmd.Flags().GetBool("off")
			key, err := models.ParseKey(args[0])
			if err != nil {
				key = models.NewKey(args[0], models.ParseExchange(exchange))
			}
			if key.Symbol == "" {
				return fmt.Errorf("symbol is required")
			}

			if err := st.SetManaged(key, !off); err != nil {
				return fmt.Errorf("updating %s: %w", key, err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"key": key, "managed": !off})
			}
			if off {
				output.Success("%s is no longer managed", key)
			} else {
				output.Success("%s is now managed by the engine", key)
			}
			return nil
		},
	}
	cmd.Flags().String("exchange", "NSE", "exchange for a bare symbol (NSE or BSE)")
	cmd.Flags().Bool("off", false, "stop managing the holding")
	return cmd
}

func newLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Renew the broker access token with a TOTP login",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				if !s.credentials.CanRefresh() {
					output.Warning("Automatic login needs broker.api_key and broker.totp_secret")
					if isZerodha(app.Settings()) {
						output.Dim("Zerodha tokens are renewed through the Kite login flow")
					}
					return fmt.Errorf("automatic login not configured")
				}
				renewed, err := s.credentials.Refresh(ctx)
				if err != nil {
					output.Error("Login failed: %v", err)
					return err
				}
				token := security.MaskCredential(s.credentials.AccessToken())
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"renewed": renewed, "token": token})
				}
				output.Success("Access token renewed")
				output.Printf("  Token: %s\n", token)
				return nil
			})
		},
	}
}
