package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/tradingapi"
	"github.com/spf13/cobra"
)

var (
	killSwitchReason string
	listAll          bool
	listSymbol       string
	listLimit        int
	orderStatus      string
	fillMode         string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the trading bot and kill switch state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := tradingapi.NewClientFromConfig(config.Get())
		bot, err := client.BotStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load bot status: %w", err)
		}
		ks, err := client.KillSwitch(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load kill switch: %w", err)
		}
		return printBotStatus(cmd.OutOrStdout(), bot, ks)
	},
}

var killSwitchCmd = &cobra.Command{
	Use:       "kill-switch <on|off>",
	Short:     "Enable or disable the trading kill switch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}

		actor, _ := os.Hostname()
		client := tradingapi.NewClientFromConfig(config.Get())
		res, err := client.SetKillSwitch(cmd.Context(), enabled, "s24@"+actor, killSwitchReason)
		if err != nil {
			return err
		}
		state := "off"
		if res.Enabled {
			state = "on"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "kill switch %s (updated %s)\n", state, res.UpdatedAt)
		return nil
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List recent orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := tradingapi.NewClientFromConfig(config.Get())
		filters := tradingapi.OrderFilters{Symbol: listSymbol, Status: orderStatus, Limit: listLimit}

		var orders []tradingapi.Order
		if listAll {
			all, err := client.AllOrders(cmd.Context(), filters)
			if err != nil {
				return err
			}
			orders = all
		} else {
			page, err := client.Orders(cmd.Context(), filters)
			if err != nil {
				return err
			}
			orders = page.Items
		}
		return printOrders(cmd.OutOrStdout(), orders)
	},
}

var fillsCmd = &cobra.Command{
	Use:   "fills",
	Short: "List recent fills",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := tradingapi.NewClientFromConfig(config.Get())
		filters := tradingapi.FillFilters{Symbol: listSymbol, ExecutionMode: fillMode, Limit: listLimit}

		var fills []tradingapi.Fill
		if listAll {
			all, err := client.AllFills(cmd.Context(), filters)
			if err != nil {
				return err
			}
			fills = all
		} else {
			page, err := client.Fills(cmd.Context(), filters)
			if err != nil {
				return err
			}
			fills = page.Items
		}
		return printFills(cmd.OutOrStdout(), fills)
	},
}

func printBotStatus(writer io.Writer, bot *tradingapi.BotStatus, ks *tradingapi.KillSwitchState) error {
	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "mode\t%s\n", bot.Mode)
	fmt.Fprintf(w, "state\t%s\n", bot.State)
	fmt.Fprintf(w, "kill switch\t%t\n", ks.Enabled)
	fmt.Fprintf(w, "last cycle\t%s\n", orDash(bot.LastCycleAt))
	fmt.Fprintf(w, "market data stale\t%t\n", bot.MarketDataStale)
	fmt.Fprintf(w, "nav (SOL)\t%.4f\n", bot.PortfolioNAVSol)
	fmt.Fprintf(w, "drawdown (SOL)\t%.4f\n", bot.DrawdownSol)
	if a := bot.AnomalyDetection.State; bot.AnomalyDetection.Enabled && a != nil && a.Detected {
		fmt.Fprintf(w, "anomaly\t%s %.2f%% over %ds\n", a.Severity, a.PriceMovePct, a.WindowSeconds)
	}
	if len(ks.RecentEvents) > 0 {
		e := ks.RecentEvents[0]
		fmt.Fprintf(w, "last toggle\t%t by %s at %s (%s)\n", e.Enabled, orDash(e.Actor), e.CreatedAt, orDash(e.Reason))
	}
	return w.Flush()
}

func printOrders(writer io.Writer, orders []tradingapi.Order) error {
	if len(orders) == 0 {
		fmt.Fprintln(writer, "No orders found")
		return nil
	}

	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tSYMBOL\tSIDE\tQTY\tLIMIT\tSTATUS\tMODE\tCREATED")
	for _, o := range orders {
		limit := "-"
		if o.LimitPrice != nil {
			limit = fmt.Sprintf("%.6g", *o.LimitPrice)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.6g\t%s\t%s\t%s\t%s\n",
			o.OrderID, o.Symbol, o.Side, o.Qty, limit, o.Status, o.ExecutionMode, o.CreatedAt)
	}
	return w.Flush()
}

func printFills(writer io.Writer, fills []tradingapi.Fill) error {
	if len(fills) == 0 {
		fmt.Fprintln(writer, "No fills found")
		return nil
	}

	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILL\tORDER\tSYMBOL\tSIDE\tQTY\tPRICE\tFEE\tSLIPPAGE\tFILLED")
	for _, f := range fills {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.6g\t%.6g\t%.6g\t%.1fbps\t%s\n",
			f.FillID, f.OrderID, f.Symbol, f.Side, f.Qty, f.FillPrice, f.Fee, f.SlippageBps, f.FilledAt)
	}
	return w.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func init() {
	killSwitchCmd.Flags().StringVar(&killSwitchReason, "reason", "", "reason recorded with the toggle")

	for _, c := range []*cobra.Command{ordersCmd, fillsCmd} {
		c.Flags().BoolVar(&listAll, "all", false, "follow cursors and list every page")
		c.Flags().StringVar(&listSymbol, "symbol", "", "filter by symbol")
		c.Flags().IntVar(&listLimit, "limit", 50, "page size")
	}
	ordersCmd.Flags().StringVar(&orderStatus, "status", "", "filter by order status")
	fillsCmd.Flags().StringVar(&fillMode, "mode", "", "filter by execution mode")

	rootCmd.AddCommand(statusCmd, killSwitchCmd, ordersCmd, fillsCmd)
}
