package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/betbot/schwabstream/internal/rest"
)

func newAccountsCmd(rc *rootConfig) *cobra.Command {
	var positions bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rc, appOptions{}, func(ctx context.Context, a *app) error {
				nums, err := a.rest.AccountNumbers(ctx)
				if err != nil {
					return err
				}
				accts, err := a.rest.Accounts(ctx, positions)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"accountNumbers": nums, "accounts": accts})
			})
		},
	}
	cmd.Flags().BoolVar(&positions, "positions", false, "include positions")
	return cmd
}

func newQuoteCmd(rc *rootConfig) *cobra.Command {
	var (
		history   bool
		period    string
		frequency string
	)
	cmd := &cobra.Command{
		Use:   "quote <symbol>...",
		Short: "Fetch quotes (or daily price history with --history)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rc, appOptions{}, func(ctx context.Context, a *app) error {
				symbols := make([]string, 0, len(args))
				for _, s := range args {
					symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
				}
				if !history {
					quotes, err := a.rest.Quotes(ctx, symbols)
					if err != nil {
						return err
					}
					return printJSON(quotes)
				}
				out := make(map[string]rest.PriceHistory, len(symbols))
				for _, s := range symbols {
					ph, err := a.rest.PriceHistory(ctx, s, rest.PriceHistoryParams{
						PeriodType:    period,
						FrequencyType: frequency,
					})
					if err != nil {
						return err
					}
					out[s] = ph
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "print price history instead of quotes")
	cmd.Flags().StringVar(&period, "period-type", "month", "history period type: day|month|year|ytd")
	cmd.Flags().StringVar(&frequency, "frequency-type", "daily", "history frequency type: minute|daily|weekly|monthly")
	return cmd
}
