package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/betbot/schwabstream/internal/domain"
	"github.com/betbot/schwabstream/internal/orders"
)

type orderFlags struct {
	account     string
	symbol      string
	quantity    int64
	instruction string
	orderType   string
	session     string
	duration    string
	price       string
	stopPrice   string
}

func (f *orderFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.symbol, "symbol", "", "equity symbol")
	fs.Int64Var(&f.quantity, "qty", 0, "share quantity")
	fs.StringVar(&f.instruction, "instruction", "BUY", "BUY|SELL|BUY_TO_COVER|SELL_SHORT")
	fs.StringVar(&f.orderType, "type", "LIMIT", "MARKET|LIMIT|STOP|STOP_LIMIT")
	fs.StringVar(&f.session, "session", "NORMAL", "NORMAL|AM|PM|SEAMLESS")
	fs.StringVar(&f.duration, "duration", "DAY", "DAY|GTC|FOK|IOC")
	fs.StringVar(&f.price, "price", "", "limit price")
	fs.StringVar(&f.stopPrice, "stop", "", "stop price")
}

func (f *orderFlags) request() (domain.OrderRequest, error) {
	req := domain.OrderRequest{Symbol: f.symbol, Quantity: f.quantity}
	var err error
	if req.Instruction, err = domain.ParseInstruction(f.instruction); err != nil {
		return req, err
	}
	if req.OrderType, err = domain.ParseOrderType(f.orderType); err != nil {
		return req, err
	}
	if req.Session, err = domain.ParseSession(f.session); err != nil {
		return req, err
	}
	if req.Duration, err = domain.ParseDuration(f.duration); err != nil {
		return req, err
	}
	if req.Price, err = parsePrice("price", f.price); err != nil {
		return req, err
	}
	if req.StopPrice, err = parsePrice("stopPrice", f.stopPrice); err != nil {
		return req, err
	}
	return req, req.Validate()
}

func parsePrice(field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	return &d, nil
}

func newOrderCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Preview, place, replace or cancel an equity order",
	}

	preview := &orderFlags{}
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the exact payload without submitting it",
		// needs no credentials
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := preview.request()
			if err != nil {
				return err
			}
			b, err := orders.Preview(req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(b))
			return err
		},
	}
	preview.bind(previewCmd.Flags())

	place := &orderFlags{}
	placeCmd := &cobra.Command{
		Use:   "place",
		Short: "Submit a new order",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := place.request()
			if err != nil {
				return err
			}
			return withApp(rc, appOptions{journal: true}, func(ctx context.Context, a *app) error {
				hash, err := a.accountHash(ctx, place.account)
				if err != nil {
					return err
				}
				id, err := a.orders.Place(ctx, hash, req)
				if err != nil {
					return err
				}
				o, _ := a.orders.Outstanding(id)
				return printJSON(o)
			})
		},
	}
	place.bind(placeCmd.Flags())
	placeCmd.Flags().StringVar(&place.account, "account", "", "account number or hash (default: first linked)")

	replace := &orderFlags{}
	var replaceID string
	replaceCmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace a working order with a new request",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := replace.request()
			if err != nil {
				return err
			}
			return withApp(rc, appOptions{journal: true}, func(ctx context.Context, a *app) error {
				hash, err := a.accountHash(ctx, replace.account)
				if err != nil {
					return err
				}
				newID, err := a.orders.Replace(ctx, hash, replaceID, req)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"replaced": replaceID, "orderId": newID})
			})
		},
	}
	replace.bind(replaceCmd.Flags())
	replaceCmd.Flags().StringVar(&replace.account, "account", "", "account number or hash (default: first linked)")
	replaceCmd.Flags().StringVar(&replaceID, "order-id", "", "order to replace")
	_ = replaceCmd.MarkFlagRequired("order-id")

	var cancelAccount string
	cancelCmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a working order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rc, appOptions{journal: true}, func(ctx context.Context, a *app) error {
				hash, err := a.accountHash(ctx, cancelAccount)
				if err != nil {
					return err
				}
				if err := a.orders.Cancel(ctx, hash, args[0]); err != nil {
					return err
				}
				o, _ := a.orders.Outstanding(args[0])
				return printJSON(o)
			})
		},
	}
	cancelCmd.Flags().StringVar(&cancelAccount, "account", "", "account number or hash (default: first linked)")

	var historyID string
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rc, appOptions{journal: true}, func(ctx context.Context, a *app) error {
				if historyID == "" {
					entries, err := a.journal.Recent(ctx, 50)
					if err != nil {
						return err
					}
					return printJSON(entries)
				}
				entries, err := a.journal.History(ctx, historyID)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	historyCmd.Flags().StringVar(&historyID, "order-id", "", "order id (default: latest entries)")

	cmd.AddCommand(previewCmd, placeCmd, replaceCmd, cancelCmd, historyCmd)
	return cmd
}
