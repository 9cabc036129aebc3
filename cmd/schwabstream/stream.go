package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/betbot/schwabstream/internal/events"
	"github.com/betbot/schwabstream/internal/infrastructure/websocket"
	"github.com/betbot/schwabstream/internal/metrics"
	"github.com/betbot/schwabstream/internal/statusapi"
	"github.com/betbot/schwabstream/internal/stream"
	"github.com/betbot/schwabstream/internal/tui"
	"github.com/betbot/schwabstream/pkg/logger"
	"github.com/betbot/schwabstream/pkg/persistence"
	"github.com/betbot/schwabstream/pkg/syncgroup"
)

type streamFlags struct {
	equities      []string
	options       []string
	accounts      []string
	profile       string
	noStatus      bool
	quiet         bool
	refreshOrders bool
	tui           bool
}

func newStreamCmd(rc *rootConfig) *cobra.Command {
	f := &streamFlags{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Run the streaming session (and the status API) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc, appOptions{journal: true})
			if err != nil {
				return err
			}
			defer a.close()
			return runStream(a, f)
		},
	}
	cmd.Flags().StringSliceVar(&f.equities, "equities", nil, "equity symbols, comma separated")
	cmd.Flags().StringSliceVar(&f.options, "options", nil, "option symbols, comma separated")
	cmd.Flags().StringSliceVar(&f.accounts, "account", nil, "account ids for account activity")
	cmd.Flags().StringVar(&f.profile, "profile", "default", "watchlist profile under storage.state_dir")
	cmd.Flags().BoolVar(&f.noStatus, "no-status", false, "do not start the status API")
	cmd.Flags().BoolVar(&f.quiet, "quiet", false, "do not print data messages")
	cmd.Flags().BoolVar(&f.refreshOrders, "refresh-orders", true, "sync tracked order status on account activity")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "show a live quote board instead of printing JSON lines")
	return cmd
}

func runStream(a *app, f *streamFlags) error {
	cfg := a.rc.cfg
	log := logrus.WithField("component", "cmd")

	sessCfg := stream.ConfigFrom(cfg.Stream)
	watchlist := stream.NewPersistentWatchlist(persistence.NewJSONFileService(cfg.Storage.StateDir), f.profile)
	sess := stream.NewSession(sessCfg, a.tokens, a.rest,
		websocket.NewDialer(cfg.Stream.ProxyURL, cfg.Stream.WriteTimeout),
		stream.WithPublisher(a.bus),
		stream.WithWatchlist(watchlist),
	)

	var board *tui.Board
	if f.tui {
		board = tui.NewBoard()
		defer a.bus.Subscribe(board.Apply)()
		logger.DisableConsole()
	} else {
		defer a.bus.Subscribe(printer(os.Stdout, f.quiet))()
	}
	defer a.bus.Subscribe(metrics.Record)()
	if f.refreshOrders {
		defer a.bus.Subscribe(orderRefresher(a))()
	}

	var keys []stream.SubscriptionKey
	for _, s := range f.equities {
		keys = append(keys, stream.EquityQuote(s))
	}
	for _, s := range f.options {
		keys = append(keys, stream.OptionQuote(s))
	}
	for _, s := range f.accounts {
		keys = append(keys, stream.AccountFeed(s))
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	sg := syncgroup.NewSyncGroup()
	sg.Add(func() {
		if err := sess.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("stream session stopped: %v", err)
		}
	})
	sg.Run()
	a.shutdown.OnShutdown("stream session", func(ctx context.Context) {
		if err := sess.Disconnect(ctx); err != nil {
			log.Warnf("disconnect: %v", err)
		}
		stopRun()
		sg.Wait()
	})

	if !f.noStatus {
		api := &statusapi.Server{Stream: sess, Orders: a.orders, Tokens: a.tokens, History: a.journal}
		if _, err := api.Start(cfg.Status.Listen); err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		a.shutdown.OnShutdown("status api", func(ctx context.Context) { _ = api.Shutdown(ctx) })
	}

	if err := sess.Subscribe(keys...); err != nil {
		return err
	}
	if err := sess.Connect(); err != nil {
		return err
	}

	if board != nil {
		p := tea.NewProgram(tui.NewModel(board, "schwabstream", nil), tea.WithAltScreen())
		_, err := p.Run()
		return err
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(stopCh)
	select {
	case sig := <-stopCh:
		log.Infof("received %s, shutting down", sig)
	case <-sess.Done():
	}
	return nil
}

// printer writes data messages as JSON lines and everything else to the log.
func printer(out *os.File, quiet bool) events.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	log := logrus.WithField("component", "events")
	return func(ev events.Event) {
		switch e := ev.(type) {
		case events.DataReceived:
			if quiet {
				return
			}
			mu.Lock()
			_ = enc.Encode(map[string]any{"channel": e.Channel, "service": e.Service, "at": e.At, "content": e.Payload})
			mu.Unlock()
		case events.Connected:
			log.Infof("connected (correlation %s)", e.CorrelationID)
		case events.Disconnected:
			log.Warnf("disconnected: %s %v", e.Reason, e.Err)
		case events.StreamError:
			if e.Fatal {
				log.Errorf("%s", e)
			} else {
				log.Warnf("%s", e)
			}
		case events.StateChanged:
			log.Debugf("stream %s -> %s", e.From, e.To)
		case events.OrderUpdated:
			log.Infof("order %s %s", e.Order.OrderID, e.Order.Status)
		}
	}
}

// orderRefresher syncs tracked orders when their account reports activity.
// Handlers run on the session loop, so the REST call goes to its own goroutine
// and overlapping refreshes for one account are collapsed.
func orderRefresher(a *app) events.Handler {
	var (
		mu       sync.Mutex
		inFlight = map[string]bool{}
	)
	log := logrus.WithField("component", "orders")
	return func(ev events.Event) {
		d, ok := ev.(events.DataReceived)
		if !ok || d.Channel != stream.AccountActivity.String() {
			return
		}
		accounts := map[string]struct{}{}
		for _, o := range a.orders.List() {
			if !o.Status.IsFinal() {
				accounts[o.AccountID] = struct{}{}
			}
		}
		for acct := range accounts {
			mu.Lock()
			if inFlight[acct] {
				mu.Unlock()
				continue
			}
			inFlight[acct] = true
			mu.Unlock()
			go func(acct string) {
				defer func() {
					mu.Lock()
					delete(inFlight, acct)
					mu.Unlock()
				}()
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				n, err := a.orders.Refresh(ctx, acct)
				if err != nil {
					log.Warnf("refresh %s: %v", acct, err)
					return
				}
				if n > 0 {
					log.Infof("refreshed %d orders for %s", n, acct)
				}
			}(acct)
		}
	}
}
