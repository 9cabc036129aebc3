package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/auth"
	"github.com/betbot/schwabstream/internal/events"
	"github.com/betbot/schwabstream/internal/journal"
	"github.com/betbot/schwabstream/internal/orders"
	"github.com/betbot/schwabstream/internal/rest"
	"github.com/betbot/schwabstream/pkg/secretstore"
	"github.com/betbot/schwabstream/pkg/shutdown"
)

// app is the wired object graph shared by every command.
type app struct {
	rc       *rootConfig
	secrets  *secretstore.Store
	tokens   *auth.Manager
	rest     *rest.Client
	bus      *events.Bus
	journal  *journal.Journal
	orders   *orders.Lifecycle
	shutdown *shutdown.Manager
}

type appOptions struct {
	journal bool
}

func newApp(rc *rootConfig, opts appOptions) (*app, error) {
	cfg := rc.cfg
	a := &app{rc: rc, bus: events.NewBus(), shutdown: shutdown.NewManager()}

	key, err := secretstore.ParseKey(cfg.Storage.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("storage.secrets_key: %w", err)
	}
	if key == nil {
		logrus.Warn("SCHWAB_SECRETS_KEY is empty: tokens are stored unencrypted")
	}
	a.secrets, err = secretstore.Open(secretstore.OpenOptions{Path: cfg.Storage.SecretsPath, EncryptionKey: key})
	if err != nil {
		return nil, fmt.Errorf("open secret store %s: %w", cfg.Storage.SecretsPath, err)
	}
	a.shutdown.OnShutdown("secret store", func(context.Context) { _ = a.secrets.Close() })

	a.tokens, err = auth.NewManager(cfg.OAuth, auth.NewBadgerStore(a.secrets), auth.WithHTTPTimeout(cfg.API.Timeout))
	if err != nil {
		a.close()
		return nil, err
	}
	a.rest = rest.New(cfg.API, a.tokens)

	var lifecycleOpts []orders.Option
	lifecycleOpts = append(lifecycleOpts, orders.WithPublisher(a.bus))
	if opts.journal {
		a.journal, err = journal.Open(cfg.Storage.JournalPath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.shutdown.OnShutdown("journal", func(context.Context) { _ = a.journal.Close() })
		lifecycleOpts = append(lifecycleOpts, orders.WithJournal(a.journal))
	}
	a.orders = orders.New(a.rest, lifecycleOpts...)
	return a, nil
}

// close runs every registered shutdown step with a bounded wait.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.shutdown.Shutdown(ctx)
}

// withApp builds the app, runs fn, and tears it down.
func withApp(rc *rootConfig, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(rc, opts)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, a)
}

// accountHash resolves a plain account number (or an already hashed id) to
// the hash the trader API wants. Empty picks the first linked account.
func (a *app) accountHash(ctx context.Context, account string) (string, error) {
	nums, err := a.rest.AccountNumbers(ctx)
	if err != nil {
		return "", err
	}
	if len(nums) == 0 {
		return "", fmt.Errorf("no linked accounts")
	}
	if account == "" {
		return nums[0].HashValue, nil
	}
	for _, n := range nums {
		if n.AccountNumber == account || n.HashValue == account {
			return n.HashValue, nil
		}
	}
	return "", fmt.Errorf("account %s is not linked", account)
}
