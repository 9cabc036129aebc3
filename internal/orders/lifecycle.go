package orders

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/domain"
	"github.com/betbot/schwabstream/internal/events"
	"github.com/betbot/schwabstream/internal/rest"
)

// Executor is the REST surface the lifecycle drives.
type Executor interface {
	PlaceOrder(ctx context.Context, accountHash string, req domain.OrderRequest) (string, error)
	ReplaceOrder(ctx context.Context, accountHash, orderID string, req domain.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, accountHash, orderID string) error
	Orders(ctx context.Context, accountHash string, from, to time.Time) ([]rest.Order, error)
}

// Publisher receives OrderUpdated events on the caller's goroutine.
type Publisher interface {
	Publish(events.Event)
}

// Journal records every status transition.
type Journal interface {
	Record(ctx context.Context, o domain.OutstandingOrder) error
}

const (
	defaultDedupeWindow  = 2 * time.Second
	defaultRefreshWindow = 7 * 24 * time.Hour
)

// Lifecycle validates, submits and tracks orders. It owns the outstanding
// order table; nothing outside mutates it.
type Lifecycle struct {
	exec          Executor
	sink          Publisher
	journal       Journal
	guard         *submissionGuard
	dedupeWindow  time.Duration
	now           func() time.Time
	refreshWindow time.Duration
	log           *logrus.Entry

	mu     sync.RWMutex
	orders map[string]*domain.OutstandingOrder
}

type Option func(*Lifecycle)

func WithPublisher(p Publisher) Option { return func(l *Lifecycle) { l.sink = p } }

func WithJournal(j Journal) Option { return func(l *Lifecycle) { l.journal = j } }

func WithLogger(e *logrus.Entry) Option { return func(l *Lifecycle) { l.log = e } }

func WithClock(now func() time.Time) Option { return func(l *Lifecycle) { l.now = now } }

// WithDedupeWindow sets how long an identical submission is refused.
func WithDedupeWindow(d time.Duration) Option {
	return func(l *Lifecycle) { l.dedupeWindow = d }
}

// WithRefreshWindow bounds how far back Refresh asks the server for orders.
func WithRefreshWindow(d time.Duration) Option {
	return func(l *Lifecycle) { l.refreshWindow = d }
}

func New(exec Executor, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		exec:          exec,
		now:           time.Now,
		dedupeWindow:  defaultDedupeWindow,
		refreshWindow: defaultRefreshWindow,
		log:           logrus.WithField("component", "orders"),
		orders:        make(map[string]*domain.OutstandingOrder),
	}
	for _, o := range opts {
		o(l)
	}
	l.guard = newSubmissionGuard(l.dedupeWindow, 0, l.now)
	return l
}

// Preview validates req and returns the exact wire payload, indented. No side
// effects.
func Preview(req domain.OrderRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	w, err := req.ToWire()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(w, "", "  ")
}

func (l *Lifecycle) Preview(req domain.OrderRequest) ([]byte, error) {
	return Preview(req)
}

// Place validates locally, submits, and records the order as Submitted.
func (l *Lifecycle) Place(ctx context.Context, accountID string, req domain.OrderRequest) (string, error) {
	if err := checkAccount(accountID); err != nil {
		return "", err
	}
	payload, err := req.MarshalWire()
	if err != nil {
		return "", err
	}
	key := submissionKey("place", accountID, payload)
	if err := l.guard.acquire(key); err != nil {
		return "", err
	}
	snapshot := req.Clone()
	id, err := l.exec.PlaceOrder(ctx, accountID, snapshot)
	if err != nil {
		l.guard.release(key)
		return "", errors.Wrapf(err, "place %s %s", snapshot.Instruction, snapshot.Symbol)
	}
	l.log.Infof("placed order %s: %s %d %s (%s)", id, snapshot.Instruction, snapshot.Quantity, snapshot.Symbol, snapshot.OrderType)
	l.track(ctx, domain.OutstandingOrder{
		AccountID: accountID,
		OrderID:   id,
		Request:   snapshot,
		Status:    domain.OrderStatusSubmitted,
	})
	return id, nil
}

// Replace submits req in place of orderID. The server decides whether the
// original is still replaceable; on success the original is marked Replaced and
// the new id is tracked as Submitted.
func (l *Lifecycle) Replace(ctx context.Context, accountID, orderID string, req domain.OrderRequest) (string, error) {
	if err := checkAccount(accountID); err != nil {
		return "", err
	}
	if strings.TrimSpace(orderID) == "" {
		return "", &domain.ValidationError{Field: "orderId", Reason: "must not be empty"}
	}
	payload, err := req.MarshalWire()
	if err != nil {
		return "", err
	}
	key := submissionKey("replace:"+orderID, accountID, payload)
	if err := l.guard.acquire(key); err != nil {
		return "", err
	}
	snapshot := req.Clone()
	newID, err := l.exec.ReplaceOrder(ctx, accountID, orderID, snapshot)
	if err != nil {
		l.guard.release(key)
		return "", errors.Wrapf(err, "replace order %s", orderID)
	}
	l.log.Infof("replaced order %s with %s", orderID, newID)

	prior, ok := l.Outstanding(orderID)
	if !ok {
		prior = domain.OutstandingOrder{AccountID: accountID, OrderID: orderID}
	}
	prior.Status = domain.OrderStatusReplaced
	prior.ReplacedBy = newID
	l.track(ctx, prior)
	l.track(ctx, domain.OutstandingOrder{
		AccountID: accountID,
		OrderID:   newID,
		Request:   snapshot,
		Status:    domain.OrderStatusSubmitted,
	})
	return newID, nil
}

// Cancel asks the server to cancel orderID and marks it Cancelled on success.
func (l *Lifecycle) Cancel(ctx context.Context, accountID, orderID string) error {
	if err := checkAccount(accountID); err != nil {
		return err
	}
	if strings.TrimSpace(orderID) == "" {
		return &domain.ValidationError{Field: "orderId", Reason: "must not be empty"}
	}
	if err := l.exec.CancelOrder(ctx, accountID, orderID); err != nil {
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
	l.log.Infof("cancelled order %s", orderID)
	o, ok := l.Outstanding(orderID)
	if !ok {
		o = domain.OutstandingOrder{AccountID: accountID, OrderID: orderID}
	}
	o.Status = domain.OrderStatusCancelled
	l.track(ctx, o)
	return nil
}

// Outstanding returns a copy of the tracked order.
func (l *Lifecycle) Outstanding(orderID string) (domain.OutstandingOrder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[orderID]
	if !ok {
		return domain.OutstandingOrder{}, false
	}
	return copyOrder(o), true
}

// List returns every tracked order, most recently updated first.
func (l *Lifecycle) List() []domain.OutstandingOrder {
	l.mu.RLock()
	out := make([]domain.OutstandingOrder, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, copyOrder(o))
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// Refresh pulls the account's recent orders and applies the server status to
// tracked ones. It returns how many changed. Untracked server orders are ignored.
func (l *Lifecycle) Refresh(ctx context.Context, accountID string) (int, error) {
	now := l.now()
	remote, err := l.exec.Orders(ctx, accountID, now.Add(-l.refreshWindow), now)
	if err != nil {
		return 0, errors.Wrap(err, "refresh orders")
	}
	changed := 0
	for _, r := range remote {
		st, ok := StatusFromServer(r.Status)
		if !ok {
			l.log.Debugf("order %s: unmapped server status %q", r.ID(), r.Status)
			continue
		}
		o, tracked := l.Outstanding(r.ID())
		if !tracked || o.Status == st {
			continue
		}
		o.Status = st
		l.track(ctx, o)
		changed++
	}
	return changed, nil
}

// StatusFromServer maps a server order status onto the client-side status.
func StatusFromServer(s string) (domain.OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WORKING", "ACCEPTED", "QUEUED", "PENDING_ACTIVATION", "AWAITING_PARENT_ORDER",
		"AWAITING_CONDITION", "AWAITING_MANUAL_REVIEW", "AWAITING_UR_OUT", "NEW", "FILLED":
		return domain.OrderStatusAccepted, true
	case "REJECTED":
		return domain.OrderStatusRejected, true
	case "CANCELED", "CANCELLED", "EXPIRED":
		return domain.OrderStatusCancelled, true
	case "REPLACED":
		return domain.OrderStatusReplaced, true
	}
	return "", false
}

func (l *Lifecycle) track(ctx context.Context, o domain.OutstandingOrder) {
	o.UpdatedAt = l.now()
	o.Request = o.Request.Clone()
	stored := o
	l.mu.Lock()
	l.orders[o.OrderID] = &stored
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.Record(ctx, o); err != nil {
			l.log.Warnf("journal order %s: %v", o.OrderID, err)
		}
	}
	if l.sink != nil {
		l.sink.Publish(events.OrderUpdated{Order: o, At: o.UpdatedAt})
	}
}

func checkAccount(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return &domain.ValidationError{Field: "accountId", Reason: "must not be empty"}
	}
	return nil
}

func copyOrder(o *domain.OutstandingOrder) domain.OutstandingOrder {
	c := *o
	c.Request = o.Request.Clone()
	return c
}
