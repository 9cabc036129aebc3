// Package journal keeps an append-only sqlite log of order status changes.
package journal

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/schwabstream/internal/domain"
)

// Entry is one recorded transition.
type Entry struct {
	ID        string             `json:"id"`
	AccountID string             `json:"accountId"`
	OrderID   string             `json:"orderId"`
	Status    domain.OrderStatus `json:"status"`

	// Payload is the wire order that was submitted, or empty for status-only rows.
	Payload    string    `json:"payload,omitempty"`
	ReplacedBy string    `json:"replacedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Journal struct {
	db *sql.DB

	mu      sync.Mutex
	entropy io.Reader
}

// Open creates the database file (and its directory) if needed and migrates it.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir journal dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// single connection: sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, entropy: newEntropy()}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS order_events (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL,
  payload TEXT,
  replaced_by TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_account ON order_events(account_id, created_at DESC);`,
	}
	for _, s := range stmts {
		if _, err := j.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "migrate journal")
		}
	}
	return nil
}

// Record appends o's current status.
func (j *Journal) Record(ctx context.Context, o domain.OutstandingOrder) error {
	var payload sql.NullString
	if o.Request.Symbol != "" {
		if b, err := o.Request.MarshalWire(); err == nil {
			payload = sql.NullString{String: string(b), Valid: true}
		}
	}
	var replacedBy sql.NullString
	if o.ReplacedBy != "" {
		replacedBy = sql.NullString{String: o.ReplacedBy, Valid: true}
	}
	at := o.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO order_events (id, account_id, order_id, status, payload, replaced_by, created_at)
VALUES (?,?,?,?,?,?,?)
`, j.newID(at), o.AccountID, o.OrderID, string(o.Status), payload, replacedBy, at.UTC().Format(time.RFC3339Nano))
	return errors.Wrapf(err, "record order %s", o.OrderID)
}

// History returns every transition of orderID, oldest first.
func (j *Journal) History(ctx context.Context, orderID string) ([]Entry, error) {
	return j.query(ctx, `
SELECT id, account_id, order_id, status, payload, replaced_by, created_at
FROM order_events
WHERE order_id=?
ORDER BY id ASC
`, orderID)
}

// Recent returns the latest transitions across accounts, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return j.query(ctx, `
SELECT id, account_id, order_id, status, payload, replaced_by, created_at
FROM order_events
ORDER BY id DESC
LIMIT ?
`, limit)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query journal")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			status     string
			payload    sql.NullString
			replacedBy sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrderID, &status, &payload, &replacedBy, &createdAt); err != nil {
			return nil, err
		}
		e.Status = domain.OrderStatus(status)
		e.Payload = payload.String
		e.ReplacedBy = replacedBy.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// newID returns a ULID; monotonic entropy keeps ids from the same millisecond
// in insertion order.
func (j *Journal) newID(at time.Time) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at.UTC()), j.entropy)
	if err != nil {
		// clock went backwards past the monotonic window
		id = ulid.MustNew(ulid.Timestamp(time.Now().UTC()), cryptorand.Reader)
	}
	return id.String()
}

func newEntropy() io.Reader {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}
