// Package tui renders a live quote board for the stream command.
package tui

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/schwabstream/internal/events"
)

// level-one field numbers carrying bid, ask, last and volume
var quoteFields = map[string][4]string{
	"equities": {"1", "2", "3", "8"},
	"options":  {"2", "3", "4", "8"},
}

// Row is the merged state of one symbol. Updates carry only changed fields.
type Row struct {
	Channel string
	Key     string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	Last    decimal.Decimal
	Volume  int64
	// Tick is +1 or -1 for the direction of the last trade price change.
	Tick    int
	Updated time.Time
}

// Board folds bus events into displayable state. Safe for concurrent use.
type Board struct {
	mu       sync.RWMutex
	rows     map[string]*Row
	state    string
	lastErr  string
	activity int
	orders   map[string]string
}

func NewBoard() *Board {
	return &Board{rows: make(map[string]*Row), orders: make(map[string]string), state: "Disconnected"}
}

// Apply is an events.Handler.
func (b *Board) Apply(ev events.Event) {
	switch e := ev.(type) {
	case events.DataReceived:
		if e.Channel == "account_activity" {
			b.mu.Lock()
			b.activity++
			b.mu.Unlock()
			return
		}
		fields, ok := quoteFields[e.Channel]
		if !ok {
			return
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(e.Payload, &items); err != nil {
			return
		}
		b.mu.Lock()
		for _, it := range items {
			b.merge(e.Channel, fields, it, e.At)
		}
		b.mu.Unlock()
	case events.StateChanged:
		b.mu.Lock()
		b.state = e.To
		b.mu.Unlock()
	case events.StreamError:
		b.mu.Lock()
		b.lastErr = e.String()
		b.mu.Unlock()
	case events.OrderUpdated:
		b.mu.Lock()
		b.orders[e.Order.OrderID] = string(e.Order.Status)
		b.mu.Unlock()
	}
}

func (b *Board) merge(channel string, fields [4]string, item map[string]json.RawMessage, at time.Time) {
	var key string
	if raw, ok := item["key"]; !ok || json.Unmarshal(raw, &key) != nil || key == "" {
		return
	}
	r, ok := b.rows[channel+":"+key]
	if !ok {
		r = &Row{Channel: channel, Key: key}
		b.rows[channel+":"+key] = r
	}
	if d, ok := decimalField(item, fields[0]); ok {
		r.Bid = d
	}
	if d, ok := decimalField(item, fields[1]); ok {
		r.Ask = d
	}
	if d, ok := decimalField(item, fields[2]); ok {
		switch {
		case r.Last.IsZero():
		case d.GreaterThan(r.Last):
			r.Tick = 1
		case d.LessThan(r.Last):
			r.Tick = -1
		}
		r.Last = d
	}
	if d, ok := decimalField(item, fields[3]); ok {
		r.Volume = d.IntPart()
	}
	r.Updated = at
}

func decimalField(item map[string]json.RawMessage, field string) (decimal.Decimal, bool) {
	raw, ok := item[field]
	if !ok {
		return decimal.Decimal{}, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		// some feeds quote numbers as strings
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return decimal.Decimal{}, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return decimal.Decimal{}, false
		}
		n = json.Number(s)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Snapshot is a consistent copy for rendering.
type Snapshot struct {
	State    string
	LastErr  string
	Activity int
	Rows     []Row
	Orders   map[string]string
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		State:    b.state,
		LastErr:  b.lastErr,
		Activity: b.activity,
		Rows:     make([]Row, 0, len(b.rows)),
		Orders:   make(map[string]string, len(b.orders)),
	}
	for _, r := range b.rows {
		s.Rows = append(s.Rows, *r)
	}
	for k, v := range b.orders {
		s.Orders[k] = v
	}
	sort.Slice(s.Rows, func(i, j int) bool {
		if s.Rows[i].Channel != s.Rows[j].Channel {
			return s.Rows[i].Channel < s.Rows[j].Channel
		}
		return s.Rows[i].Key < s.Rows[j].Key
	})
	return s
}
