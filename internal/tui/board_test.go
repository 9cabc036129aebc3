package tui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/schwabstream/internal/domain"
	"github.com/betbot/schwabstream/internal/events"
)

func data(channel, payload string) events.DataReceived {
	return events.DataReceived{Channel: channel, Payload: json.RawMessage(payload), At: time.Now()}
}

func TestBoard_MergesPartialUpdates(t *testing.T) {
	b := NewBoard()
	b.Apply(data("equities", `[{"key":"AAPL","1":189.5,"2":189.6,"3":189.55,"8":1200}]`))
	b.Apply(data("equities", `[{"key":"AAPL","3":189.7}]`))
	b.Apply(data("options", `[{"key":"AAPL  240621C00190000","2":"1.10","3":1.2,"4":1.15}]`))

	s := b.Snapshot()
	require.Len(t, s.Rows, 2)
	eq := s.Rows[0]
	assert.Equal(t, "AAPL", eq.Key)
	assert.Equal(t, "189.5", eq.Bid.String())
	assert.Equal(t, "189.7", eq.Last.String())
	assert.EqualValues(t, 1200, eq.Volume)
	assert.Equal(t, 1, eq.Tick)

	opt := s.Rows[1]
	assert.Equal(t, "options", opt.Channel)
	assert.Equal(t, "1.1", opt.Bid.String())
	assert.Equal(t, "1.15", opt.Last.String())

	b.Apply(data("equities", `[{"key":"AAPL","3":180}]`))
	assert.Equal(t, -1, b.Snapshot().Rows[0].Tick)
}

func TestBoard_IgnoresJunk(t *testing.T) {
	b := NewBoard()
	b.Apply(data("equities", `{"key":"AAPL"}`))
	b.Apply(data("equities", `[{"1":1}]`))
	b.Apply(data("equities", `[{"key":"IBM","1":"abc"}]`))
	b.Apply(data("news", `[{"key":"X"}]`))

	s := b.Snapshot()
	require.Len(t, s.Rows, 1)
	assert.True(t, s.Rows[0].Bid.IsZero())
}

func TestBoard_StatusEvents(t *testing.T) {
	b := NewBoard()
	b.Apply(events.StateChanged{From: "Connecting", To: "Active"})
	b.Apply(events.StreamError{Kind: events.ErrLoginRejected, Detail: "denied", Fatal: true})
	b.Apply(data("account_activity", `[{"key":"acct","1":"x"}]`))
	b.Apply(events.OrderUpdated{Order: domain.OutstandingOrder{OrderID: "1001", Status: domain.OrderStatusAccepted}})

	s := b.Snapshot()
	assert.Equal(t, "Active", s.State)
	assert.Contains(t, s.LastErr, "denied")
	assert.Equal(t, 1, s.Activity)
	assert.Equal(t, "accepted", s.Orders["1001"])
}

func TestModel_ViewAndQuit(t *testing.T) {
	b := NewBoard()
	b.Apply(data("equities", `[{"key":"MSFT","1":420.1,"2":420.2,"3":420.15,"8":10}]`))
	quit := 0
	m := NewModel(b, "schwabstream", func() { quit++ })

	next, _ := m.Update(tickMsg(time.Now()))
	view := next.View()
	assert.Contains(t, view, "MSFT")
	assert.Contains(t, view, "420.15")
	assert.True(t, strings.Contains(view, "q to quit"))

	_, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, 1, quit)
}
