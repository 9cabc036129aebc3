package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/schwabstream/internal/domain"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestJournal_RecordAndHistory(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()
	p := decimal.RequireFromString("150.00")
	req := domain.OrderRequest{
		Symbol: "MSFT", Quantity: 10,
		Instruction: domain.InstructionBuy, OrderType: domain.OrderTypeLimit,
		Session: domain.SessionNormal, Duration: domain.DurationDay, Price: &p,
	}
	t0 := time.Date(2024, 6, 20, 14, 30, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, domain.OutstandingOrder{
		AccountID: "acct", OrderID: "1001", Request: req,
		Status: domain.OrderStatusSubmitted, UpdatedAt: t0,
	}))
	require.NoError(t, j.Record(ctx, domain.OutstandingOrder{
		AccountID: "acct", OrderID: "1001", Request: req,
		Status: domain.OrderStatusReplaced, ReplacedBy: "1002", UpdatedAt: t0.Add(time.Second),
	}))
	require.NoError(t, j.Record(ctx, domain.OutstandingOrder{
		AccountID: "acct", OrderID: "2001", Status: domain.OrderStatusCancelled, UpdatedAt: t0.Add(2 * time.Second),
	}))

	hist, err := j.History(ctx, "1001")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.OrderStatusSubmitted, hist[0].Status)
	assert.Equal(t, domain.OrderStatusReplaced, hist[1].Status)
	assert.Equal(t, "1002", hist[1].ReplacedBy)
	assert.True(t, hist[0].CreatedAt.Equal(t0))
	assert.Contains(t, hist[0].Payload, `"symbol":"MSFT"`)
	assert.Len(t, hist[0].ID, 26)
	assert.Less(t, hist[0].ID, hist[1].ID)

	recent, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2001", recent[0].OrderID)
	assert.Empty(t, recent[0].Payload)

	none, err := j.History(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournal_ReopenKeepsRows(t *testing.T) {
	j, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, domain.OutstandingOrder{AccountID: "a", OrderID: "1", Status: domain.OrderStatusAccepted}))
	require.NoError(t, j.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	hist, err := again.History(ctx, "1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderStatusAccepted, hist[0].Status)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
