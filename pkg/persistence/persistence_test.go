package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFileStore_RoundTrip(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "stream", "watchlist")

	var out []string
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)

	require.NoError(t, store.Save([]string{"AAPL", "MSFT"}))
	require.NoError(t, store.Load(&out))
	assert.Equal(t, []string{"AAPL", "MSFT"}, out)

	require.NoError(t, store.Delete())
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)
	require.NoError(t, store.Delete())
}
