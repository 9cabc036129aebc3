package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager_ReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("store", func(context.Context) { order = append(order, "store") })
	m.OnShutdown("stream", func(context.Context) { order = append(order, "stream") })

	m.Shutdown(context.Background())
	assert.Equal(t, []string{"stream", "store"}, order)
}

func TestManager_Timeout(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("slow", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.Shutdown(ctx)
	assert.Less(t, time.Since(start), time.Second)
}
