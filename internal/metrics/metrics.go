package metrics

import (
	"expvar"

	"github.com/betbot/schwabstream/internal/events"
)

var (
	StreamMessages   = expvar.NewInt("stream_messages")
	StreamReconnects = expvar.NewInt("stream_reconnects")
	StreamErrors     = expvar.NewInt("stream_errors")
	StreamFatal      = expvar.NewInt("stream_fatal_errors")
	StreamState      = expvar.NewString("stream_state")
	OrderUpdates     = expvar.NewInt("order_updates")
)

// Record keeps the counters current. Subscribe it to the event bus.
func Record(ev events.Event) {
	switch e := ev.(type) {
	case events.DataReceived:
		StreamMessages.Add(1)
	case events.StateChanged:
		StreamState.Set(e.To)
		if e.To == "Reconnecting" {
			StreamReconnects.Add(1)
		}
	case events.StreamError:
		StreamErrors.Add(1)
		if e.Fatal {
			StreamFatal.Add(1)
		}
	case events.OrderUpdated:
		OrderUpdates.Add(1)
	}
}
