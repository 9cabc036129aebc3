package stream

import (
	"errors"

	"github.com/betbot/schwabstream/pkg/persistence"
)

// Watchlist persists the desired subscription set between runs.
type Watchlist interface {
	Load() ([]SubscriptionKey, error)
	Save(keys []SubscriptionKey) error
}

type watchlistDoc struct {
	Version int               `json:"version"`
	Keys    []SubscriptionKey `json:"keys"`
}

// PersistentWatchlist stores the set as one JSON document.
type PersistentWatchlist struct {
	store persistence.Store
}

// NewPersistentWatchlist keys the document by profile so several configs can
// share one state directory.
func NewPersistentWatchlist(svc persistence.Service, profile string) *PersistentWatchlist {
	if profile == "" {
		profile = "default"
	}
	return &PersistentWatchlist{store: svc.NewStore("stream", profile, "watchlist")}
}

func (w *PersistentWatchlist) Load() ([]SubscriptionKey, error) {
	var doc watchlistDoc
	if err := w.store.Load(&doc); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Keys, nil
}

func (w *PersistentWatchlist) Save(keys []SubscriptionKey) error {
	return w.store.Save(watchlistDoc{Version: 1, Keys: keys})
}
