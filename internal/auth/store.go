package auth

import (
	"sync"

	"github.com/betbot/schwabstream/pkg/secretstore"
)

// SecretStore persists secrets by key. Absence is ("", false, nil).
type SecretStore interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
}

// BadgerStore binds the encrypted badger store to SecretStore.
type BadgerStore struct {
	s *secretstore.Store
}

func NewBadgerStore(s *secretstore.Store) *BadgerStore {
	return &BadgerStore{s: s}
}

func (b *BadgerStore) Get(key string) (string, bool, error) {
	return b.s.GetString(key)
}

func (b *BadgerStore) Put(key, value string) error {
	return b.s.SetString(key, value)
}

func (b *BadgerStore) Delete(key string) error {
	return b.s.Delete(key)
}

// MemoryStore keeps secrets in process memory only.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryStore) Put(key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}
