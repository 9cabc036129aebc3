package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateSubmission means an identical submission for the same account is
// still inside the dedupe window.
var ErrDuplicateSubmission = errors.New("duplicate order submission")

// submissionGuard rejects identical (account, payload) pairs seen within ttl.
// Keys are exact, so a hit is never a false positive.
type submissionGuard struct {
	ttl    time.Duration
	now    func() time.Time
	shards []guardShard
}

type guardShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

func newSubmissionGuard(ttl time.Duration, shardCount int, now func() time.Time) *submissionGuard {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	if now == nil {
		now = time.Now
	}
	shards := make([]guardShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &submissionGuard{ttl: ttl, now: now, shards: shards}
}

func submissionKey(op, accountID string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return op + "|" + accountID + "|" + hex.EncodeToString(sum[:])
}

func (g *submissionGuard) acquire(key string) error {
	if g == nil || key == "" {
		return nil
	}
	now := g.now()
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// lazy sweep of this shard only
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}
	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateSubmission
	}
	sh.m[key] = now.Add(g.ttl)
	return nil
}

// release lets a failed submission be retried right away.
func (g *submissionGuard) release(key string) {
	if g == nil || key == "" {
		return
	}
	sh := g.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (g *submissionGuard) shard(key string) *guardShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.shards[int(h.Sum32()%uint32(len(g.shards)))]
}
