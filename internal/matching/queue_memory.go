package matching

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const userShards = 32

// MemoryStore is an in-process Store. Each partition has its own RWMutex
// and the user index is sharded. Locks are always taken shard before
// partition, lower index first, so no two operations can deadlock and no
// lock is global.
type MemoryStore struct {
	parts  map[PartitionKey]*memPartition
	shards [userShards]userShard
}

type memPartition struct {
	mu      sync.RWMutex
	entries []scored // ordered by score ascending
}

type scored struct {
	score float64
	entry Entry
}

type userShard struct {
	mu    sync.Mutex
	users map[string]indexed
}

type indexed struct {
	key   PartitionKey
	token string
}

// NewMemoryStore returns an empty store with all 12 partitions.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{parts: make(map[PartitionKey]*memPartition)}
	for _, k := range AllPartitions() {
		s.parts[k] = &memPartition{}
	}
	for i := range s.shards {
		s.shards[i].users = make(map[string]indexed)
	}
	return s
}

func shardOf(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % userShards)
}

func (s *MemoryStore) partition(key PartitionKey) (*memPartition, error) {
	p, ok := s.parts[key]
	if !ok {
		return nil, errors.Errorf("matching: unknown partition %s", key)
	}
	return p, nil
}

// insert and remove require p.mu held for writing.
func (p *memPartition) insert(e Entry) {
	sc := Score(e)
	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].score > sc
	})
	p.entries = append(p.entries, scored{})
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = scored{score: sc, entry: e}
}

func (p *memPartition) remove(userID string) bool {
	for i := range p.entries {
		if p.entries[i].entry.UserID == userID {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, e Entry) (Entry, error) {
	target, err := s.partition(e.Key())
	if err != nil {
		return Entry{}, err
	}
	if e.JoinedAt.IsZero() {
		e.JoinedAt = time.Now()
	}
	e.Priority = Priority(e.Interests, e.Mode, e.QueueType)
	e.Token = uuid.NewString()

	sh := &s.shards[shardOf(e.UserID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if old, ok := sh.users[e.UserID]; ok {
		p := s.parts[old.key]
		p.mu.Lock()
		p.remove(e.UserID)
		p.mu.Unlock()
	}

	target.mu.Lock()
	target.insert(e)
	target.mu.Unlock()

	sh.users[e.UserID] = indexed{key: e.Key(), token: e.Token}
	return e, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, key PartitionKey, userID string) (bool, error) {
	if _, err := s.partition(key); err != nil {
		return false, err
	}
	sh := &s.shards[shardOf(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	idx, ok := sh.users[userID]
	if !ok || idx.key != key {
		return false, nil
	}
	return s.removeIndexed(sh, userID, idx), nil
}

// removeIndexed requires the user's shard lock.
func (s *MemoryStore) removeIndexed(sh *userShard, userID string, idx indexed) bool {
	p := s.parts[idx.key]
	p.mu.Lock()
	removed := p.remove(userID)
	p.mu.Unlock()
	delete(sh.users, userID)
	return removed
}

// Leave implements Store.
func (s *MemoryStore) Leave(_ context.Context, userID string) (bool, error) {
	sh := &s.shards[shardOf(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	idx, ok := sh.users[userID]
	if !ok {
		return false, nil
	}
	return s.removeIndexed(sh, userID, idx), nil
}

// PeekOldest implements Store.
func (s *MemoryStore) PeekOldest(ctx context.Context, key PartitionKey) (*Entry, error) {
	entries, err := s.Scan(ctx, key, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(_ context.Context, key PartitionKey, limit int) ([]Entry, error) {
	p, err := s.partition(key)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.entries)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = p.entries[i].entry
	}
	return out, nil
}

// Size implements Store.
func (s *MemoryStore) Size(_ context.Context, key PartitionKey) (int64, error) {
	p, err := s.partition(key)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.entries)), nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, userID string) (*Entry, error) {
	sh := &s.shards[shardOf(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	idx, ok := sh.users[userID]
	if !ok {
		return nil, nil
	}
	p := s.parts[idx.key]
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sc := range p.entries {
		if sc.entry.UserID == userID {
			e := sc.entry
			return &e, nil
		}
	}
	return nil, nil
}

// ClaimPair implements Store.
func (s *MemoryStore) ClaimPair(_ context.Context, a, b Entry) (bool, error) {
	if a.UserID == b.UserID {
		return false, errors.New("matching: cannot pair a user with themselves")
	}

	ia, ib := shardOf(a.UserID), shardOf(b.UserID)
	first, second := ia, ib
	if first > second {
		first, second = second, first
	}
	s.shards[first].mu.Lock()
	defer s.shards[first].mu.Unlock()
	if second != first {
		s.shards[second].mu.Lock()
		defer s.shards[second].mu.Unlock()
	}

	shA, shB := &s.shards[ia], &s.shards[ib]
	idxA, okA := shA.users[a.UserID]
	idxB, okB := shB.users[b.UserID]
	if !okA || !okB || idxA.token != a.Token || idxB.token != b.Token {
		return false, nil
	}

	s.removeIndexed(shA, a.UserID, idxA)
	s.removeIndexed(shB, b.UserID, idxB)
	return true, nil
}

// Position implements Store.
func (s *MemoryStore) Position(_ context.Context, key PartitionKey, userID string) (int64, error) {
	p, err := s.partition(key)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, sc := range p.entries {
		if sc.entry.UserID == userID {
			return int64(i + 1), nil
		}
	}
	return 0, nil
}

// RemoveStale implements Store. Candidates are read under the partition's
// read lock and removed one at a time under the owning user's shard lock,
// so no lock is held across partitions.
func (s *MemoryStore) RemoveStale(_ context.Context, key PartitionKey, cutoff time.Time) ([]Entry, error) {
	p, err := s.partition(key)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	var stale []Entry
	for _, sc := range p.entries {
		if sc.entry.JoinedAt.Before(cutoff) {
			stale = append(stale, sc.entry)
		}
	}
	p.mu.RUnlock()

	removed := stale[:0]
	for _, e := range stale {
		sh := &s.shards[shardOf(e.UserID)]
		sh.mu.Lock()
		idx, ok := sh.users[e.UserID]
		if ok && idx.token == e.Token {
			s.removeIndexed(sh, e.UserID, idx)
			removed = append(removed, e)
		}
		sh.mu.Unlock()
	}
	return removed, nil
}
