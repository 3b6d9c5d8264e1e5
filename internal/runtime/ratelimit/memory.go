package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// MemoryStore keeps records in process memory, split over mutex-guarded
// shards so unrelated keys rarely contend.
type MemoryStore struct {
	shards [shardCount]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]Record)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Take(ctx context.Context, key string, policy Policy, now time.Time) (Decision, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, exists := sh.records[key]
	rec, decision := take(rec, exists, policy, now)
	sh.records[key] = rec
	return decision, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.records, key)
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.Expired(now) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
