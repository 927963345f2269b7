// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package cache implements the sharded, in-memory write-back UTXO
// cache described in SPEC_FULL.md §4.2: concurrent block workers
// insert and spend outpoints without touching disk, and the
// synchronizer drains the whole cache at checkpoints.
package cache

import (
	"errors"
	"sync"

	"github.com/juju/loggo"

	"github.com/NCrashed/bitcoin-utxo/storage"
)

var log = loggo.GetLogger("cache")

// ErrDoubleCreate indicates an outpoint was inserted while it was
// already pending removal — either peer misbehavior or a bug in the
// caller's block ordering. Fatal per SPEC_FULL.md §7.
var ErrDoubleCreate = errors.New("cache: outpoint already pending removal")

const shardCount = 256

// Cache is a sharded write-back cache of outpoint -> state T. It never
// blocks on disk; callers are responsible for draining shards and
// persisting the result at checkpoints.
type Cache[T any] struct {
	shards [shardCount]shard[T]
}

type shard[T any] struct {
	mtx     sync.Mutex
	adds    map[storage.Outpoint]T
	removes map[storage.Outpoint]struct{}
}

// New creates an empty cache.
func New[T any]() *Cache[T] {
	c := &Cache[T]{}
	for i := range c.shards {
		c.shards[i].adds = make(map[storage.Outpoint]T)
		c.shards[i].removes = make(map[storage.Outpoint]struct{})
	}
	return c
}

func shardIndex(op storage.Outpoint) int {
	return int(op.TxID[0])
}

// Insert records a newly created, not-yet-persisted output. It
// returns ErrDoubleCreate if the outpoint is already pending removal
// (it would have to already exist on disk or in adds for that to be
// possible, which means the same outpoint was produced twice).
func (c *Cache[T]) Insert(op storage.Outpoint, state T) error {
	s := &c.shards[shardIndex(op)]
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.removes[op]; ok {
		return ErrDoubleCreate
	}
	s.adds[op] = state
	return nil
}

// Spend marks an outpoint as consumed. If it was created earlier in
// the same cache window it is simply dropped from adds (never
// materialized to disk); otherwise it is recorded in removes so the
// next checkpoint deletes it.
func (c *Cache[T]) Spend(op storage.Outpoint) {
	s := &c.shards[shardIndex(op)]
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.adds[op]; ok {
		delete(s.adds, op)
		return
	}
	s.removes[op] = struct{}{}
}

// Lookup returns the effective in-cache view of op: present in adds,
// or absent-and-pending-delete. ok is false when the cache has no
// opinion and the caller must consult disk.
func (c *Cache[T]) Lookup(op storage.Outpoint) (state T, removed bool, ok bool) {
	s := &c.shards[shardIndex(op)]
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if v, found := s.adds[op]; found {
		return v, false, true
	}
	if _, found := s.removes[op]; found {
		return state, true, true
	}
	return state, false, false
}

// Drain empties every shard and returns the aggregated adds/removes
// snapshot for the caller to persist.
func (c *Cache[T]) Drain() (adds map[storage.Outpoint]T, removes []storage.Outpoint) {
	adds = make(map[storage.Outpoint]T)
	for i := range c.shards {
		s := &c.shards[i]
		s.mtx.Lock()
		for op, state := range s.adds {
			adds[op] = state
		}
		for op := range s.removes {
			removes = append(removes, op)
		}
		s.adds = make(map[storage.Outpoint]T)
		s.removes = make(map[storage.Outpoint]struct{})
		s.mtx.Unlock()
	}
	log.Debugf("drained cache: %d adds, %d removes", len(adds), len(removes))
	return adds, removes
}
