// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package pebblestore implements storage.ChainStore and
// storage.UTXOStore over a cockroachdb/pebble database, treating it as
// the transactional ordered byte map the façade's contract requires.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cockroachdb/pebble/v2"

	"github.com/NCrashed/bitcoin-utxo/storage"
)

// Key prefixes. See SPEC_FULL.md §4.1.
const (
	prefixHeight = 'h' // height -> hash
	prefixHash   = 'b' // hash -> header
	keyChainTip  = "t" // singleton: chain tip height
	prefixCoin   = 'u' // txid||vout -> coin state
	keyUTXOTip   = "v" // singleton: utxo tip height
)

// quietLogger silences pebble's info logs, keeping only errors.
// Grounded on containerman17-l1-data-tools's indexers/pcx/db/pebble.go.
type quietLogger struct{}

func (quietLogger) Infof(format string, args ...interface{}) {}
func (quietLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[pebble] "+format, args...)
}

func (quietLogger) Fatalf(format string, args ...interface{}) {
	log.Fatalf("[pebble] "+format, args...)
}

// Open opens (or creates) a pebble database at dir.
func Open(dir string) (*pebble.DB, error) {
	return pebble.Open(dir, &pebble.Options{Logger: quietLogger{}})
}

func heightKey(height uint32) []byte {
	k := make([]byte, 1+4)
	k[0] = prefixHeight
	binary.BigEndian.PutUint32(k[1:], height)
	return k
}

func hashKey(hash *chainhash.Hash) []byte {
	k := make([]byte, 1+chainhash.HashSize)
	k[0] = prefixHash
	copy(k[1:], hash[:])
	return k
}

func coinKey(op storage.Outpoint) []byte {
	k := make([]byte, 1+chainhash.HashSize+4)
	k[0] = prefixCoin
	copy(k[1:1+chainhash.HashSize], op.TxID[:])
	binary.BigEndian.PutUint32(k[1+chainhash.HashSize:], op.Index)
	return k
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// ChainDB implements storage.ChainStore.
type ChainDB struct {
	db *pebble.DB
}

// NewChainDB wraps db as a storage.ChainStore.
func NewChainDB(db *pebble.DB) *ChainDB {
	return &ChainDB{db: db}
}

var _ storage.ChainStore = (*ChainDB)(nil)

func (c *ChainDB) ChainHeight(ctx context.Context) (uint32, error) {
	val, closer, err := c.db.Get([]byte(keyChainTip))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chain height: %w", err)
	}
	defer closer.Close()
	if len(val) != 4 {
		return 0, fmt.Errorf("chain height: corrupt marker")
	}
	return binary.BigEndian.Uint32(val), nil
}

func (c *ChainDB) BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	val, closer, err := c.db.Get(heightKey(height))
	if err == pebble.ErrNotFound {
		return nil, storage.NotFoundError(fmt.Sprintf("block hash at height %d not found", height))
	}
	if err != nil {
		return nil, fmt.Errorf("block hash: %w", err)
	}
	defer closer.Close()
	var h chainhash.Hash
	copy(h[:], val)
	return &h, nil
}

func (c *ChainDB) Header(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, uint32, error) {
	val, closer, err := c.db.Get(hashKey(hash))
	if err == pebble.ErrNotFound {
		return nil, 0, storage.NotFoundError(fmt.Sprintf("header %s not found", hash))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("header: %w", err)
	}
	defer closer.Close()
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("header: corrupt record")
	}
	height := binary.BigEndian.Uint32(val[:4])
	var bh wire.BlockHeader
	if err := bh.Deserialize(bytes.NewReader(val[4:])); err != nil {
		return nil, 0, fmt.Errorf("header deserialize: %w", err)
	}
	return &bh, height, nil
}

func (c *ChainDB) StoreHeaders(ctx context.Context, headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	_, tipCloser, tipErr := c.db.Get([]byte(keyChainTip))
	empty := tipErr == pebble.ErrNotFound
	if tipErr != nil && tipErr != pebble.ErrNotFound {
		return fmt.Errorf("store headers: %w", tipErr)
	}
	if tipCloser != nil {
		tipCloser.Close()
	}
	curHeight, err := c.ChainHeight(ctx)
	if err != nil {
		return err
	}

	first := headers[0]
	if !empty {
		tipHash, err := c.BlockHash(ctx, curHeight)
		if err != nil {
			return fmt.Errorf("store headers: %w", err)
		}
		if first.PrevBlock != *tipHash {
			return storage.ErrNonContiguous
		}
	} else {
		var zero chainhash.Hash
		if first.PrevBlock != zero {
			return storage.ErrNonContiguous
		}
	}

	batch := c.db.NewBatch()
	defer batch.Close()

	height := curHeight
	if !empty {
		height++
	}
	for i := range headers {
		h := headers[i]
		hash := h.BlockHash()

		var w bytes.Buffer
		if err := h.Serialize(&w); err != nil {
			return fmt.Errorf("serialize header: %w", err)
		}
		buf := append(be32(height), w.Bytes()...)

		if err := batch.Set(heightKey(height), hash[:], nil); err != nil {
			return fmt.Errorf("store headers: %w", err)
		}
		if err := batch.Set(hashKey(&hash), buf, nil); err != nil {
			return fmt.Errorf("store headers: %w", err)
		}

		if i < len(headers)-1 {
			height++
		}
	}
	if err := batch.Set([]byte(keyChainTip), be32(height), nil); err != nil {
		return fmt.Errorf("store headers: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store headers commit: %w", err)
	}
	return nil
}

// Locator builds the canonical sparse block locator: heights tip,
// tip-1, tip-2, tip-4, tip-8, ... doubling stride, terminated by the
// genesis hash.
func (c *ChainDB) Locator(ctx context.Context) ([]*chainhash.Hash, error) {
	tip, err := c.ChainHeight(ctx)
	if err != nil {
		return nil, err
	}

	var hashes []*chainhash.Hash
	seen := make(map[uint32]bool)
	step := uint32(1)
	h := tip
	for {
		if !seen[h] {
			hash, err := c.BlockHash(ctx, h)
			if err != nil {
				return nil, fmt.Errorf("locator: %w", err)
			}
			hashes = append(hashes, hash)
			seen[h] = true
		}
		if h < step {
			break
		}
		h -= step
		if len(hashes) >= 2 {
			step *= 2
		}
	}
	if !seen[0] {
		genesis, err := c.BlockHash(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("locator genesis: %w", err)
		}
		hashes = append(hashes, genesis)
	}
	return hashes, nil
}

// UTXODB implements storage.UTXOStore[T, PT] over pebble.
type UTXODB[T any, PT storage.StatePtr[T]] struct {
	db *pebble.DB
}

// NewUTXODB wraps db as a storage.UTXOStore[T, PT].
func NewUTXODB[T any, PT storage.StatePtr[T]](db *pebble.DB) *UTXODB[T, PT] {
	return &UTXODB[T, PT]{db: db}
}

func (u *UTXODB[T, PT]) UTXOHeight(ctx context.Context) (uint32, error) {
	val, closer, err := u.db.Get([]byte(keyUTXOTip))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("utxo height: %w", err)
	}
	defer closer.Close()
	if len(val) != 4 {
		return 0, fmt.Errorf("utxo height: corrupt marker")
	}
	return binary.BigEndian.Uint32(val), nil
}

func (u *UTXODB[T, PT]) Coin(ctx context.Context, op storage.Outpoint) (*T, error) {
	val, closer, err := u.db.Get(coinKey(op))
	if err == pebble.ErrNotFound {
		return nil, storage.NotFoundError(fmt.Sprintf("coin %s not found", op))
	}
	if err != nil {
		return nil, fmt.Errorf("coin: %w", err)
	}
	defer closer.Close()

	var t T
	pt := PT(&t)
	b := make([]byte, len(val))
	copy(b, val)
	if err := pt.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("coin unmarshal: %w", err)
	}
	return &t, nil
}

func (u *UTXODB[T, PT]) ApplyCheckpoint(ctx context.Context, cp storage.Checkpoint[T, PT]) error {
	batch := u.db.NewBatch()
	defer batch.Close()

	for op, state := range cp.Adds {
		s := state
		pt := PT(&s)
		b, err := pt.MarshalBinary()
		if err != nil {
			return fmt.Errorf("checkpoint marshal %s: %w", op, err)
		}
		if err := batch.Set(coinKey(op), b, nil); err != nil {
			return fmt.Errorf("checkpoint set %s: %w", op, err)
		}
	}
	for _, op := range cp.Removes {
		if err := batch.Delete(coinKey(op), nil); err != nil {
			return fmt.Errorf("checkpoint delete %s: %w", op, err)
		}
	}
	if err := batch.Set([]byte(keyUTXOTip), be32(cp.Height), nil); err != nil {
		return fmt.Errorf("checkpoint tip: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("checkpoint commit: %w", err)
	}
	return nil
}
