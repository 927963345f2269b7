// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package storage defines the typed façade the synchronizer uses to
// reach the chain and UTXO state. It treats the underlying key-value
// engine as a transactional ordered byte map; see storage/pebblestore
// for the concrete adapter.
package storage

import (
	"context"
	"encoding"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Outpoint identifies a single unspent transaction output.
type Outpoint struct {
	TxID  chainhash.Hash
	Index uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// StatePtr constrains a user state type T so that *T can be
// (de)serialized without reflection. Callers supply a concrete T whose
// pointer type implements these two interfaces; the core never
// inspects T itself.
type StatePtr[T any] interface {
	*T
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Deriver computes the minimum state a caller needs to remember about
// one transaction output while it is unspent. It is called exactly
// once per output, in transaction order, before any input in the same
// block is processed.
type Deriver[T any] func(height uint32, header *wire.BlockHeader, tx *wire.MsgTx, vout uint32, out *wire.TxOut) T

// Checkpoint is the single batched write a UTXO sync checkpoint
// applies: additions, removals, and the new utxo tip height, all
// observed atomically together.
type Checkpoint[T any, PT StatePtr[T]] struct {
	Height  uint32
	Adds    map[Outpoint]T
	Removes []Outpoint
}

// ChainStore is the typed view over height->hash and hash->header,
// plus the chain tip marker and locator construction.
type ChainStore interface {
	// ChainHeight returns the highest stored header height.
	ChainHeight(ctx context.Context) (uint32, error)

	// BlockHash returns the hash stored at height, or ErrNotFound.
	BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error)

	// Header returns the header for hash and the height it was stored
	// at, or ErrNotFound.
	Header(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, uint32, error)

	// StoreHeaders appends a contiguous batch of headers. The batch is
	// rejected with ErrNonContiguous (no mutation performed) unless
	// its first header's PrevBlock equals the current tip's hash, or
	// the store is empty and the first header is genesis (PrevBlock
	// all-zero).
	StoreHeaders(ctx context.Context, headers []wire.BlockHeader) error

	// Locator builds a Bitcoin block locator for the current tip:
	// heights tip, tip-1, tip-2, tip-4, tip-8, ... doubling stride
	// until it would go below 0, terminated by the genesis hash.
	Locator(ctx context.Context) ([]*chainhash.Hash, error)
}

// UTXOStore is the typed view over outpoint->Coin<T> plus the utxo tip
// marker.
type UTXOStore[T any, PT StatePtr[T]] interface {
	// UTXOHeight returns the height the persisted UTXO set reflects.
	UTXOHeight(ctx context.Context) (uint32, error)

	// Coin looks up a single persisted coin, or ErrNotFound.
	Coin(ctx context.Context, op Outpoint) (*T, error)

	// ApplyCheckpoint commits cp.Adds, cp.Removes and the new utxo tip
	// height as a single atomic write.
	ApplyCheckpoint(ctx context.Context, cp Checkpoint[T, PT]) error
}
