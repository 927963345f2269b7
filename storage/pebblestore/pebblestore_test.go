// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pebblestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/NCrashed/bitcoin-utxo/storage"
)

func openTestDB(t *testing.T) *ChainDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "chain"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewChainDB(db)
}

// buildHeaderChain returns n headers, height 1..n, each linked to its
// predecessor's hash via PrevBlock (height 0, the genesis, is the
// caller's responsibility). Nonce is varied per height so every header
// hashes to a distinct value.
func buildHeaderChain(n int, genesis wire.BlockHeader) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, n)
	prev := genesis.BlockHash()
	for i := 0; i < n; i++ {
		headers[i] = wire.BlockHeader{
			PrevBlock: prev,
			Nonce:     uint32(i + 1),
		}
		prev = headers[i].BlockHash()
	}
	return headers
}

func TestLocatorAtHeight19(t *testing.T) {
	ctx := context.Background()
	chain := openTestDB(t)

	var genesis wire.BlockHeader
	require.NoError(t, chain.StoreHeaders(ctx, []wire.BlockHeader{genesis}))

	headers := buildHeaderChain(19, genesis)
	require.NoError(t, chain.StoreHeaders(ctx, headers))

	tip, err := chain.ChainHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 19, tip)

	locator, err := chain.Locator(ctx)
	require.NoError(t, err)

	// S6: heights 19, 18, 17, 15, 11, 3, genesis — strides 1, 1, 2, 4,
	// 8, then genesis.
	wantHeights := []uint32{19, 18, 17, 15, 11, 3, 0}
	require.Len(t, locator, len(wantHeights))

	allHashes := append([]wire.BlockHeader{genesis}, headers...)
	hashAt := func(height uint32) chainhash.Hash {
		return allHashes[height].BlockHash()
	}
	for i, h := range wantHeights {
		want := hashAt(h)
		require.Equal(t, want, *locator[i], "locator[%d] should be height %d", i, h)
	}
}

func TestStoreHeadersRejectsNonContiguousBatch(t *testing.T) {
	ctx := context.Background()
	chain := openTestDB(t)

	var genesis wire.BlockHeader
	require.NoError(t, chain.StoreHeaders(ctx, []wire.BlockHeader{genesis}))

	headers := buildHeaderChain(3, genesis)
	require.NoError(t, chain.StoreHeaders(ctx, headers))

	// A header whose PrevBlock doesn't match the current tip's hash.
	var bogusPrev chainhash.Hash
	bogusPrev[0] = 0xff
	disconnected := wire.BlockHeader{PrevBlock: bogusPrev, Nonce: 999}

	err := chain.StoreHeaders(ctx, []wire.BlockHeader{disconnected})
	require.ErrorIs(t, err, storage.ErrNonContiguous)

	tip, err := chain.ChainHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, tip, "rejected batch must not have moved the tip")
}
