// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package headersync

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/NCrashed/bitcoin-utxo/peer"
	"github.com/NCrashed/bitcoin-utxo/storage"
)

// fakeChain is a minimal in-memory storage.ChainStore for exercising
// the header state machine without pulling in pebble.
type fakeChain struct {
	mtx     sync.Mutex
	headers []wire.BlockHeader
}

func (f *fakeChain) ChainHeight(ctx context.Context) (uint32, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.headers) == 0 {
		return 0, nil
	}
	return uint32(len(f.headers) - 1), nil
}

func (f *fakeChain) BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if int(height) >= len(f.headers) {
		return nil, storage.NotFoundError("not found")
	}
	h := f.headers[height].BlockHash()
	return &h, nil
}

func (f *fakeChain) Header(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, uint32, error) {
	return nil, 0, storage.NotFoundError("unused in tests")
}

func (f *fakeChain) StoreHeaders(ctx context.Context, headers []wire.BlockHeader) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.headers = append(f.headers, headers...)
	return nil
}

func (f *fakeChain) Locator(ctx context.Context) ([]*chainhash.Hash, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.headers) == 0 {
		var zero chainhash.Hash
		return []*chainhash.Hash{&zero}, nil
	}
	h := f.headers[len(f.headers)-1].BlockHash()
	return []*chainhash.Hash{&h}, nil
}

var _ storage.ChainStore = (*fakeChain)(nil)

func connectedPeer(t *testing.T) (*peer.Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, msg, _, err := wire.ReadMessageN(server, wire.ProtocolVersion, wire.TestNet3)
		require.NoError(t, err)
		_, ok := msg.(*wire.MsgVersion)
		require.True(t, ok)

		_, err = wire.WriteMessageN(server, wire.NewMsgVersion(
			wire.NewNetAddress(&net.TCPAddr{}, wire.SFNodeNetwork),
			wire.NewNetAddress(&net.TCPAddr{}, wire.SFNodeNetwork),
			1, 0,
		), wire.ProtocolVersion, wire.TestNet3)
		require.NoError(t, err)

		_, msg, _, err = wire.ReadMessageN(server, wire.ProtocolVersion, wire.TestNet3)
		require.NoError(t, err)
		_, ok = msg.(*wire.MsgVerAck)
		require.True(t, ok)

		_, err = wire.WriteMessageN(server, wire.NewMsgVerAck(), wire.ProtocolVersion, wire.TestNet3)
		require.NoError(t, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := peer.New(ctx, peer.Config{
		Net:     &chaincfg.TestNet3Params,
		Address: "fake:18333",
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	<-done
	return p, server
}

func TestAsksHeadersOnStart(t *testing.T) {
	p, server := connectedPeer(t)
	defer server.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(runCtx)

	s := New(p, &fakeChain{})
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	go s.Run(syncCtx)

	_, msg, _, err := wire.ReadMessageN(server, wire.ProtocolVersion, wire.TestNet3)
	require.NoError(t, err)
	_, ok := msg.(*wire.MsgGetHeaders)
	require.True(t, ok, "expected getheaders, got %T", msg)
}

func TestShortHeadersPageMarksSynced(t *testing.T) {
	p, server := connectedPeer(t)
	defer server.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(runCtx)

	chain := &fakeChain{}
	s := New(p, chain)
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	go s.Run(syncCtx)

	// drain the initial getheaders request
	_, _, _, err := wire.ReadMessageN(server, wire.ProtocolVersion, wire.TestNet3)
	require.NoError(t, err)

	headers := wire.NewMsgHeaders()
	_, err = wire.WriteMessageN(server, headers, wire.ProtocolVersion, wire.TestNet3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.State() == Synced
	}, 2*time.Second, 10*time.Millisecond)
}
