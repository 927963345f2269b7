// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// dialPipe returns a Config.Dial that hands back one side of an
// in-memory net.Pipe, giving the test direct control of the other end
// as a fake remote node.
func dialPipe(remote net.Conn) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return remote, nil
	}
}

func fakeNodeHandshake(t *testing.T, conn net.Conn, net_ wire.BitcoinNet) {
	t.Helper()
	_, msg, _, err := wire.ReadMessageN(conn, wire.ProtocolVersion, net_)
	require.NoError(t, err)
	_, ok := msg.(*wire.MsgVersion)
	require.True(t, ok, "expected version message, got %T", msg)

	_, err = wire.WriteMessageN(conn, wire.NewMsgVersion(
		wire.NewNetAddress(&net.TCPAddr{}, wire.SFNodeNetwork),
		wire.NewNetAddress(&net.TCPAddr{}, wire.SFNodeNetwork),
		1,
		0,
	), wire.ProtocolVersion, net_)
	require.NoError(t, err)

	// net.Pipe is unbuffered: the client writes its verack as soon as it
	// has read our version, so read that before writing our own verack.
	_, msg, _, err = wire.ReadMessageN(conn, wire.ProtocolVersion, net_)
	require.NoError(t, err)
	_, ok = msg.(*wire.MsgVerAck)
	require.True(t, ok, "expected verack, got %T", msg)

	_, err = wire.WriteMessageN(conn, wire.NewMsgVerAck(), wire.ProtocolVersion, net_)
	require.NoError(t, err)
}

func TestHandshakeAndBroadcast(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	handshakeDone := make(chan struct{})
	go func() {
		fakeNodeHandshake(t, server, wire.TestNet3)
		close(handshakeDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, Config{
		Net:     &chaincfg.TestNet3Params,
		Address: "fake:18333",
		Dial:    dialPipe(client),
	})
	require.NoError(t, err)
	<-handshakeDone

	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go p.Run(runCtx)

	inv := wire.NewMsgInv()
	go func() {
		_, _ = wire.WriteMessageN(server, inv, wire.ProtocolVersion, wire.TestNet3)
	}()

	select {
	case env := <-sub:
		require.False(t, env.Lagged)
		_, ok := env.Msg.(*wire.MsgInv)
		require.True(t, ok, "expected inv message, got %T", env.Msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestSendEnqueuesOnOutboundQueue(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	handshakeDone := make(chan struct{})
	go func() {
		fakeNodeHandshake(t, server, wire.TestNet3)
		close(handshakeDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, Config{
		Net:     &chaincfg.TestNet3Params,
		Address: "fake:18333",
		Dial:    dialPipe(client),
	})
	require.NoError(t, err)
	<-handshakeDone

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go p.Run(runCtx)

	readDone := make(chan wire.Message, 1)
	go func() {
		_, msg, _, err := wire.ReadMessageN(server, wire.ProtocolVersion, wire.TestNet3)
		if err == nil {
			readDone <- msg
		}
	}()

	require.NoError(t, p.Send(ctx, wire.NewMsgGetAddr()))

	select {
	case msg := <-readDone:
		_, ok := msg.(*wire.MsgGetAddr)
		require.True(t, ok, "expected getaddr message, got %T", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
}

// TestLaggedSubscriberSignalsThenRecovers exercises the S4 scenario
// (lagged subscriber): a subscriber that falls more than subscriberDepth
// messages behind must eventually see a Lagged envelope instead of the
// hub silently dropping messages forever, and must resume seeing
// normal messages afterward — the property requestBlock's
// resend-on-Lagged branch depends on.
func TestLaggedSubscriberSignalsThenRecovers(t *testing.T) {
	p := &Peer{subs: make(map[chan Envelope]*subState)}
	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	// Fill the subscriber's queue to exactly capacity without draining,
	// then overflow it once so the hub marks the subscriber lagging.
	for i := 0; i < subscriberDepth; i++ {
		p.publish(wire.NewMsgInv())
	}
	p.publish(wire.NewMsgInv())

	// Drain everything queued so far. No Lagged marker has been
	// inserted yet: the overflowing publish call found no room left
	// for it either, so it only set the lagging flag.
	for len(sub) > 0 {
		<-sub
	}

	// The next publish finds the queue empty and the subscriber still
	// marked lagging, so it delivers the Lagged marker ahead of the
	// new message in this same call.
	p.publish(wire.NewMsgGetAddr())

	select {
	case env := <-sub:
		require.True(t, env.Lagged, "expected the Lagged marker to be delivered once room freed up")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Lagged marker")
	}

	select {
	case env := <-sub:
		require.False(t, env.Lagged)
		_, ok := env.Msg.(*wire.MsgGetAddr)
		require.True(t, ok, "expected getaddr message after recovering from lag, got %T", env.Msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-lag delivery")
	}
}
