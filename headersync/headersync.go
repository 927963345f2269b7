// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package headersync drives the header chain to the peer's tip: it
// asks for headers as soon as Run starts (the peer handshake is done
// by then), keeps asking while the peer answers with full 2000-header
// pages, and re-asks on inv
// announcements and a slow liveness tick once caught up. Modeled on
// the original implementation's sync/headers.rs state machine.
package headersync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/NCrashed/bitcoin-utxo/peer"
	"github.com/NCrashed/bitcoin-utxo/storage"
)

var log = loggo.GetLogger("headersync")

// fullPage is the header count a GetHeaders reply carries when the
// peer has more to send; fewer means we've reached its tip.
const fullPage = 2000

// livenessInterval is how often, once synced, the synchronizer
// double-checks for new headers even without an inv nudge.
const livenessInterval = 60 * time.Second

// State is the header synchronizer's externally observable status.
type State int

const (
	Idle State = iota
	AwaitingHeaders
	Synced
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingHeaders:
		return "awaiting_headers"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Syncer keeps a storage.ChainStore's header chain caught up with one
// peer connection.
type Syncer struct {
	p     *peer.Peer
	chain storage.ChainStore

	state atomic.Int32
}

// New creates a header syncer bound to p and chain. Run must be called
// to drive it.
func New(p *peer.Peer, chain storage.ChainStore) *Syncer {
	return &Syncer{p: p, chain: chain}
}

// State reports the current synchronization state.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

// Run subscribes to the peer's broadcast and processes headers/inv
// messages until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) error {
	sub := s.p.Subscribe()
	defer s.p.Unsubscribe(sub)

	if err := s.askHeaders(ctx); err != nil {
		return fmt.Errorf("initial ask headers: %w", err)
	}
	s.state.Store(int32(AwaitingHeaders))

	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if s.State() == Synced {
				log.Debugf("liveness tick: re-asking headers")
				if err := s.askHeaders(ctx); err != nil {
					log.Errorf("liveness ask headers: %v", err)
				}
			}

		case env, ok := <-sub:
			if !ok {
				return errors.New("headersync: peer connection closed")
			}
			if env.Lagged {
				// We may have missed a Headers or Inv; re-ask to be
				// sure we converge.
				if err := s.askHeaders(ctx); err != nil {
					log.Errorf("lagged re-ask: %v", err)
				}
				continue
			}
			if err := s.handle(ctx, env.Msg); err != nil {
				log.Errorf("handle %T: %v", env.Msg, err)
			}
		}
	}
}

func (s *Syncer) handle(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgHeaders:
		return s.handleHeaders(ctx, m)
	case *wire.MsgInv:
		return s.handleInv(ctx, m)
	}
	return nil
}

func (s *Syncer) handleHeaders(ctx context.Context, m *wire.MsgHeaders) error {
	if len(m.Headers) == 0 {
		s.state.Store(int32(Synced))
		return nil
	}

	headers := make([]wire.BlockHeader, len(m.Headers))
	for i, h := range m.Headers {
		headers[i] = *h
	}

	if err := s.chain.StoreHeaders(ctx, headers); err != nil {
		if errors.Is(err, storage.ErrNonContiguous) {
			log.Debugf("discarding non-contiguous header batch (%d headers)", len(headers))
			return nil
		}
		return fmt.Errorf("store headers: %w", err)
	}

	log.Infof("stored %d headers", len(headers))

	if len(m.Headers) < fullPage {
		s.state.Store(int32(Synced))
		return nil
	}

	s.state.Store(int32(AwaitingHeaders))
	return s.askHeaders(ctx)
}

func (s *Syncer) handleInv(ctx context.Context, m *wire.MsgInv) error {
	if s.State() != Synced {
		return nil
	}
	for _, inv := range m.InvList {
		if inv.Type == wire.InvTypeBlock || inv.Type == wire.InvTypeWitnessBlock {
			return s.askHeaders(ctx)
		}
	}
	return nil
}

func (s *Syncer) askHeaders(ctx context.Context) error {
	locator, err := s.chain.Locator(ctx)
	if err != nil {
		return fmt.Errorf("locator: %w", err)
	}

	msg := wire.NewMsgGetHeaders()
	for _, h := range locator {
		if err := msg.AddBlockLocatorHash(h); err != nil {
			return fmt.Errorf("add locator hash: %w", err)
		}
	}

	if err := s.p.Send(ctx, msg); err != nil {
		return fmt.Errorf("send getheaders: %w", err)
	}
	log.Debugf("sent getheaders with %d locator hashes", len(locator))
	return nil
}
