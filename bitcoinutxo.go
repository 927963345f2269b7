// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package bitcoinutxo is a streaming, embeddable reflection of the
// Bitcoin UTXO set: it keeps a local header chain and a caller-defined
// projection of the unspent output set caught up with one peer,
// handing the caller a per-block hook to build their own derived state
// (an index, a balance table, whatever they need) without having to
// speak the P2P protocol themselves.
package bitcoinutxo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/cockroachdb/pebble/v2"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/NCrashed/bitcoin-utxo/cache"
	"github.com/NCrashed/bitcoin-utxo/headersync"
	"github.com/NCrashed/bitcoin-utxo/metrics"
	"github.com/NCrashed/bitcoin-utxo/peer"
	"github.com/NCrashed/bitcoin-utxo/storage"
	"github.com/NCrashed/bitcoin-utxo/storage/pebblestore"
	"github.com/NCrashed/bitcoin-utxo/utxosync"
)

var log = loggo.GetLogger("bitcoinutxo")

// Config configures a Synchronizer. Grounded on service/tbc's
// Config/NewDefaultConfig shape.
type Config struct {
	// Network selects chain parameters: "mainnet", "testnet3", or
	// "regtest".
	Network string

	// PeerAddress is the single upstream Bitcoin node to connect to,
	// host:port. Dialing additional peers is out of scope; see
	// DESIGN.md.
	PeerAddress string

	// DataDir is the pebble database directory.
	DataDir string

	// PrometheusListenAddress, if non-empty, serves /metrics.
	PrometheusListenAddress string

	// LogLevel is a juju/loggo level name, e.g. "INFO", "DEBUG".
	LogLevel string
}

// NewDefaultConfig returns a Config with the teacher's conventional
// defaults filled in.
func NewDefaultConfig() *Config {
	return &Config{
		Network:  "mainnet",
		LogLevel: "INFO",
	}
}

func (c *Config) chainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %v", c.Network)
	}
}

// Synchronizer wires a peer connection, header chain, and UTXO cache
// together and drives them to the peer's tip. T is the caller's
// per-output state type; PT is its pointer type, constrained so it
// can be (de)serialized without reflection.
type Synchronizer[T any, PT storage.StatePtr[T]] struct {
	cfg     Config
	params  *chaincfg.Params
	deriver storage.Deriver[T]
	hook    utxosync.BlockHook[T]

	db *pebble.DB

	chain storage.ChainStore
	utxo  storage.UTXOStore[T, PT]
	cache *cache.Cache[T]

	mtx     sync.RWMutex
	running bool

	heightCond *sync.Cond
}

// New opens the database and builds a Synchronizer. It does not dial
// the peer or start syncing; call Run for that.
func New[T any, PT storage.StatePtr[T]](cfg Config, deriver storage.Deriver[T], hook utxosync.BlockHook[T]) (*Synchronizer[T, PT], error) {
	if deriver == nil {
		return nil, errors.New("bitcoinutxo: deriver must not be nil")
	}

	params, err := cfg.chainParams()
	if err != nil {
		return nil, err
	}

	db, err := pebblestore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Synchronizer[T, PT]{
		cfg:     cfg,
		params:  params,
		deriver: deriver,
		hook:    hook,
		db:      db,
		chain:   pebblestore.NewChainDB(db),
		utxo:    pebblestore.NewUTXODB[T, PT](db),
		cache:   cache.New[T](),
	}
	s.heightCond = sync.NewCond(&s.mtx)

	if err := s.insertGenesisIfEmpty(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("insert genesis: %w", err)
	}

	return s, nil
}

func (s *Synchronizer[T, PT]) insertGenesisIfEmpty(ctx context.Context) error {
	if _, err := s.chain.BlockHash(ctx, 0); err == nil {
		return nil
	}

	genesis := s.params.GenesisBlock.Header
	log.Infof("inserting genesis block header %v", s.params.GenesisHash)
	return s.chain.StoreHeaders(ctx, []wire.BlockHeader{genesis})
}

// Run connects to the configured peer and drives header and utxo
// synchronization concurrently until ctx is canceled or either fails.
func (s *Synchronizer[T, PT]) Run(ctx context.Context) error {
	s.mtx.Lock()
	if s.running {
		s.mtx.Unlock()
		return errors.New("bitcoinutxo: already running")
	}
	s.running = true
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		s.running = false
		s.mtx.Unlock()
	}()

	defer s.db.Close()

	p, err := peer.New(ctx, peer.Config{Net: s.params, Address: s.cfg.PeerAddress})
	if err != nil {
		return fmt.Errorf("connect peer %v: %w", s.cfg.PeerAddress, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(gctx)
	})

	hsync := headersync.New(p, s.chain)
	g.Go(func() error {
		err := hsync.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	collectors := metrics.New(
		func() float64 {
			if s.isRunning() {
				return 1
			}
			return 0
		},
		func() float64 {
			h, _ := s.chain.ChainHeight(context.Background())
			return float64(h)
		},
		func() float64 {
			h, _ := s.utxo.UTXOHeight(context.Background())
			return float64(h)
		},
	)

	usync := utxosync.New[T, PT](p, s.chain, s.utxo, s.cache, s.deriver, s.wrapHook(), collectors)
	g.Go(func() error {
		err := usync.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.cfg.PrometheusListenAddress != "" {
		promServer := metrics.NewServer(s.cfg.PrometheusListenAddress, collectors)
		g.Go(func() error {
			return promServer.Run(gctx)
		})
	}

	return g.Wait()
}

// wrapHook broadcasts a height-change signal to WaitHeightChange
// waiters around the caller's hook, matching the original
// implementation's wait_utxo_height_changes helper.
func (s *Synchronizer[T, PT]) wrapHook() utxosync.BlockHook[T] {
	return func(ctx context.Context, height uint32, block *wire.MsgBlock) error {
		var err error
		if s.hook != nil {
			err = s.hook(ctx, height, block)
		}
		s.heightCond.L.Lock()
		s.heightCond.Broadcast()
		s.heightCond.L.Unlock()
		return err
	}
}

func (s *Synchronizer[T, PT]) isRunning() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.running
}

// WaitSynced blocks until the utxo height equals the chain height, or
// ctx is canceled. Grounded on the original implementation's
// wait_utxo_sync.
func (s *Synchronizer[T, PT]) WaitSynced(ctx context.Context, poll time.Duration) error {
	for {
		utxoH, err := s.utxo.UTXOHeight(ctx)
		if err != nil {
			return err
		}
		chainH, err := s.chain.ChainHeight(ctx)
		if err != nil {
			return err
		}
		if utxoH == chainH {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// WaitHeightChange blocks until the utxo height advances past its
// value at call time, or ctx is canceled. Grounded on the original
// implementation's wait_utxo_height_changes.
func (s *Synchronizer[T, PT]) WaitHeightChange(ctx context.Context) error {
	start, err := s.utxo.UTXOHeight(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.heightCond.L.Lock()
		defer s.heightCond.L.Unlock()
		for {
			if ctx.Err() != nil {
				return
			}
			cur, err := s.utxo.UTXOHeight(ctx)
			if err != nil || cur != start {
				return
			}
			s.heightCond.Wait()
		}
	}()

	select {
	case <-ctx.Done():
		// unstick the waiter so it observes ctx cancellation and exits;
		// holding the lock ensures it is already parked in Wait.
		s.heightCond.L.Lock()
		s.heightCond.Broadcast()
		s.heightCond.L.Unlock()
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}
