// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// days is a worked example ported from the original implementation's
// examples/days.rs: it tracks, for every unspent output, the block
// time it was created at, so the synchronizer's hook can later be
// extended to report the average age of the UTXO set.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	bitcoinutxo "github.com/NCrashed/bitcoin-utxo"
	"github.com/NCrashed/bitcoin-utxo/storage"
)

var log = loggo.GetLogger("days")

// daysCoin records the block time an output was created at.
type daysCoin struct {
	created uint32
}

func (d *daysCoin) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, d.created)
	return b, nil
}

func (d *daysCoin) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("daysCoin: corrupt record, want 4 bytes, got %d", len(b))
	}
	d.created = binary.BigEndian.Uint32(b)
	return nil
}

func deriveDaysCoin(height uint32, header *wire.BlockHeader, tx *wire.MsgTx, vout uint32, out *wire.TxOut) daysCoin {
	return daysCoin{created: uint32(header.Timestamp.Unix())}
}

func main() {
	loggo.ConfigureLoggers("<root>=INFO")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: days <peer-address>")
		os.Exit(1)
	}

	cfg := bitcoinutxo.NewDefaultConfig()
	cfg.Network = "mainnet"
	cfg.PeerAddress = os.Args[1]
	cfg.DataDir = "./days_utxo_db"

	sync, err := bitcoinutxo.New[daysCoin, *daysCoin](*cfg, deriveDaysCoin, nil)
	if err != nil {
		log.Errorf("create synchronizer: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sync.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("synchronizer exited: %v", err)
		os.Exit(1)
	}
}

var _ storage.Deriver[daysCoin] = deriveDaysCoin
