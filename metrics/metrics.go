// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package metrics exposes the synchronizer's Prometheus collectors
// over plain net/http + promhttp, grounded on the teacher's Collector
// registration in service/tbc/tbc.go — the teacher's own listener
// (hemilabs/heminetwork/service/deucalion) isn't available outside its
// module, so this reimplements the same shape directly on
// promhttp.HandlerFor over a private registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("metrics")

const promSubsystem = "bitcoin_utxo"

// Collectors holds every gauge/counter the synchronizer updates.
// State funcs are read lazily by the registry on scrape, matching the
// teacher's promRunning GaugeFunc pattern.
type Collectors struct {
	Running         prometheus.GaugeFunc
	ChainHeight     prometheus.GaugeFunc
	UTXOHeight      prometheus.GaugeFunc
	BlocksProcessed prometheus.Counter
	Checkpoints     prometheus.Counter
}

// New builds the collector set from the given state accessors.
func New(running func() float64, chainHeight, utxoHeight func() float64) *Collectors {
	return &Collectors{
		Running: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "running",
			Help:      "Is the synchronizer running.",
		}, running),
		ChainHeight: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "chain_height",
			Help:      "Highest stored header height.",
		}, chainHeight),
		UTXOHeight: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "utxo_height",
			Help:      "Height the persisted UTXO set reflects.",
		}, utxoHeight),
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_processed_total",
			Help:      "Total blocks processed by the utxo synchronizer.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "checkpoints_total",
			Help:      "Total checkpoint batches committed to the utxo store.",
		}),
	}
}

func (c *Collectors) asCollectors() []prometheus.Collector {
	return []prometheus.Collector{c.Running, c.ChainHeight, c.UTXOHeight, c.BlocksProcessed, c.Checkpoints}
}

// Server serves the collectors at /metrics until ctx is canceled.
type Server struct {
	addr       string
	collectors *Collectors
}

// NewServer binds the HTTP listener address; listening starts in Run.
func NewServer(addr string, c *Collectors) *Server {
	return &Server{addr: addr, collectors: c}
}

// Run registers the collectors on a fresh registry and serves them
// until ctx is canceled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	for _, c := range s.collectors.asCollectors() {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: s.addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		log.Infof("prometheus listening on %v", s.addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen and serve: %w", err)
	}
}
