// Package server orchestrates the TarnFS daemon: it owns the shared
// stores, the protocol adapters, and the blob release collector, and
// runs them under one lifecycle.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/adapter"
	"github.com/tarnfs/tarnfs/pkg/gc"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

const stopTimeout = 30 * time.Second

// TarnServer manages protocol adapters sharing one metadata store and
// one content store.
//
// Lifecycle: New, AddAdapter for each protocol, optionally
// SetCollector, then Serve once. Context cancellation triggers
// graceful shutdown of everything.
//
// Thread safety: AddAdapter may be called concurrently before Serve.
// Serve must be called exactly once.
type TarnServer struct {
	meta  metadata.Store
	blobs content.Store

	mu        sync.Mutex
	adapters  []adapter.Adapter
	collector *gc.Collector
	served    bool
}

// New creates a server over the shared stores. Panics on nil stores;
// that is a wiring bug, not a runtime condition.
func New(meta metadata.Store, blobs content.Store) *TarnServer {
	if meta == nil {
		panic("metadata store cannot be nil")
	}
	if blobs == nil {
		panic("content store cannot be nil")
	}
	return &TarnServer{meta: meta, blobs: blobs}
}

// AddAdapter registers a protocol adapter and injects the shared
// stores into it. Duplicate protocols are rejected.
func (s *TarnServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve()")
	}

	for _, existing := range s.adapters {
		if existing.Protocol() == a.Protocol() {
			return fmt.Errorf("adapter for protocol %s already registered", a.Protocol())
		}
	}

	a.SetStores(s.meta, s.blobs)
	s.adapters = append(s.adapters, a)

	logger.Info("registered %s adapter on %s", a.Protocol(), a.Addr())
	return nil
}

// SetCollector attaches the blob release collector so it starts and
// stops with the server.
func (s *TarnServer) SetCollector(c *gc.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		panic("cannot set collector after Serve()")
	}
	s.collector = c
}

// Serve starts every adapter plus the collector and blocks until ctx
// is cancelled or an adapter fails. On either event all adapters are
// stopped in reverse registration order and Serve waits for them to
// drain before returning.
func (s *TarnServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		panic("Serve() called twice")
	}
	s.served = true
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	collector := s.collector
	s.mu.Unlock()

	if len(adapters) == 0 {
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("starting tarnfs server with %d adapter(s)", len(adapters))

	if collector != nil {
		collector.Start()
		defer collector.Stop()
	}

	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			name := a.Protocol()
			if err := a.Serve(ctx); err != nil {
				// context.Canceled is the normal shutdown path.
				if err != context.Canceled && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", name, err)
					errChan <- adapterError{protocol: name, err: err}
					return
				}
			}
			logger.Debug("%s adapter stopped", name)
		}(adp)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received: %v", ctx.Err())
		s.stopAll(adapters)
		shutdownErr = ctx.Err()

	case aerr := <-errChan:
		logger.Error("%s adapter failed, stopping all adapters", aerr.protocol)
		s.stopAll(adapters)
		shutdownErr = fmt.Errorf("%s adapter: %w", aerr.protocol, aerr.err)
	}

	wg.Wait()
	logger.Info("tarnfs server stopped")
	return shutdownErr
}

type adapterError struct {
	protocol string
	err      error
}

// stopAll stops adapters in reverse registration order, each bounded
// by stopTimeout.
func (s *TarnServer) stopAll(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		if err := a.Stop(ctx); err != nil {
			logger.Warn("stopping %s adapter: %v", a.Protocol(), err)
		}
	}
}
