// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package starkview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/devnet"
	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/mappingsync"
	"github.com/blinklabs-io/starkview/mempool"
	"github.com/blinklabs-io/starkview/pending"
	"github.com/blinklabs-io/starkview/rpc"
)

var ErrNodeStarted = errors.New("node already started")

type Node struct {
	eventBus      *event.EventBus
	db            *database.Database
	chain         *devnet.Chain
	store         *devnet.Store
	mempool       *mempool.Mempool
	worker        *mappingsync.Worker
	resolver      *chain.Resolver
	producer      *devnet.Producer
	rpcServer     *rpc.Server
	shutdownFuncs []func(context.Context) error
	config        Config
	started       bool
	startMu       sync.Mutex
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config: cfg,
		done:   make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

// openDatabase opens the database, repairing a lagging metadata store
func (n *Node) openDatabase() error {
	db, err := database.New(&database.Config{
		DataDir:        n.config.dataDir,
		Logger:         n.config.logger,
		PromRegistry:   n.config.promRegistry,
		MetadataPlugin: n.config.metadataPlugin,
		MetadataDsn:    n.config.metadataDsn,
	})
	if db == nil {
		if err == nil {
			err = errors.New("empty database returned")
		}
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	if err != nil {
		var dbErr database.CommitTimestampError
		if !errors.As(err, &dbErr) {
			return fmt.Errorf("failed to open database: %w", err)
		}
		// The mapping can be rebuilt from the substrate chain, which is
		// committed first
		n.config.logger.Warn(
			"database initialization error, rebuilding mapping",
			"error", err,
		)
		n.config.resyncFromGenesis = true
	}
	return nil
}

// load opens storage and builds every component without starting any
// background work
func (n *Node) load() error {
	if err := n.openDatabase(); err != nil {
		return err
	}
	n.eventBus = event.NewEventBus(n.config.promRegistry, n.config.logger)
	dc, err := devnet.NewChain(n.db.Blob(), n.eventBus, n.config.logger)
	if err != nil {
		return fmt.Errorf("failed to load chain: %w", err)
	}
	n.chain = dc
	n.store = devnet.NewStore(n.db.Blob(), n.chain)
	n.mempool = mempool.NewMempool(mempool.MempoolConfig{
		MempoolCapacity: n.config.mempoolCapacity,
		Logger:          n.config.logger,
		EventBus:        n.eventBus,
		PromRegistry:    n.config.promRegistry,
		NonceReader:     n.store,
	})
	n.worker = mappingsync.NewWorker(mappingsync.WorkerConfig{
		Backend:      n.chain,
		DB:           n.db,
		EventBus:     n.eventBus,
		BlockSource:  n.store,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		PollInterval: n.config.syncPollInterval,
		BatchLimit:   int(n.config.syncBatchLimit), // #nosec G115
	})
	n.resolver, err = chain.NewResolver(chain.ResolverConfig{
		DB:               n.db,
		Backend:          n.chain,
		Source:           n.store,
		Pending:          n.mempool,
		Logger:           n.config.logger,
		PromRegistry:     n.config.promRegistry,
		CacheSize:        n.config.blockCacheSize,
		SequencerAddress: n.config.sequencerAddress,
	})
	if err != nil {
		return fmt.Errorf("failed to create block resolver: %w", err)
	}
	return nil
}

// Run starts the node and blocks until ctx is done or Stop is called
func (n *Node) Run(ctx context.Context) error {
	n.startMu.Lock()
	if n.started {
		n.startMu.Unlock()
		return ErrNodeStarted
	}
	n.started = true
	err := n.start(ctx)
	n.startMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-n.done:
	}
	return nil
}

func (n *Node) start(ctx context.Context) error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(ctx); err != nil {
			return err
		}
	}
	if err := n.load(); err != nil {
		return err
	}
	if n.config.resyncFromGenesis {
		if err := n.worker.Rebuild(ctx); err != nil {
			return fmt.Errorf("failed to rebuild mapping: %w", err)
		}
	}
	// The worker must be subscribed before the producer seals genesis
	if err := n.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mapping sync worker: %w", err)
	}
	if n.config.isDevMode() {
		producer, err := devnet.NewProducer(devnet.ProducerConfig{
			Chain:            n.chain,
			Store:            n.store,
			Pool:             n.mempool,
			Logger:           n.config.logger,
			PromRegistry:     n.config.promRegistry,
			SequencerAddress: n.config.sequencerAddress,
			BlockTime:        n.config.blockTime,
			FinalityDepth:    n.config.finalityDepth,
			MaxBlockTxs:      n.config.maxBlockTxs,
		})
		if err != nil {
			return fmt.Errorf("failed to create block producer: %w", err)
		}
		n.producer = producer
		if err := n.producer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start block producer: %w", err)
		}
	}
	rpcServer, err := rpc.NewServer(rpc.ServerConfig{
		Logger:          n.config.logger,
		PromRegistry:    n.config.promRegistry,
		Resolver:        n.resolver,
		Pending:         pending.NewProjector(n.mempool),
		Submitter:       n.mempool,
		ChainID:         n.config.chainID,
		Host:            n.config.bindAddr,
		Port:            n.config.rpcPort,
		ReuseAddress:    n.config.rpcReuseAddress,
		TlsCertFilePath: n.config.tlsCertFilePath,
		TlsKeyFilePath:  n.config.tlsKeyFilePath,
		CorsOrigins:     n.config.corsOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create RPC server: %w", err)
	}
	n.rpcServer = rpcServer
	if err := n.rpcServer.Start(ctx); err != nil {
		return err
	}
	n.config.logger.Info(
		"node started",
		"component", "node",
		"run_mode", n.config.runMode,
	)
	return nil
}

// RPCAddr returns the address of the JSON-RPC listener, or nil when the
// node is not serving
func (n *Node) RPCAddr() net.Addr {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.rpcServer == nil {
		return nil
	}
	return n.rpcServer.Addr()
}

// Rebuild opens the database, maps the substrate chain again from genesis
// and shuts down
func (n *Node) Rebuild(ctx context.Context) error {
	n.startMu.Lock()
	if n.started {
		n.startMu.Unlock()
		return ErrNodeStarted
	}
	n.started = true
	n.startMu.Unlock()
	err := n.load()
	if err == nil {
		err = n.worker.Rebuild(ctx)
	}
	return errors.Join(err, n.Stop())
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.rpcServer != nil {
		if stopErr := n.rpcServer.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("rpc shutdown: %w", stopErr))
		}
	}

	if n.producer != nil {
		n.producer.Stop()
	}

	// Phase 2: Drain background work
	n.config.logger.Debug("shutdown phase 2: stopping workers")

	if n.worker != nil {
		n.worker.Stop()
	}

	if n.mempool != nil {
		n.mempool.Stop()
	}

	// Phase 3: Close database
	n.config.logger.Debug("shutdown phase 3: closing database")

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Phase 4: Cleanup resources
	n.config.logger.Debug("shutdown phase 4: cleanup resources")

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
