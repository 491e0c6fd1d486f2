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

package devnet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

const (
	DefaultBlockTime       = 6 * time.Second
	DefaultFinalityDepth   = 2
	DefaultMaxBlockTxs     = 500
	DefaultProtocolVersion = "0.13.1"
)

var ErrProducerRunning = errors.New("block producer already running")

// ReadyPool supplies the transactions that can be included next
type ReadyPool interface {
	ReadyQueue() []ledger.PoolTransaction
}

type ProducerConfig struct {
	Chain            *Chain
	Store            *Store
	Pool             ReadyPool
	Logger           *slog.Logger
	PromRegistry     prometheus.Registerer
	Now              func() time.Time
	SequencerAddress felt.Felt
	ProtocolVersion  string
	BlockTime        time.Duration
	FinalityDepth    uint64
	MaxBlockTxs      int
}

// Producer seals devnet blocks from the ready queue on a fixed interval
type Producer struct {
	config   ProducerConfig
	logger   *slog.Logger
	executor *Executor
	metrics  *producerMetrics
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	sealMu   sync.Mutex
	running  bool
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Chain == nil {
		return nil, errors.New("devnet chain is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("devnet store is required")
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = DefaultFinalityDepth
	}
	if cfg.MaxBlockTxs <= 0 {
		cfg.MaxBlockTxs = DefaultMaxBlockTxs
	}
	logger := cfg.Logger.With("component", "devnet_producer")
	return &Producer{
		config:   cfg,
		logger:   logger,
		executor: NewExecutor(cfg.SequencerAddress, logger),
		metrics:  initProducerMetrics(cfg.PromRegistry),
	}, nil
}

// Start seals the genesis block if the chain is empty and then seals a block
// every BlockTime until ctx is cancelled or Stop is called
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProducerRunning
	}
	if _, err := p.config.Chain.BestHeader(ctx); err != nil {
		if !errors.Is(err, substrate.ErrHeaderNotFound) {
			p.mu.Unlock()
			return err
		}
		if _, err := p.Seal(ctx); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("seal genesis: %w", err)
		}
	}
	p.running = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info(
		"block producer started",
		"block_time", p.config.BlockTime.String(),
	)

	go p.runLoop(ctx)
	return nil
}

// Stop blocks until the run loop has exited
func (p *Producer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("block producer stopped")
}

func (p *Producer) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Producer) runLoop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()
	ticker := time.NewTicker(p.config.BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Seal(ctx); err != nil {
				p.logger.Error("failed to seal block", "error", err)
			}
		}
	}
}

// Seal builds a block on top of the best block from the ready queue and
// imports it. On an empty chain it seals the genesis block without
// transactions
func (p *Producer) Seal(ctx context.Context) (*substrate.Header, error) {
	p.sealMu.Lock()
	defer p.sealMu.Unlock()
	hdr, err := p.seal(ctx)
	if err != nil {
		p.metrics.sealFailures.Inc()
		return nil, err
	}
	return hdr, nil
}

func (p *Producer) seal(ctx context.Context) (*substrate.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var parent *substrate.Header
	var parentLedger ledger.Header
	best, err := p.config.Chain.BestHeader(ctx)
	switch {
	case err == nil:
		parent = best
		parentLedger, err = digest.Decode(best.Digest)
		if err != nil {
			return nil, fmt.Errorf("decode parent %s: %w", best.Hash, err)
		}
	case errors.Is(err, substrate.ErrHeaderNotFound):
	default:
		return nil, err
	}

	ledgerHdr := ledger.Header{
		SequencerAddress: p.config.SequencerAddress,
		// #nosec G115
		Timestamp:       uint64(p.config.Now().Unix()),
		ProtocolVersion: p.config.ProtocolVersion,
	}
	subHdr := substrate.Header{}
	var parentHash substrate.Hash
	var txs []ledger.Transaction
	if parent != nil {
		parentHash = parent.Hash
		subHdr.ParentHash = parent.Hash
		subHdr.Number = parent.Number + 1
		ledgerHdr.ParentHash = parentLedger.BlockHash
		ledgerHdr.BlockNumber = parentLedger.BlockNumber + 1
		txs = p.readyTransactions()
	}
	parentNonces, err := p.config.Store.Nonces(parentHash)
	if err != nil {
		return nil, err
	}
	outcomes, nonces, skipped := p.executor.Execute(parentNonces, txs)
	applied := &ledger.AppliedBlock{
		Outcomes:  outcomes,
		StateRoot: stateRoot(nonces),
	}
	// #nosec G115
	ledgerHdr.TransactionCount = uint32(len(outcomes))
	// #nosec G115
	ledgerHdr.EventCount = uint32(applied.EventCount())
	ledgerHdr.StateRoot = applied.StateRoot
	ledgerHdr.BlockHash = ledgerHdr.ComputeHash()

	item, err := digest.Encode(ledgerHdr)
	if err != nil {
		return nil, err
	}
	subHdr.Digest = digest.Digest{item}
	subHdr.Hash, err = HeaderHash(&subHdr)
	if err != nil {
		return nil, err
	}
	// The import notification triggers execution lookups, so the result
	// must be stored first
	if err := p.config.Store.Put(subHdr.Hash, applied, nonces); err != nil {
		return nil, fmt.Errorf("store applied block: %w", err)
	}
	imported, isBest, err := p.config.Chain.Import(ctx, subHdr)
	if err != nil {
		return nil, fmt.Errorf("import block: %w", err)
	}
	if !isBest {
		return nil, fmt.Errorf("sealed block %s did not become best", imported.Hash)
	}

	p.metrics.blocksSealed.Inc()
	p.metrics.skippedTxs.Add(float64(len(skipped)))
	p.metrics.blockTxCount.Observe(float64(len(outcomes)))
	p.metrics.blockEvents.Observe(float64(applied.EventCount()))
	p.metrics.bestBlock.Set(float64(imported.Number))
	p.logger.Info(
		"sealed block",
		"number", ledgerHdr.BlockNumber,
		"block_hash", ledgerHdr.BlockHash.String(),
		"substrate_hash", imported.Hash.String(),
		"tx_count", len(outcomes),
		"skipped", len(skipped),
	)

	if imported.Number >= p.config.FinalityDepth {
		finalNumber := imported.Number - p.config.FinalityDepth
		if err := p.config.Chain.Finalize(ctx, finalNumber); err != nil {
			return imported, fmt.Errorf("finalize block %d: %w", finalNumber, err)
		}
		p.metrics.finalizedBlock.Set(float64(finalNumber))
	}
	return imported, nil
}

func (p *Producer) readyTransactions() []ledger.Transaction {
	if p.config.Pool == nil {
		return nil
	}
	ready := p.config.Pool.ReadyQueue()
	if len(ready) > p.config.MaxBlockTxs {
		ready = ready[:p.config.MaxBlockTxs]
	}
	ret := make([]ledger.Transaction, 0, len(ready))
	for _, tx := range ready {
		ret = append(ret, tx.Transaction)
	}
	return ret
}

// stateRoot commits to the nonce table
func stateRoot(nonces NonceTable) felt.Felt {
	addrs := make([][felt.Bytes]byte, 0, len(nonces))
	for addr := range nonces {
		addrs = append(addrs, addr.Bytes())
	}
	slices.SortFunc(addrs, func(a, b [felt.Bytes]byte) int {
		return bytes.Compare(a[:], b[:])
	})
	parts := make([][]byte, 0, 2*len(addrs))
	for _, addr := range addrs {
		var nonce [8]byte
		binary.BigEndian.PutUint64(nonce[:], nonces[felt.FromBytes(addr[:])])
		parts = append(parts, addr[:], nonce[:])
	}
	return felt.Keccak(parts...)
}
