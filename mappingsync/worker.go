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

// Package mappingsync keeps the mapping store in step with the substrate
// chain
package mappingsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

const (
	DefaultPollInterval = 6 * time.Second
	DefaultBatchLimit   = 256
	DefaultEventBuffer  = 256
)

var ErrWorkerStarted = errors.New("mapping sync worker already started")

// BlockSource executes a substrate block's ledger transactions. It is used
// to index transaction hashes and is optional
type BlockSource interface {
	ApplyBlock(ctx context.Context, hash substrate.Hash) (*ledger.AppliedBlock, error)
}

type State int32

const (
	StateFollowing State = iota
	StateReorging
)

func (s State) String() string {
	if s == StateReorging {
		return "reorging"
	}
	return "following"
}

type WorkerConfig struct {
	Backend      substrate.Backend
	DB           *database.Database
	EventBus     *event.EventBus
	BlockSource  BlockSource
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	PollInterval time.Duration
	BatchLimit   int
	EventBuffer  int
	// MaxRetryElapsed bounds store retries. Zero retries until cancelled
	MaxRetryElapsed time.Duration
}

// Worker is the single writer of mapping state
type Worker struct {
	config        WorkerConfig
	logger        *slog.Logger
	metrics       workerMetrics
	cancel        context.CancelFunc
	doneCh        chan struct{}
	state         atomic.Int32
	startingSet   bool
	mu            sync.Mutex
	started       bool
	importSubId   event.EventSubscriberId
	finalitySubId event.EventSubscriberId
}

// pendingBlock is a decoded substrate block waiting to become canonical
type pendingBlock struct {
	substrate *substrate.Header
	ledger    ledger.Header
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	w := &Worker{
		config: cfg,
		doneCh: make(chan struct{}),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		w.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		w.logger = cfg.Logger
	}
	w.logger = w.logger.With("component", "mappingsync")
	w.initMetrics()
	return w
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	if s == StateReorging {
		w.metrics.reorging.Set(1)
	} else {
		w.metrics.reorging.Set(0)
	}
}

// Done is closed when the worker goroutine exits
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Start subscribes to substrate notifications and runs the worker until ctx
// is cancelled or Stop is called. It resumes from the stored watermark
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrWorkerStarted
	}
	w.started = true
	if err := w.initStartingBlock(); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	var importCh, finalityCh <-chan event.Event
	var importOverflow, finalityOverflow <-chan struct{}
	if w.config.EventBus != nil {
		w.importSubId, importCh, importOverflow = w.config.EventBus.SubscribeLossy(
			substrate.BlockImportEventType,
			w.config.EventBuffer,
		)
		w.finalitySubId, finalityCh, finalityOverflow = w.config.EventBus.SubscribeLossy(
			substrate.FinalityEventType,
			w.config.EventBuffer,
		)
	}
	go w.run(ctx, importCh, finalityCh, importOverflow, finalityOverflow)
	return nil
}

// Stop cancels the worker and waits for it to exit
func (w *Worker) Stop() {
	w.mu.Lock()
	started := w.started
	cancel := w.cancel
	w.mu.Unlock()
	if !started || cancel == nil {
		return
	}
	cancel()
	<-w.doneCh
}

func (w *Worker) run(
	ctx context.Context,
	importCh <-chan event.Event,
	finalityCh <-chan event.Event,
	importOverflow <-chan struct{},
	finalityOverflow <-chan struct{},
) {
	defer close(w.doneCh)
	if w.config.EventBus != nil {
		defer func() {
			w.config.EventBus.Unsubscribe(substrate.BlockImportEventType, w.importSubId)
			w.config.EventBus.Unsubscribe(substrate.FinalityEventType, w.finalitySubId)
		}()
	}
	if err := w.Resync(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("initial resync failed", "error", err)
	}
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-importCh:
			if !ok {
				return
			}
			importEvt, isImport := evt.Data.(substrate.BlockImportEvent)
			if !isImport {
				continue
			}
			err = w.HandleImport(ctx, importEvt)
		case evt, ok := <-finalityCh:
			if !ok {
				return
			}
			finalityEvt, isFinality := evt.Data.(substrate.FinalityEvent)
			if !isFinality {
				continue
			}
			err = w.HandleFinality(ctx, finalityEvt)
		case <-importOverflow:
			w.logger.Warn("import notifications dropped, resyncing")
			err = w.Resync(ctx)
		case <-finalityOverflow:
			err = w.syncFinality(ctx)
		case <-ticker.C:
			err = w.Resync(ctx)
		}
		if err != nil && ctx.Err() == nil {
			w.logger.Error("mapping sync step failed", "error", err)
		}
	}
}

func (w *Worker) initStartingBlock() error {
	if err := w.config.DB.ClearStartingBlock(); err != nil {
		return fmt.Errorf("clear starting block: %w", err)
	}
	tip, err := w.config.DB.MappingLatestCanonical(nil)
	if err != nil {
		if errors.Is(err, database.ErrMappingNotFound) {
			return nil
		}
		return err
	}
	w.metrics.blockHeight.Set(float64(tip.LedgerNumber))
	return w.recordStartingBlock(tip.LedgerNumber)
}

func (w *Worker) recordStartingBlock(ledgerNumber uint64) error {
	if w.startingSet {
		return nil
	}
	if err := w.config.DB.SetStartingBlock(ledgerNumber); err != nil {
		return err
	}
	w.startingSet = true
	return nil
}

// retry runs op with exponential backoff until it succeeds, returns a
// permanent error or ctx is cancelled
func (w *Worker) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(w.config.MaxRetryElapsed),
	)
	return backoff.RetryNotify(
		op,
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			w.logger.Warn(
				what+" failed, retrying",
				"error", err,
				"retry_in", d,
			)
		},
	)
}

// HandleImport processes one import notification
func (w *Worker) HandleImport(ctx context.Context, evt substrate.BlockImportEvent) error {
	if !evt.IsBest {
		return w.retry(ctx, "side block import", func() error {
			return w.storeSideBlock(ctx, evt.Hash)
		})
	}
	return w.retry(ctx, "block import", func() error {
		return w.processBlock(ctx, evt.Hash)
	})
}

// HandleFinality marks mapped blocks up to the finalized number as final
func (w *Worker) HandleFinality(ctx context.Context, evt substrate.FinalityEvent) error {
	return w.retry(ctx, "finality", func() error {
		count, err := w.config.DB.MappingSetFinalized(evt.Number, nil)
		if err != nil {
			return err
		}
		if count > 0 {
			w.logger.Debug(
				"finalized mapping entries",
				"substrate_number", evt.Number,
				"count", count,
			)
		}
		return nil
	})
}

func (w *Worker) syncFinality(ctx context.Context) error {
	number, ok, err := w.config.Backend.FinalizedNumber(ctx)
	if err != nil || !ok {
		return err
	}
	return w.HandleFinality(ctx, substrate.FinalityEvent{Number: number})
}

// Resync walks the best substrate chain from the watermark to the best
// block, processing at most BatchLimit blocks between context checks
func (w *Worker) Resync(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		best, err := w.config.Backend.BestHeader(ctx)
		if err != nil {
			if errors.Is(err, substrate.ErrHeaderNotFound) {
				return nil
			}
			return fmt.Errorf("best header: %w", err)
		}
		watermark, ok, err := w.config.DB.Watermark(nil)
		if err != nil {
			return err
		}
		start := uint64(0)
		if ok {
			start = watermark + 1
		}
		if start > best.Number {
			return w.syncFinality(ctx)
		}
		end := min(best.Number, start+uint64(w.config.BatchLimit)-1)
		for n := start; n <= end; n++ {
			hash, err := w.config.Backend.CanonicalHash(ctx, n)
			if err != nil {
				// The best chain moved under us, start over
				if errors.Is(err, substrate.ErrHeaderNotFound) {
					break
				}
				return fmt.Errorf("canonical hash %d: %w", n, err)
			}
			if err := w.retry(ctx, "block resync", func() error {
				return w.processBlock(ctx, hash)
			}); err != nil {
				return err
			}
		}
		if end == best.Number {
			return w.syncFinality(ctx)
		}
	}
}

// Rebuild discards sync progress and maps the chain again from genesis
func (w *Worker) Rebuild(ctx context.Context) error {
	w.logger.Info("rebuilding mapping from genesis")
	if err := w.config.DB.WatermarkReset(nil); err != nil {
		return err
	}
	return w.Resync(ctx)
}

// decodeBlock loads a substrate header and decodes its ledger digest. A nil
// header with a nil error means the digest could not be decoded
func (w *Worker) decodeBlock(
	ctx context.Context,
	hash substrate.Hash,
) (*pendingBlock, *substrate.Header, error) {
	hdr, err := w.config.Backend.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("load substrate header %s: %w", hash, err)
	}
	ledgerHdr, err := digest.Decode(hdr.Digest)
	if err != nil {
		w.metrics.decodeErrors.Inc()
		w.logger.Warn(
			"skipping block with undecodable ledger digest",
			"substrate_hash", hash.String(),
			"substrate_number", hdr.Number,
			"error", err,
		)
		return nil, hdr, nil
	}
	return &pendingBlock{substrate: hdr, ledger: ledgerHdr}, hdr, nil
}

func newEntry(blk *pendingBlock, canonical bool) models.MappingEntry {
	return models.MappingEntry{
		SubstrateHash:    blk.substrate.Hash,
		SubstrateNumber:  blk.substrate.Number,
		LedgerHash:       blk.ledger.BlockHash,
		LedgerNumber:     blk.ledger.BlockNumber,
		IsCanonical:      canonical,
		TransactionCount: blk.ledger.TransactionCount,
		EventCount:       blk.ledger.EventCount,
	}
}

func (w *Worker) storeSideBlock(ctx context.Context, hash substrate.Hash) error {
	_, err := w.config.DB.MappingBySubstrateHash(hash, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, database.ErrMappingNotFound) {
		return err
	}
	blk, _, err := w.decodeBlock(ctx, hash)
	if err != nil || blk == nil {
		return err
	}
	return w.config.DB.MappingPut(newEntry(blk, false), nil)
}

func (w *Worker) processBlock(ctx context.Context, hash substrate.Hash) error {
	blk, hdr, err := w.decodeBlock(ctx, hash)
	if err != nil {
		return err
	}
	if blk == nil {
		return w.config.DB.WatermarkAdvance(hdr.Number, nil)
	}
	existing, err := w.config.DB.MappingBySubstrateHash(hash, nil)
	switch {
	case errors.Is(err, database.ErrMappingNotFound):
	case err != nil:
		return err
	case existing.IsCanonical && existing.LedgerHash == blk.ledger.BlockHash:
		return w.config.DB.WatermarkAdvance(hdr.Number, nil)
	}
	tip, err := w.config.DB.MappingLatestCanonical(nil)
	if err != nil && !errors.Is(err, database.ErrMappingNotFound) {
		return err
	}
	if tip == nil && blk.ledger.BlockNumber == 0 ||
		tip != nil && tip.SubstrateHash == hdr.ParentHash &&
			tip.LedgerNumber+1 == blk.ledger.BlockNumber {
		return w.commitBlock(ctx, blk)
	}
	return w.reorg(ctx, blk, tip)
}

func (w *Worker) commitBlock(ctx context.Context, blk *pendingBlock) error {
	entry := newEntry(blk, true)
	rows, hashes := w.indexTransactions(ctx, blk)
	if err := w.config.DB.MappingCommit(entry, rows, blk.substrate.Number); err != nil {
		return err
	}
	w.afterMapped([]mappedBlock{{entry: entry, header: blk.ledger, hashes: hashes}})
	return nil
}

type mappedBlock struct {
	header ledger.Header
	hashes []felt.Felt
	entry  models.MappingEntry
}

func (w *Worker) afterMapped(blocks []mappedBlock) {
	for _, blk := range blocks {
		w.metrics.blockHeight.Set(float64(blk.entry.LedgerNumber))
		w.metrics.transactions.Add(float64(blk.entry.TransactionCount))
		w.metrics.events.Add(float64(blk.entry.EventCount))
		if err := w.recordStartingBlock(blk.entry.LedgerNumber); err != nil {
			w.logger.Warn("failed to record starting block", "error", err)
		}
		w.logger.Debug(
			"mapped block",
			"ledger_number", blk.entry.LedgerNumber,
			"ledger_hash", blk.entry.LedgerHash.String(),
			"substrate_hash", blk.entry.SubstrateHash.String(),
		)
		if w.config.EventBus != nil {
			w.config.EventBus.Publish(
				BlockMappedEventType,
				event.NewEvent(
					BlockMappedEventType,
					BlockMappedEvent{
						Entry:             blk.entry,
						Header:            blk.header,
						TransactionHashes: blk.hashes,
					},
				),
			)
		}
	}
}

// indexTransactions builds transaction index rows for a block. Execution
// failures only cost the index, never the mapping
func (w *Worker) indexTransactions(
	ctx context.Context,
	blk *pendingBlock,
) ([]models.TransactionIndex, []felt.Felt) {
	if w.config.BlockSource == nil || blk.ledger.TransactionCount == 0 {
		return nil, nil
	}
	applied, err := w.config.BlockSource.ApplyBlock(ctx, blk.substrate.Hash)
	if err != nil {
		w.logger.Warn(
			"cannot index block transactions",
			"substrate_hash", blk.substrate.Hash.String(),
			"error", err,
		)
		return nil, nil
	}
	if len(applied.Outcomes) != int(blk.ledger.TransactionCount) {
		w.logger.Warn(
			"executed transaction count does not match header",
			"substrate_hash", blk.substrate.Hash.String(),
			"header_count", blk.ledger.TransactionCount,
			"executed_count", len(applied.Outcomes),
		)
		return nil, nil
	}
	rows := make([]models.TransactionIndex, 0, len(applied.Outcomes))
	hashes := make([]felt.Felt, 0, len(applied.Outcomes))
	for idx, outcome := range applied.Outcomes {
		txHash := outcome.Transaction.Hash.Bytes()
		rows = append(rows, models.TransactionIndex{
			Hash:          txHash[:],
			SubstrateHash: blk.substrate.Hash[:],
			LedgerNumber:  types.Uint64(blk.ledger.BlockNumber),
			TxIndex:       uint32(idx), //nolint:gosec // bounded by header count
		})
		hashes = append(hashes, outcome.Transaction.Hash)
	}
	return rows, hashes
}
