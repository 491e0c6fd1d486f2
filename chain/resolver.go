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

// Package chain resolves ledger block identifiers to materialized blocks
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

const tracerName = "github.com/blinklabs-io/starkview/chain"

// BlockSource provides execution results and contract state for substrate
// blocks
type BlockSource interface {
	ApplyBlock(ctx context.Context, hash substrate.Hash) (*ledger.AppliedBlock, error)
	// NonceAt returns the nonce of a contract after the given block. The
	// boolean is false when the contract does not exist at that block
	NonceAt(ctx context.Context, hash substrate.Hash, contract felt.Felt) (felt.Felt, bool, error)
}

// PendingSource provides the ready transactions for the pending block
type PendingSource interface {
	ReadyQueue() []ledger.PoolTransaction
}

// BlockView is a materialized ledger block
type BlockView struct {
	Header        ledger.Header
	Outcomes      []ledger.TxOutcome
	Status        string
	SubstrateHash substrate.Hash
}

func (b *BlockView) IsPending() bool {
	return b.Status == ledger.StatusPending
}

func (b *BlockView) TransactionHashes() []felt.Felt {
	ret := make([]felt.Felt, len(b.Outcomes))
	for i, o := range b.Outcomes {
		ret[i] = o.Transaction.Hash
	}
	return ret
}

type ResolverConfig struct {
	DB               *database.Database
	Backend          substrate.Backend
	Source           BlockSource
	Pending          PendingSource
	Logger           *slog.Logger
	PromRegistry     prometheus.Registerer
	CacheSize        int
	SequencerAddress felt.Felt
	ProtocolVersion  string
	// Now returns the pending block timestamp. Defaults to time.Now
	Now func() time.Time
}

// Resolver turns block identifiers into blocks using the mapping store
type Resolver struct {
	config ResolverConfig
	logger *slog.Logger
	cache  *blockCache
	tracer trace.Tracer
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.DB == nil {
		return nil, errors.New("resolver requires a database")
	}
	if cfg.Backend == nil {
		return nil, errors.New("resolver requires a substrate backend")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cache, err := newBlockCache(cfg.CacheSize, cfg.PromRegistry)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	r := &Resolver{
		config: cfg,
		cache:  cache,
		tracer: otel.Tracer(tracerName),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		r.logger = cfg.Logger
	}
	r.logger = r.logger.With("component", "chain")
	return r, nil
}

func (r *Resolver) startSpan(
	ctx context.Context,
	name string,
	id BlockID,
) (context.Context, trace.Span) {
	return r.tracer.Start(
		ctx,
		name,
		trace.WithAttributes(attribute.String("block_id", id.String())),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Resolve materializes the block selected by id
func (r *Resolver) Resolve(ctx context.Context, id BlockID) (ret *BlockView, err error) {
	ctx, span := r.startSpan(ctx, "chain.Resolve", id)
	defer func() { endSpan(span, err) }()
	if id.IsPending() {
		return r.pendingBlock()
	}
	entry, err := r.resolveEntry(id)
	if err != nil {
		return nil, err
	}
	return r.materialize(ctx, entry)
}

// resolveEntry finds the canonical mapping entry for a non-pending id
func (r *Resolver) resolveEntry(id BlockID) (*models.MappingEntry, error) {
	var entry *models.MappingEntry
	var err error
	switch id.Kind {
	case BlockIDHash:
		entry, err = r.config.DB.MappingByLedgerHash(id.Hash, nil)
	case BlockIDNumber:
		entry, err = r.config.DB.MappingCanonicalByNumber(id.Number, nil)
	case BlockIDLatest:
		entry, err = r.config.DB.MappingLatestCanonical(nil)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidBlockID, id.Kind)
	}
	if err != nil {
		if errors.Is(err, database.ErrMappingNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("mapping lookup for block %s: %w", id, err)
	}
	return entry, nil
}

func (r *Resolver) materialize(
	ctx context.Context,
	entry *models.MappingEntry,
) (*BlockView, error) {
	if view, ok := r.cache.Get(entry.SubstrateHash); ok {
		return view, nil
	}
	if r.config.Source == nil {
		return nil, ErrBlockSourceUnavailable
	}
	hdr, err := r.config.Backend.HeaderByHash(ctx, entry.SubstrateHash)
	if err != nil {
		return nil, fmt.Errorf("load substrate header %s: %w", entry.SubstrateHash, err)
	}
	ledgerHdr, err := digest.Decode(hdr.Digest)
	if err != nil {
		return nil, fmt.Errorf("decode mapped block %s: %w", entry.SubstrateHash, err)
	}
	applied, err := r.config.Source.ApplyBlock(ctx, entry.SubstrateHash)
	if err != nil {
		return nil, fmt.Errorf("apply block %s: %w", entry.SubstrateHash, err)
	}
	ledgerHdr.StateRoot = applied.StateRoot
	view := &BlockView{
		Header:        ledgerHdr,
		Outcomes:      applied.Outcomes,
		Status:        ledger.StatusAcceptedOnL2,
		SubstrateHash: entry.SubstrateHash,
	}
	r.cache.Put(view)
	return view, nil
}

func (r *Resolver) pendingBlock() (*BlockView, error) {
	var parent felt.Felt
	latest, err := r.config.DB.MappingLatestCanonical(nil)
	switch {
	case err == nil:
		parent = latest.LedgerHash
	case errors.Is(err, database.ErrMappingNotFound):
	default:
		return nil, fmt.Errorf("latest mapping: %w", err)
	}
	var ready []ledger.PoolTransaction
	if r.config.Pending != nil {
		ready = r.config.Pending.ReadyQueue()
	}
	outcomes := make([]ledger.TxOutcome, 0, len(ready))
	for _, tx := range ready {
		outcomes = append(outcomes, ledger.TxOutcome{Transaction: tx.Transaction})
	}
	return &BlockView{
		Header: ledger.Header{
			ParentHash:       parent,
			SequencerAddress: r.config.SequencerAddress,
			Timestamp:        uint64(r.config.Now().Unix()), // #nosec G115
			TransactionCount: uint32(len(outcomes)),         // #nosec G115
			ProtocolVersion:  r.config.ProtocolVersion,
		},
		Outcomes: outcomes,
		Status:   ledger.StatusPending,
	}, nil
}

// TransactionByIndex returns the transaction at index i in the block
func (r *Resolver) TransactionByIndex(
	ctx context.Context,
	id BlockID,
	i uint64,
) (*ledger.Transaction, error) {
	view, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if i >= uint64(len(view.Outcomes)) {
		return nil, ErrInvalidTxIndex
	}
	return &view.Outcomes[i].Transaction, nil
}

// TransactionCount returns the number of transactions in the block without
// executing it
func (r *Resolver) TransactionCount(ctx context.Context, id BlockID) (ret uint64, err error) {
	_, span := r.startSpan(ctx, "chain.TransactionCount", id)
	defer func() { endSpan(span, err) }()
	if id.IsPending() {
		if r.config.Pending == nil {
			return 0, nil
		}
		return uint64(len(r.config.Pending.ReadyQueue())), nil
	}
	entry, err := r.resolveEntry(id)
	if err != nil {
		return 0, err
	}
	return uint64(entry.TransactionCount), nil
}

// ResolveNumber returns the ledger number selected by id without
// materializing the block. Pending resolves to one past the latest block
func (r *Resolver) ResolveNumber(_ context.Context, id BlockID) (uint64, error) {
	if id.IsPending() {
		latest, err := r.config.DB.MappingLatestCanonical(nil)
		if err != nil {
			if errors.Is(err, database.ErrMappingNotFound) {
				return 0, nil
			}
			return 0, err
		}
		return latest.LedgerNumber + 1, nil
	}
	entry, err := r.resolveEntry(id)
	if err != nil {
		return 0, err
	}
	return entry.LedgerNumber, nil
}

// HashAndNumber returns the hash and number of the latest canonical block
func (r *Resolver) HashAndNumber(_ context.Context) (felt.Felt, uint64, error) {
	entry, err := r.config.DB.MappingLatestCanonical(nil)
	if err != nil {
		if errors.Is(err, database.ErrMappingNotFound) {
			return felt.Zero, 0, ErrNoBlocks
		}
		return felt.Zero, 0, err
	}
	return entry.LedgerHash, entry.LedgerNumber, nil
}

func (r *Resolver) LatestNumber(ctx context.Context) (uint64, error) {
	_, number, err := r.HashAndNumber(ctx)
	return number, err
}

// Nonce returns a contract nonce at the given block. Pending reads at latest
func (r *Resolver) Nonce(
	ctx context.Context,
	id BlockID,
	contract felt.Felt,
) (ret felt.Felt, err error) {
	ctx, span := r.startSpan(ctx, "chain.Nonce", id)
	defer func() { endSpan(span, err) }()
	if id.IsPending() {
		id = LatestBlockID()
	}
	entry, err := r.resolveEntry(id)
	if err != nil {
		return felt.Zero, err
	}
	if r.config.Source == nil {
		return felt.Zero, ErrBlockSourceUnavailable
	}
	nonce, ok, err := r.config.Source.NonceAt(ctx, entry.SubstrateHash, contract)
	if err != nil {
		return felt.Zero, fmt.Errorf("nonce at %s: %w", entry.SubstrateHash, err)
	}
	if !ok {
		return felt.Zero, ErrContractNotFound
	}
	return nonce, nil
}

// TransactionByHash returns a canonical transaction and its block
func (r *Resolver) TransactionByHash(
	ctx context.Context,
	hash felt.Felt,
) (*ledger.Transaction, *BlockView, error) {
	ctx, span := r.tracer.Start(
		ctx,
		"chain.TransactionByHash",
		trace.WithAttributes(attribute.String("tx_hash", hash.String())),
	)
	loc, err := r.config.DB.TransactionLocationByHash(hash)
	if err != nil {
		if errors.Is(err, database.ErrTransactionNotFound) {
			err = ErrTransactionNotFound
		}
		endSpan(span, err)
		return nil, nil, err
	}
	view, err := r.materialize(ctx, loc.Mapping)
	if err != nil {
		endSpan(span, err)
		return nil, nil, err
	}
	endSpan(span, nil)
	if int(loc.TxIndex) >= len(view.Outcomes) ||
		view.Outcomes[loc.TxIndex].Transaction.Hash != hash {
		r.logger.Warn(
			"transaction index out of step with block contents",
			"tx_hash", hash.String(),
			"substrate_hash", loc.Mapping.SubstrateHash.String(),
		)
		return nil, nil, ErrTransactionNotFound
	}
	return &view.Outcomes[loc.TxIndex].Transaction, view, nil
}

// SyncStatus reports progress of the mapping against the substrate chain
type SyncStatus struct {
	StartingHash   felt.Felt
	StartingNumber uint64
	CurrentHash    felt.Felt
	CurrentNumber  uint64
	HighestHash    felt.Felt
	HighestNumber  uint64
	Syncing        bool
}

// Syncing compares the sync watermark with the best substrate block
func (r *Resolver) Syncing(ctx context.Context) (*SyncStatus, error) {
	best, err := r.config.Backend.BestHeader(ctx)
	if err != nil {
		if errors.Is(err, substrate.ErrHeaderNotFound) {
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("best header: %w", err)
	}
	watermark, ok, err := r.config.DB.Watermark(nil)
	if err != nil {
		return nil, err
	}
	if ok && watermark >= best.Number {
		return &SyncStatus{}, nil
	}
	ret := &SyncStatus{Syncing: true}
	current, err := r.config.DB.MappingLatestCanonical(nil)
	switch {
	case err == nil:
		ret.CurrentHash = current.LedgerHash
		ret.CurrentNumber = current.LedgerNumber
	case errors.Is(err, database.ErrMappingNotFound):
	default:
		return nil, err
	}
	ret.StartingHash, ret.StartingNumber = ret.CurrentHash, ret.CurrentNumber
	startNum, ok, err := r.config.DB.StartingBlock()
	if err != nil {
		return nil, err
	}
	if ok {
		start, err := r.config.DB.MappingCanonicalByNumber(startNum, nil)
		if err != nil && !errors.Is(err, database.ErrMappingNotFound) {
			return nil, err
		}
		if start != nil {
			ret.StartingHash, ret.StartingNumber = start.LedgerHash, start.LedgerNumber
		}
	}
	ret.HighestHash, ret.HighestNumber = ret.CurrentHash, ret.CurrentNumber
	if highest, err := digest.Decode(best.Digest); err == nil {
		ret.HighestHash, ret.HighestNumber = highest.BlockHash, highest.BlockNumber
	}
	return ret, nil
}
