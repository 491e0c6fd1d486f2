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

// Package eventquery answers ranged, filtered and paginated event queries
package eventquery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/felt"
)

const (
	MaxChunkSize = 1000
	MaxKeys      = 100
)

var (
	ErrPageSizeTooBig = errors.New("requested page size is too big")
	ErrTooManyKeys    = errors.New("too many keys provided in a filter")
)

// BlockResolver is the subset of chain.Resolver used by the engine
type BlockResolver interface {
	Resolve(ctx context.Context, id chain.BlockID) (*chain.BlockView, error)
	ResolveNumber(ctx context.Context, id chain.BlockID) (uint64, error)
}

// Request is an events filter with paging
type Request struct {
	FromBlock         *chain.BlockID `json:"from_block,omitempty"`
	ToBlock           *chain.BlockID `json:"to_block,omitempty"`
	Address           *felt.Felt     `json:"address,omitempty"`
	ContinuationToken *string        `json:"continuation_token,omitempty"`
	Keys              [][]felt.Felt  `json:"keys,omitempty"`
	ChunkSize         uint64         `json:"chunk_size"`
}

// EmittedEvent is an event with the block and transaction that emitted it
type EmittedEvent struct {
	FromAddress     felt.Felt   `json:"from_address"`
	Keys            []felt.Felt `json:"keys"`
	Data            []felt.Felt `json:"data"`
	BlockHash       *felt.Felt  `json:"block_hash,omitempty"`
	BlockNumber     *uint64     `json:"block_number,omitempty"`
	TransactionHash felt.Felt   `json:"transaction_hash"`
}

type Page struct {
	Events            []EmittedEvent `json:"events"`
	ContinuationToken *string        `json:"continuation_token"`
}

type Engine struct {
	resolver BlockResolver
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewEngine(resolver BlockResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Engine{
		resolver: resolver,
		logger:   logger.With("component", "eventquery"),
		tracer:   otel.Tracer("github.com/blinklabs-io/starkview/eventquery"),
	}
}

func validate(req *Request) error {
	if req.ChunkSize > MaxChunkSize {
		return ErrPageSizeTooBig
	}
	if len(req.Keys) > MaxKeys {
		return ErrTooManyKeys
	}
	total := 0
	for _, list := range req.Keys {
		total += len(list)
		if len(list) > MaxKeys || total > MaxKeys {
			return ErrTooManyKeys
		}
	}
	return nil
}

// blockRange is an inclusive range of ledger numbers. When pending is set
// the last number is the synthetic pending block
type blockRange struct {
	from    uint64
	to      uint64
	pending bool
	empty   bool
}

func (e *Engine) resolveRange(ctx context.Context, req *Request) (blockRange, error) {
	var ret blockRange
	if req.FromBlock != nil {
		from, err := e.resolver.ResolveNumber(ctx, *req.FromBlock)
		if err != nil {
			return ret, err
		}
		ret.from = from
	}
	toID := chain.LatestBlockID()
	if req.ToBlock != nil {
		toID = *req.ToBlock
	}
	to, err := e.resolver.ResolveNumber(ctx, toID)
	if err != nil {
		return ret, err
	}
	ret.to = to
	ret.pending = toID.IsPending()
	ret.empty = ret.from > ret.to
	return ret, nil
}

// GetEvents returns one page of events matching req
func (e *Engine) GetEvents(ctx context.Context, req Request) (ret *Page, err error) {
	ctx, span := e.tracer.Start(
		ctx,
		"eventquery.GetEvents",
		trace.WithAttributes(
			attribute.Int64("chunk_size", int64(req.ChunkSize)), // #nosec G115
			attribute.Int("key_positions", len(req.Keys)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err := validate(&req); err != nil {
		return nil, err
	}
	chunk := int(req.ChunkSize)
	if chunk == 0 {
		chunk = MaxChunkSize
	}
	var start Position
	if req.ContinuationToken != nil {
		start, err = ParseToken(*req.ContinuationToken)
		if err != nil {
			return nil, err
		}
	}
	rng, err := e.resolveRange(ctx, &req)
	if err != nil {
		return nil, err
	}
	if req.ContinuationToken != nil &&
		(rng.empty || start.BlockOffset > rng.to-rng.from) {
		return nil, ErrInvalidContinuationToken
	}
	page := &Page{Events: []EmittedEvent{}}
	if rng.empty {
		return page, nil
	}
	flt := newFilter(req.Address, req.Keys)
	first := rng.from + start.BlockOffset
	for n := first; n <= rng.to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rng.pending && n == rng.to {
			// The pending block has not been executed and carries no events
			if n == first && (start.TxIndex != 0 || start.EventIndex != 0) {
				return nil, ErrInvalidContinuationToken
			}
			break
		}
		view, err := e.resolver.Resolve(ctx, chain.NumberBlockID(n))
		if err != nil {
			if errors.Is(err, chain.ErrBlockNotFound) && n != rng.from && n != rng.to {
				e.logger.Debug("skipping unmapped block inside range", "block_number", n)
				continue
			}
			return nil, err
		}
		var txStart, evStart uint32
		if n == first {
			txStart, evStart = start.TxIndex, start.EventIndex
			if err := checkResume(view, txStart, evStart); err != nil {
				return nil, err
			}
		}
		blockNumber := view.Header.BlockNumber
		blockHash := view.Header.BlockHash
		for ti := int(txStart); ti < len(view.Outcomes); ti++ {
			outcome := &view.Outcomes[ti]
			ei := 0
			if ti == int(txStart) {
				ei = int(evStart)
			}
			for ; ei < len(outcome.Events); ei++ {
				if len(page.Events) == chunk {
					token := Position{
						BlockOffset: n - rng.from,
						TxIndex:     uint32(ti), // #nosec G115
						EventIndex:  uint32(ei), // #nosec G115
					}.String()
					page.ContinuationToken = &token
					return page, nil
				}
				evt := &outcome.Events[ei]
				if !flt.match(evt) {
					continue
				}
				page.Events = append(page.Events, EmittedEvent{
					FromAddress:     evt.FromAddress,
					Keys:            evt.Keys,
					Data:            evt.Data,
					BlockHash:       &blockHash,
					BlockNumber:     &blockNumber,
					TransactionHash: outcome.Transaction.Hash,
				})
			}
		}
	}
	return page, nil
}

// checkResume rejects a token that points past the end of a block or a
// transaction's events
func checkResume(view *chain.BlockView, txIndex uint32, eventIndex uint32) error {
	if int(txIndex) > len(view.Outcomes) {
		return fmt.Errorf("%w: transaction index %d", ErrInvalidContinuationToken, txIndex)
	}
	if int(txIndex) == len(view.Outcomes) {
		if eventIndex != 0 {
			return fmt.Errorf("%w: event index %d", ErrInvalidContinuationToken, eventIndex)
		}
		return nil
	}
	if int(eventIndex) > len(view.Outcomes[txIndex].Events) {
		return fmt.Errorf("%w: event index %d", ErrInvalidContinuationToken, eventIndex)
	}
	return nil
}
