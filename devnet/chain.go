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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/blinklabs-io/gouroboros/cbor"
	"golang.org/x/crypto/sha3"

	"github.com/blinklabs-io/starkview/database/plugin/blob"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/substrate"
)

const (
	headerKeyPrefix    = "sh"
	canonicalKeyPrefix = "sn"
	bestKey            = "sb"
	finalizedKey       = "sf"
)

var (
	ErrUnknownParent     = errors.New("unknown parent block")
	ErrInvalidNumber     = errors.New("block number does not follow parent")
	ErrFinalizeNotOnBest = errors.New("cannot finalize beyond the best block")
)

func headerKey(hash substrate.Hash) []byte {
	return slices.Concat([]byte(headerKeyPrefix), hash[:])
}

func canonicalKey(number uint64) []byte {
	return slices.Concat(
		[]byte(canonicalKeyPrefix),
		types.Uint64ToBytes(number),
	)
}

type headerPreimage struct {
	cbor.StructAsArray
	ParentHash substrate.Hash
	Number     uint64
	Digest     digest.Digest
}

// HeaderHash computes the hash of a substrate header from its parent,
// number and digest
func HeaderHash(hdr *substrate.Header) (substrate.Hash, error) {
	data, err := cbor.Encode(&headerPreimage{
		ParentHash: hdr.ParentHash,
		Number:     hdr.Number,
		Digest:     hdr.Digest,
	})
	if err != nil {
		return substrate.Hash{}, fmt.Errorf("encode header: %w", err)
	}
	return substrate.Hash(sha3.Sum256(data)), nil
}

// Chain is a substrate chain kept in a blob store. The best chain is the
// longest one, and on equal length the current best chain is kept
type Chain struct {
	blob      blob.BlobStore
	eventBus  *event.EventBus
	logger    *slog.Logger
	best      *substrate.Header
	finalized uint64
	hasFinal  bool
	mu        sync.RWMutex
}

// NewChain loads the chain state from blobStore
func NewChain(
	blobStore blob.BlobStore,
	eventBus *event.EventBus,
	logger *slog.Logger,
) (*Chain, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Chain{
		blob:     blobStore,
		eventBus: eventBus,
		logger:   logger.With("component", "devnet_chain"),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) load() error {
	txn := c.blob.NewTransaction(false)
	defer func() { _ = txn.Rollback() }()
	bestHash, err := c.blob.Get(txn, []byte(bestKey))
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil
		}
		return err
	}
	hdr, err := c.getHeader(txn, substrate.Hash(bestHash))
	if err != nil {
		return fmt.Errorf("load best header: %w", err)
	}
	c.best = hdr
	finalized, err := c.blob.Get(txn, []byte(finalizedKey))
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil
		}
		return err
	}
	c.finalized = binary.BigEndian.Uint64(finalized)
	c.hasFinal = true
	return nil
}

func (c *Chain) getHeader(
	txn types.Txn,
	hash substrate.Hash,
) (*substrate.Header, error) {
	data, err := c.blob.Get(txn, headerKey(hash))
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil, substrate.ErrHeaderNotFound
		}
		return nil, err
	}
	var hdr substrate.Header
	if _, err := cbor.Decode(data, &hdr); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", hash, err)
	}
	return &hdr, nil
}

func (c *Chain) getCanonical(txn types.Txn, number uint64) (substrate.Hash, error) {
	data, err := c.blob.Get(txn, canonicalKey(number))
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return substrate.Hash{}, substrate.ErrHeaderNotFound
		}
		return substrate.Hash{}, err
	}
	return substrate.Hash(data), nil
}

// Import adds a header to the chain. The header hash is computed when it is
// zero. Any known block can be the parent, and a parent-less header must be
// block 0. The returned flag reports whether the header became the best block
func (c *Chain) Import(
	_ context.Context,
	hdr substrate.Header,
) (*substrate.Header, bool, error) {
	if hdr.Hash.IsZero() {
		hash, err := HeaderHash(&hdr)
		if err != nil {
			return nil, false, err
		}
		hdr.Hash = hash
	}
	isBest, err := c.importHeader(&hdr)
	if err != nil {
		return nil, false, err
	}
	c.logger.Debug(
		"imported block",
		"hash", hdr.Hash.String(),
		"number", hdr.Number,
		"best", isBest,
	)
	if c.eventBus != nil {
		c.eventBus.Publish(
			substrate.BlockImportEventType,
			event.NewEvent(
				substrate.BlockImportEventType,
				substrate.BlockImportEvent{
					Hash:       hdr.Hash,
					ParentHash: hdr.ParentHash,
					Number:     hdr.Number,
					IsBest:     isBest,
				},
			),
		)
	}
	return &hdr, isBest, nil
}

func (c *Chain) importHeader(hdr *substrate.Header) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn := c.blob.NewTransaction(true)
	defer func() { _ = txn.Rollback() }()
	if hdr.ParentHash.IsZero() {
		if hdr.Number != 0 {
			return false, fmt.Errorf("%w: block %d has no parent", ErrInvalidNumber, hdr.Number)
		}
	} else {
		parent, err := c.getHeader(txn, hdr.ParentHash)
		if err != nil {
			if errors.Is(err, substrate.ErrHeaderNotFound) {
				return false, fmt.Errorf("%w: %s", ErrUnknownParent, hdr.ParentHash)
			}
			return false, err
		}
		if hdr.Number != parent.Number+1 {
			return false, fmt.Errorf(
				"%w: block %d on parent %d",
				ErrInvalidNumber,
				hdr.Number,
				parent.Number,
			)
		}
	}
	data, err := cbor.Encode(hdr)
	if err != nil {
		return false, fmt.Errorf("encode header: %w", err)
	}
	if err := c.blob.Set(txn, headerKey(hdr.Hash), data); err != nil {
		return false, err
	}
	isBest := c.best == nil || hdr.Number > c.best.Number
	if isBest {
		ok, err := c.setBest(txn, hdr)
		if err != nil {
			return false, err
		}
		isBest = ok
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	if isBest {
		c.best = hdr
	}
	return isBest, nil
}

// setBest rewrites the canonical index for the branch ending at hdr. It
// refuses branches that would revert a finalized block
func (c *Chain) setBest(txn types.Txn, hdr *substrate.Header) (bool, error) {
	var branch []*substrate.Header
	cur := hdr
	for {
		canonical, err := c.getCanonical(txn, cur.Number)
		if err != nil && !errors.Is(err, substrate.ErrHeaderNotFound) {
			return false, err
		}
		if err == nil && canonical == cur.Hash {
			break
		}
		if c.hasFinal && cur.Number <= c.finalized {
			c.logger.Warn(
				"not switching to branch that reverts finalized block",
				"hash", hdr.Hash.String(),
				"finalized", c.finalized,
			)
			return false, nil
		}
		branch = append(branch, cur)
		if cur.ParentHash.IsZero() {
			break
		}
		parent, err := c.getHeader(txn, cur.ParentHash)
		if err != nil {
			return false, err
		}
		cur = parent
	}
	for _, blk := range branch {
		if err := c.blob.Set(txn, canonicalKey(blk.Number), blk.Hash[:]); err != nil {
			return false, err
		}
	}
	if err := c.blob.Set(txn, []byte(bestKey), hdr.Hash[:]); err != nil {
		return false, err
	}
	return true, nil
}

// Finalize marks the best-chain block at number and its ancestors as final.
// Finalizing at or below the current finalized number is a no-op
func (c *Chain) Finalize(_ context.Context, number uint64) error {
	c.mu.Lock()
	if c.best == nil || number > c.best.Number {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrFinalizeNotOnBest, number)
	}
	if c.hasFinal && number <= c.finalized {
		c.mu.Unlock()
		return nil
	}
	txn := c.blob.NewTransaction(true)
	hash, err := c.getCanonical(txn, number)
	if err == nil {
		err = c.blob.Set(txn, []byte(finalizedKey), types.Uint64ToBytes(number))
	}
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		_ = txn.Rollback()
		c.mu.Unlock()
		return err
	}
	c.finalized = number
	c.hasFinal = true
	c.mu.Unlock()
	if c.eventBus != nil {
		c.eventBus.Publish(
			substrate.FinalityEventType,
			event.NewEvent(
				substrate.FinalityEventType,
				substrate.FinalityEvent{Hash: hash, Number: number},
			),
		)
	}
	return nil
}

func (c *Chain) HeaderByHash(
	_ context.Context,
	hash substrate.Hash,
) (*substrate.Header, error) {
	txn := c.blob.NewTransaction(false)
	defer func() { _ = txn.Rollback() }()
	return c.getHeader(txn, hash)
}

func (c *Chain) CanonicalHash(
	_ context.Context,
	number uint64,
) (substrate.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.best == nil || number > c.best.Number {
		return substrate.Hash{}, substrate.ErrHeaderNotFound
	}
	txn := c.blob.NewTransaction(false)
	defer func() { _ = txn.Rollback() }()
	return c.getCanonical(txn, number)
}

func (c *Chain) BestHeader(_ context.Context) (*substrate.Header, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.best == nil {
		return nil, substrate.ErrHeaderNotFound
	}
	ret := *c.best
	return &ret, nil
}

func (c *Chain) FinalizedNumber(_ context.Context) (uint64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalized, c.hasFinal, nil
}
