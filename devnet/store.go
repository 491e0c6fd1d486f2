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
	"errors"
	"fmt"
	"slices"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/database/plugin/blob"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

const (
	appliedBlockKeyPrefix = "lb"
	nonceTableKeyPrefix   = "ln"
)

var ErrBlockNotApplied = errors.New("block has not been executed")

func appliedBlockKey(hash substrate.Hash) []byte {
	return slices.Concat([]byte(appliedBlockKeyPrefix), hash[:])
}

func nonceTableKey(hash substrate.Hash) []byte {
	return slices.Concat([]byte(nonceTableKeyPrefix), hash[:])
}

type nonceEntry struct {
	cbor.StructAsArray
	Address felt.Felt
	Nonce   uint64
}

// Store keeps the execution result and the nonce table after each block,
// keyed by substrate hash
type Store struct {
	blob    blob.BlobStore
	backend substrate.Backend
}

// NewStore returns a store on blob. backend provides the best block for
// LatestNonce
func NewStore(blobStore blob.BlobStore, backend substrate.Backend) *Store {
	return &Store{
		blob:    blobStore,
		backend: backend,
	}
}

// Put records the result of executing the block with the given hash
func (s *Store) Put(
	hash substrate.Hash,
	applied *ledger.AppliedBlock,
	nonces NonceTable,
) error {
	blockData, err := cbor.Encode(applied)
	if err != nil {
		return fmt.Errorf("encode applied block: %w", err)
	}
	entries := make([]nonceEntry, 0, len(nonces))
	for addr, nonce := range nonces {
		entries = append(entries, nonceEntry{Address: addr, Nonce: nonce})
	}
	slices.SortFunc(entries, func(a, b nonceEntry) int {
		aBytes := a.Address.Bytes()
		bBytes := b.Address.Bytes()
		return bytes.Compare(aBytes[:], bBytes[:])
	})
	nonceData, err := cbor.Encode(entries)
	if err != nil {
		return fmt.Errorf("encode nonce table: %w", err)
	}
	txn := s.blob.NewTransaction(true)
	defer func() { _ = txn.Rollback() }()
	if err := s.blob.Set(txn, appliedBlockKey(hash), blockData); err != nil {
		return err
	}
	if err := s.blob.Set(txn, nonceTableKey(hash), nonceData); err != nil {
		return err
	}
	return txn.Commit()
}

// ApplyBlock returns the execution result of a block
func (s *Store) ApplyBlock(
	_ context.Context,
	hash substrate.Hash,
) (*ledger.AppliedBlock, error) {
	txn := s.blob.NewTransaction(false)
	defer func() { _ = txn.Rollback() }()
	data, err := s.blob.Get(txn, appliedBlockKey(hash))
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotApplied, hash)
		}
		return nil, err
	}
	var ret ledger.AppliedBlock
	if _, err := cbor.Decode(data, &ret); err != nil {
		return nil, fmt.Errorf("decode applied block %s: %w", hash, err)
	}
	return &ret, nil
}

// Nonces returns the nonce table after the block with the given hash. The
// zero hash is the parent of genesis and has an empty table
func (s *Store) Nonces(hash substrate.Hash) (NonceTable, error) {
	if hash.IsZero() {
		return NonceTable{}, nil
	}
	txn := s.blob.NewTransaction(false)
	defer func() { _ = txn.Rollback() }()
	data, err := s.blob.Get(txn, nonceTableKey(hash))
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotApplied, hash)
		}
		return nil, err
	}
	var entries []nonceEntry
	if _, err := cbor.Decode(data, &entries); err != nil {
		return nil, fmt.Errorf("decode nonce table %s: %w", hash, err)
	}
	ret := make(NonceTable, len(entries))
	for _, entry := range entries {
		ret[entry.Address] = entry.Nonce
	}
	return ret, nil
}

// NonceAt returns the nonce of contract after the given block, and whether
// the contract is known at that point
func (s *Store) NonceAt(
	_ context.Context,
	hash substrate.Hash,
	contract felt.Felt,
) (felt.Felt, bool, error) {
	nonces, err := s.Nonces(hash)
	if err != nil {
		return felt.Zero, false, err
	}
	nonce, ok := nonces[contract]
	if !ok {
		return felt.Zero, false, nil
	}
	return felt.FromUint64(nonce), true, nil
}

// LatestNonce returns the nonce of contract at the best block. Unknown
// contracts and an empty chain have nonce 0
func (s *Store) LatestNonce(
	ctx context.Context,
	contract felt.Felt,
) (felt.Felt, error) {
	best, err := s.backend.BestHeader(ctx)
	if err != nil {
		if errors.Is(err, substrate.ErrHeaderNotFound) {
			return felt.Zero, nil
		}
		return felt.Zero, err
	}
	nonce, _, err := s.NonceAt(ctx, best.Hash, contract)
	return nonce, err
}
