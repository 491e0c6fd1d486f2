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

package chain_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

type fakeBackend struct {
	headers map[substrate.Hash]*substrate.Header
	best    *substrate.Header
}

func (b *fakeBackend) HeaderByHash(_ context.Context, h substrate.Hash) (*substrate.Header, error) {
	hdr, ok := b.headers[h]
	if !ok {
		return nil, substrate.ErrHeaderNotFound
	}
	return hdr, nil
}

func (b *fakeBackend) CanonicalHash(context.Context, uint64) (substrate.Hash, error) {
	return substrate.Hash{}, substrate.ErrHeaderNotFound
}

func (b *fakeBackend) BestHeader(context.Context) (*substrate.Header, error) {
	if b.best == nil {
		return nil, substrate.ErrHeaderNotFound
	}
	return b.best, nil
}

func (b *fakeBackend) FinalizedNumber(context.Context) (uint64, bool, error) {
	return 0, false, nil
}

type fakeSource struct {
	blocks map[substrate.Hash]*ledger.AppliedBlock
	nonces map[felt.Felt]felt.Felt
	calls  int
	mu     sync.Mutex
}

func (s *fakeSource) ApplyBlock(_ context.Context, h substrate.Hash) (*ledger.AppliedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	blk, ok := s.blocks[h]
	if !ok {
		return &ledger.AppliedBlock{}, nil
	}
	return blk, nil
}

func (s *fakeSource) NonceAt(_ context.Context, _ substrate.Hash, contract felt.Felt) (felt.Felt, bool, error) {
	n, ok := s.nonces[contract]
	return n, ok, nil
}

type fakePool []ledger.PoolTransaction

func (p fakePool) ReadyQueue() []ledger.PoolTransaction {
	return p
}

type fixture struct {
	db       *database.Database
	backend  *fakeBackend
	source   *fakeSource
	resolver *chain.Resolver
	headers  []ledger.Header
}

func invoke(n uint64) ledger.Transaction {
	tx := ledger.Transaction{
		Type:          ledger.TxTypeInvoke,
		SenderAddress: felt.FromUint64(0xabc),
		Nonce:         felt.FromUint64(n),
		MaxFee:        felt.FromUint64(100),
	}
	tx.Hash = tx.ComputeHash(felt.FromUint64(1))
	return tx
}

// newFixture maps blocks 0..n-1, block i holding i transactions
func newFixture(t *testing.T, n int, pool chain.PendingSource) *fixture {
	t.Helper()
	db, err := database.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	f := &fixture{
		db:      db,
		backend: &fakeBackend{headers: make(map[substrate.Hash]*substrate.Header)},
		source: &fakeSource{
			blocks: make(map[substrate.Hash]*ledger.AppliedBlock),
			nonces: map[felt.Felt]felt.Felt{felt.FromUint64(0xabc): felt.FromUint64(7)},
		},
	}
	var parent felt.Felt
	var parentSub substrate.Hash
	for i := range n {
		applied := &ledger.AppliedBlock{StateRoot: felt.FromUint64(uint64(1000 + i))}
		for j := range i {
			applied.Outcomes = append(applied.Outcomes, ledger.TxOutcome{Transaction: invoke(uint64(i*10 + j))})
		}
		hdr := ledger.Header{
			ParentHash:       parent,
			BlockNumber:      uint64(i),
			Timestamp:        uint64(1700000000 + i),
			TransactionCount: uint32(i),
			StateRoot:        applied.StateRoot,
			ProtocolVersion:  "0.13.1",
		}
		hdr.BlockHash = hdr.ComputeHash()
		item, err := digest.Encode(hdr)
		require.NoError(t, err)
		sub := &substrate.Header{
			Hash:       substrate.Hash{byte(i + 1), 0x5a},
			ParentHash: parentSub,
			Number:     uint64(i),
			Digest:     digest.Digest{item},
		}
		f.backend.headers[sub.Hash] = sub
		f.backend.best = sub
		f.source.blocks[sub.Hash] = applied
		entry := models.MappingEntry{
			SubstrateHash:    sub.Hash,
			SubstrateNumber:  sub.Number,
			LedgerHash:       hdr.BlockHash,
			LedgerNumber:     hdr.BlockNumber,
			IsCanonical:      true,
			TransactionCount: hdr.TransactionCount,
		}
		var rows []models.TransactionIndex
		for j, o := range applied.Outcomes {
			h := o.Transaction.Hash.Bytes()
			rows = append(rows, models.TransactionIndex{
				Hash:          h[:],
				SubstrateHash: sub.Hash[:],
				LedgerNumber:  types.Uint64(i),
				TxIndex:       uint32(j),
			})
		}
		require.NoError(t, db.MappingCommit(entry, rows, sub.Number))
		f.headers = append(f.headers, hdr)
		parent, parentSub = hdr.BlockHash, sub.Hash
	}
	f.resolver, err = chain.NewResolver(chain.ResolverConfig{
		DB:               db,
		Backend:          f.backend,
		Source:           f.source,
		Pending:          pool,
		SequencerAddress: felt.FromUint64(0x5e9),
		Now:              func() time.Time { return time.Unix(1800000000, 0) },
	})
	require.NoError(t, err)
	return f
}

func TestResolveByNumberHashLatest(t *testing.T) {
	f := newFixture(t, 4, nil)
	tests := []struct {
		name string
		id   chain.BlockID
		want uint64
	}{
		{name: "number", id: chain.NumberBlockID(2), want: 2},
		{name: "hash", id: chain.HashBlockID(f.headers[1].BlockHash), want: 1},
		{name: "latest", id: chain.LatestBlockID(), want: 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			view, err := f.resolver.Resolve(t.Context(), test.id)
			require.NoError(t, err)
			assert.Equal(t, test.want, view.Header.BlockNumber)
			assert.Equal(t, ledger.StatusAcceptedOnL2, view.Status)
			assert.Len(t, view.Outcomes, int(test.want))
			assert.Equal(t, f.headers[test.want].BlockHash, view.Header.BlockHash)
			assert.Equal(t, felt.FromUint64(1000+test.want), view.Header.StateRoot)
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture(t, 2, nil)
	var id chain.BlockID
	require.NoError(t, json.Unmarshal([]byte(`{"block_hash":"0x123"}`), &id))
	_, err := f.resolver.Resolve(t.Context(), id)
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
	_, err = f.resolver.Resolve(t.Context(), chain.NumberBlockID(99))
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestResolveEmptyStore(t *testing.T) {
	f := newFixture(t, 0, nil)
	_, err := f.resolver.Resolve(t.Context(), chain.LatestBlockID())
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
	_, _, err = f.resolver.HashAndNumber(t.Context())
	require.ErrorIs(t, err, chain.ErrNoBlocks)
	view, err := f.resolver.Resolve(t.Context(), chain.PendingBlockID())
	require.NoError(t, err)
	assert.True(t, view.Header.ParentHash.IsZero())
}

func TestResolveCachesBySubstrateHash(t *testing.T) {
	f := newFixture(t, 3, nil)
	for range 3 {
		_, err := f.resolver.Resolve(t.Context(), chain.NumberBlockID(2))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.source.calls)
}

func TestResolvePending(t *testing.T) {
	pool := fakePool{
		{Transaction: invoke(50), Queue: ledger.QueueReady},
		{Transaction: invoke(51), Queue: ledger.QueueReady},
	}
	f := newFixture(t, 3, pool)
	view, err := f.resolver.Resolve(t.Context(), chain.PendingBlockID())
	require.NoError(t, err)
	assert.True(t, view.IsPending())
	assert.Equal(t, ledger.StatusPending, view.Status)
	assert.Equal(t, f.headers[2].BlockHash, view.Header.ParentHash)
	assert.True(t, view.Header.StateRoot.IsZero())
	assert.Equal(t, uint64(1800000000), view.Header.Timestamp)
	assert.Equal(t, []felt.Felt{pool[0].Transaction.Hash, pool[1].Transaction.Hash}, view.TransactionHashes())
	for _, o := range view.Outcomes {
		assert.Empty(t, o.Events)
	}
	count, err := f.resolver.TransactionCount(t.Context(), chain.PendingBlockID())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, 0, f.source.calls)
}

func TestTransactionByIndex(t *testing.T) {
	f := newFixture(t, 3, nil)
	tx, err := f.resolver.TransactionByIndex(t.Context(), chain.NumberBlockID(2), 1)
	require.NoError(t, err)
	assert.Equal(t, invoke(21).Hash, tx.Hash)
	_, err = f.resolver.TransactionByIndex(t.Context(), chain.NumberBlockID(2), 2)
	require.ErrorIs(t, err, chain.ErrInvalidTxIndex)
	_, err = f.resolver.TransactionByIndex(t.Context(), chain.NumberBlockID(9), 0)
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestTransactionCountAndLatest(t *testing.T) {
	f := newFixture(t, 5, nil)
	count, err := f.resolver.TransactionCount(t.Context(), chain.NumberBlockID(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)
	assert.Equal(t, 0, f.source.calls)
	hash, number, err := f.resolver.HashAndNumber(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), number)
	assert.Equal(t, f.headers[4].BlockHash, hash)
}

func TestNonce(t *testing.T) {
	f := newFixture(t, 2, nil)
	nonce, err := f.resolver.Nonce(t.Context(), chain.PendingBlockID(), felt.FromUint64(0xabc))
	require.NoError(t, err)
	assert.Equal(t, felt.FromUint64(7), nonce)
	_, err = f.resolver.Nonce(t.Context(), chain.LatestBlockID(), felt.FromUint64(0xdef))
	require.ErrorIs(t, err, chain.ErrContractNotFound)
	_, err = f.resolver.Nonce(t.Context(), chain.NumberBlockID(5), felt.FromUint64(0xabc))
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestTransactionByHash(t *testing.T) {
	f := newFixture(t, 3, nil)
	tx, view, err := f.resolver.TransactionByHash(t.Context(), invoke(20).Hash)
	require.NoError(t, err)
	assert.Equal(t, invoke(20).Hash, tx.Hash)
	assert.Equal(t, uint64(2), view.Header.BlockNumber)
	_, _, err = f.resolver.TransactionByHash(t.Context(), felt.FromUint64(1))
	require.ErrorIs(t, err, chain.ErrTransactionNotFound)
}

func TestSyncing(t *testing.T) {
	f := newFixture(t, 3, nil)
	status, err := f.resolver.Syncing(t.Context())
	require.NoError(t, err)
	assert.False(t, status.Syncing)

	// A best block beyond the watermark means the mapping is behind
	hdr := ledger.Header{BlockNumber: 10, ParentHash: f.headers[2].BlockHash}
	hdr.BlockHash = hdr.ComputeHash()
	item, err := digest.Encode(hdr)
	require.NoError(t, err)
	f.backend.best = &substrate.Header{Hash: substrate.Hash{0x99}, Number: 10, Digest: digest.Digest{item}}
	require.NoError(t, f.db.SetStartingBlock(1))
	status, err = f.resolver.Syncing(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Syncing)
	assert.Equal(t, uint64(1), status.StartingNumber)
	assert.Equal(t, f.headers[1].BlockHash, status.StartingHash)
	assert.Equal(t, uint64(2), status.CurrentNumber)
	assert.Equal(t, uint64(10), status.HighestNumber)
	assert.Equal(t, hdr.BlockHash, status.HighestHash)
}

func TestResolveNumber(t *testing.T) {
	f := newFixture(t, 3, nil)
	n, err := f.resolver.ResolveNumber(t.Context(), chain.PendingBlockID())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	n, err = f.resolver.ResolveNumber(t.Context(), chain.HashBlockID(f.headers[1].BlockHash))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	_, err = f.resolver.ResolveNumber(t.Context(), chain.NumberBlockID(3))
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
	assert.Equal(t, 0, f.source.calls)
}
