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

package devnet_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/devnet"
	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/mappingsync"
	"github.com/blinklabs-io/starkview/mempool"
	"github.com/blinklabs-io/starkview/substrate"
)

var (
	sequencer = felt.FromUint64(0x5e9)
	chainID   = felt.MustHex("0x534e5f474f45524c49")
	alice     = felt.FromUint64(0xa11ce)
	bob       = felt.FromUint64(0xb0b)
)

type staticPool struct {
	txs []ledger.PoolTransaction
}

func (p *staticPool) ReadyQueue() []ledger.PoolTransaction {
	return p.txs
}

func testTx(sender felt.Felt, nonce uint64) ledger.Transaction {
	tx := ledger.Transaction{
		Type:          ledger.TxTypeInvoke,
		SenderAddress: sender,
		Nonce:         felt.FromUint64(nonce),
		MaxFee:        felt.FromUint64(1000 + nonce),
		Version:       felt.FromUint64(1),
	}
	tx.Hash = tx.ComputeHash(chainID)
	return tx
}

type producerFixture struct {
	chain    *devnet.Chain
	store    *devnet.Store
	producer *devnet.Producer
	pool     *staticPool
	reg      *prometheus.Registry
}

func newProducerFixture(t *testing.T) *producerFixture {
	t.Helper()
	c, blobStore := newChain(t, nil)
	f := &producerFixture{
		chain: c,
		store: devnet.NewStore(blobStore, c),
		pool:  &staticPool{},
		reg:   prometheus.NewRegistry(),
	}
	var err error
	f.producer, err = devnet.NewProducer(devnet.ProducerConfig{
		Chain:            f.chain,
		Store:            f.store,
		Pool:             f.pool,
		PromRegistry:     f.reg,
		SequencerAddress: sequencer,
		BlockTime:        time.Hour,
		Now:              func() time.Time { return time.Unix(1700000000, 0) },
	})
	require.NoError(t, err)
	return f
}

func ledgerHeaderOf(t *testing.T, hdr *substrate.Header) ledger.Header {
	t.Helper()
	ret, err := digest.Decode(hdr.Digest)
	require.NoError(t, err)
	return ret
}

func TestNewProducerRequiresChain(t *testing.T) {
	_, err := devnet.NewProducer(devnet.ProducerConfig{})
	require.Error(t, err)
}

func TestProducerSealsGenesis(t *testing.T) {
	f := newProducerFixture(t)
	f.pool.txs = []ledger.PoolTransaction{{Transaction: testTx(alice, 0)}}
	genesis, err := f.producer.Seal(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), genesis.Number)
	assert.True(t, genesis.ParentHash.IsZero())
	hdr := ledgerHeaderOf(t, genesis)
	assert.Equal(t, uint64(0), hdr.BlockNumber)
	assert.Equal(t, uint32(0), hdr.TransactionCount)
	assert.True(t, hdr.ParentHash.IsZero())
	assert.Equal(t, hdr.ComputeHash(), hdr.BlockHash)
	assert.Equal(t, uint64(1700000000), hdr.Timestamp)
	assert.Equal(t, sequencer, hdr.SequencerAddress)

	applied, err := f.store.ApplyBlock(t.Context(), genesis.Hash)
	require.NoError(t, err)
	assert.Empty(t, applied.Outcomes)
}

func TestProducerSealsReadyTransactions(t *testing.T) {
	f := newProducerFixture(t)
	genesis, err := f.producer.Seal(t.Context())
	require.NoError(t, err)
	f.pool.txs = []ledger.PoolTransaction{
		{Transaction: testTx(alice, 0)},
		{Transaction: testTx(bob, 0)},
		{Transaction: testTx(alice, 1)},
	}
	blk, err := f.producer.Seal(t.Context())
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash, blk.ParentHash)
	hdr := ledgerHeaderOf(t, blk)
	assert.Equal(t, uint64(1), hdr.BlockNumber)
	assert.Equal(t, ledgerHeaderOf(t, genesis).BlockHash, hdr.ParentHash)
	assert.Equal(t, uint32(3), hdr.TransactionCount)
	assert.Equal(t, uint32(6), hdr.EventCount)

	applied, err := f.store.ApplyBlock(t.Context(), blk.Hash)
	require.NoError(t, err)
	require.Len(t, applied.Outcomes, 3)
	assert.Equal(t, hdr.StateRoot, applied.StateRoot)
	nonce, ok, err := f.store.NonceAt(t.Context(), blk.Hash, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, felt.FromUint64(2), nonce)
	_, ok, err = f.store.NonceAt(t.Context(), genesis.Hash, alice)
	require.NoError(t, err)
	assert.False(t, ok)
	latest, err := f.store.LatestNonce(t.Context(), bob)
	require.NoError(t, err)
	assert.Equal(t, felt.FromUint64(1), latest)

	// Sealing the same queue again skips the already included transactions
	next, err := f.producer.Seal(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ledgerHeaderOf(t, next).TransactionCount)
	expected := `
# HELP starkview_devnet_blocks_sealed_total blocks sealed by the devnet producer
# TYPE starkview_devnet_blocks_sealed_total counter
starkview_devnet_blocks_sealed_total 3
# HELP starkview_devnet_skipped_transactions_total ready transactions left out of a block because of a stale nonce
# TYPE starkview_devnet_skipped_transactions_total counter
starkview_devnet_skipped_transactions_total 3
`
	require.NoError(t, testutil.GatherAndCompare(
		f.reg,
		strings.NewReader(expected),
		"starkview_devnet_blocks_sealed_total",
		"starkview_devnet_skipped_transactions_total",
	))
}

func TestProducerMaxBlockTxs(t *testing.T) {
	c, blobStore := newChain(t, nil)
	pool := &staticPool{}
	producer, err := devnet.NewProducer(devnet.ProducerConfig{
		Chain:       c,
		Store:       devnet.NewStore(blobStore, c),
		Pool:        pool,
		MaxBlockTxs: 2,
	})
	require.NoError(t, err)
	_, err = producer.Seal(t.Context())
	require.NoError(t, err)
	for i := range uint64(5) {
		pool.txs = append(pool.txs, ledger.PoolTransaction{Transaction: testTx(alice, i)})
	}
	blk, err := producer.Seal(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ledgerHeaderOf(t, blk).TransactionCount)
}

func TestProducerFinalizesBehindTip(t *testing.T) {
	f := newProducerFixture(t)
	for range 2 {
		_, err := f.producer.Seal(t.Context())
		require.NoError(t, err)
	}
	_, ok, err := f.chain.FinalizedNumber(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	for range 3 {
		_, err := f.producer.Seal(t.Context())
		require.NoError(t, err)
	}
	number, ok, err := f.chain.FinalizedNumber(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), number)
}

func TestProducerStartStop(t *testing.T) {
	f := newProducerFixture(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	require.NoError(t, f.producer.Start(t.Context()))
	assert.True(t, f.producer.IsRunning())
	require.ErrorIs(t, f.producer.Start(t.Context()), devnet.ErrProducerRunning)
	best, err := f.chain.BestHeader(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), best.Number)
	f.producer.Stop()
	assert.False(t, f.producer.IsRunning())
	// Restarting on a non-empty chain does not seal another genesis
	require.NoError(t, f.producer.Start(t.Context()))
	f.producer.Stop()
	best, err = f.chain.BestHeader(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), best.Number)
}

func TestDevnetEndToEnd(t *testing.T) {
	db, err := database.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	c, err := devnet.NewChain(db.Blob(), bus, nil)
	require.NoError(t, err)
	store := devnet.NewStore(db.Blob(), c)
	pool := mempool.NewMempool(mempool.MempoolConfig{
		EventBus:    bus,
		NonceReader: store,
	})
	defer pool.Stop()
	producer, err := devnet.NewProducer(devnet.ProducerConfig{
		Chain:            c,
		Store:            store,
		Pool:             pool,
		SequencerAddress: sequencer,
		BlockTime:        time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, producer.Start(t.Context()))
	defer producer.Stop()
	worker := mappingsync.NewWorker(mappingsync.WorkerConfig{
		Backend:      c,
		DB:           db,
		EventBus:     bus,
		BlockSource:  store,
		PollInterval: time.Hour,
	})
	require.NoError(t, worker.Start(t.Context()))
	defer worker.Stop()

	tx0 := testTx(alice, 0)
	tx1 := testTx(alice, 1)
	require.NoError(t, pool.AddTransaction(t.Context(), tx0))
	require.NoError(t, pool.AddTransaction(t.Context(), tx1))
	require.Len(t, pool.ReadyQueue(), 2)

	blk, err := producer.Seal(t.Context())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return pool.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	loc, err := db.TransactionLocationByHash(tx1.Hash)
	require.NoError(t, err)
	assert.Equal(t, blk.Hash, loc.Mapping.SubstrateHash)
	assert.Equal(t, uint32(1), loc.TxIndex)
	require.ErrorIs(
		t,
		pool.AddTransaction(t.Context(), tx0),
		mempool.ErrTransactionIncluded,
	)
	latest, err := store.LatestNonce(t.Context(), alice)
	require.NoError(t, err)
	assert.Equal(t, felt.FromUint64(2), latest)
}
