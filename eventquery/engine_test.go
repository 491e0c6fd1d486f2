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

package eventquery_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/eventquery"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

var (
	feeToken     = felt.MustHex("0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7")
	sequencer    = felt.FromUint64(0x5e9)
	transferKey  = felt.Selector("Transfer")
	executedKey  = felt.Selector("transaction_executed")
	snapshotter  = cupaloy.New(cupaloy.FailOnUpdate(false))
	senderOne    = felt.FromUint64(0x111)
	senderTwo    = felt.FromUint64(0x222)
	unknownAddr  = felt.FromUint64(0xdead)
	defaultBlock = uint64(4)
)

type fakeResolver struct {
	blocks map[uint64]*chain.BlockView
	latest uint64
}

func (r *fakeResolver) Resolve(_ context.Context, id chain.BlockID) (*chain.BlockView, error) {
	if id.Kind != chain.BlockIDNumber {
		return nil, fmt.Errorf("unexpected block id %s", id)
	}
	view, ok := r.blocks[id.Number]
	if !ok {
		return nil, chain.ErrBlockNotFound
	}
	return view, nil
}

func (r *fakeResolver) ResolveNumber(_ context.Context, id chain.BlockID) (uint64, error) {
	switch id.Kind {
	case chain.BlockIDPending:
		return r.latest + 1, nil
	case chain.BlockIDLatest:
		return r.latest, nil
	case chain.BlockIDHash:
		for n, view := range r.blocks {
			if view.Header.BlockHash == id.Hash {
				return n, nil
			}
		}
		return 0, chain.ErrBlockNotFound
	default:
		if _, ok := r.blocks[id.Number]; !ok || id.Number > r.latest {
			return 0, chain.ErrBlockNotFound
		}
		return id.Number, nil
	}
}

// outcome mimics the development executor: a fee transfer on the fee token
// plus an execution marker from the sender
func outcome(sender felt.Felt, nonce uint64) ledger.TxOutcome {
	tx := ledger.Transaction{
		Type:          ledger.TxTypeInvoke,
		SenderAddress: sender,
		Nonce:         felt.FromUint64(nonce),
		MaxFee:        felt.FromUint64(1000 + nonce),
	}
	tx.Hash = tx.ComputeHash(felt.FromUint64(1))
	return ledger.TxOutcome{
		Transaction: tx,
		Events: []ledger.Event{
			{
				FromAddress: feeToken,
				Keys:        []felt.Felt{transferKey},
				Data:        []felt.Felt{sender, sequencer, tx.MaxFee, felt.Zero},
			},
			{
				FromAddress: sender,
				Keys:        []felt.Felt{executedKey},
				Data:        []felt.Felt{tx.Hash},
			},
		},
	}
}

// newResolver builds blocks 0..latest. Block 0 is empty and every other
// block holds one transaction from each sender
func newResolver(latest uint64, gaps ...uint64) *fakeResolver {
	r := &fakeResolver{blocks: make(map[uint64]*chain.BlockView), latest: latest}
	for n := uint64(0); n <= latest; n++ {
		view := &chain.BlockView{
			Header: ledger.Header{BlockNumber: n, BlockHash: felt.FromUint64(0xb0000 + n)},
			Status: ledger.StatusAcceptedOnL2,
		}
		if n > 0 {
			view.Outcomes = []ledger.TxOutcome{
				outcome(senderOne, n),
				outcome(senderTwo, n),
			}
		}
		r.blocks[n] = view
	}
	for _, g := range gaps {
		delete(r.blocks, g)
	}
	return r
}

func ptr[T any](v T) *T {
	return &v
}

func TestValidationOrder(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(defaultBlock), nil)
	tooManyPositions := make([][]felt.Felt, 101)
	longList := make([]felt.Felt, 101)
	for i := range longList {
		longList[i] = felt.FromUint64(uint64(i))
	}
	tests := []struct {
		name    string
		req     eventquery.Request
		wantErr error
	}{
		{
			name:    "page size wins over keys and token",
			req:     eventquery.Request{ChunkSize: 1001, Keys: tooManyPositions, ContinuationToken: ptr("x")},
			wantErr: eventquery.ErrPageSizeTooBig,
		},
		{
			name:    "too many key positions",
			req:     eventquery.Request{ChunkSize: 10, Keys: tooManyPositions, ContinuationToken: ptr("x")},
			wantErr: eventquery.ErrTooManyKeys,
		},
		{
			name:    "key list too long",
			req:     eventquery.Request{ChunkSize: 10, Keys: [][]felt.Felt{longList}},
			wantErr: eventquery.ErrTooManyKeys,
		},
		{
			name:    "too many keys in total",
			req:     eventquery.Request{ChunkSize: 10, Keys: [][]felt.Felt{longList[:60], longList[:41]}},
			wantErr: eventquery.ErrTooManyKeys,
		},
		{
			name:    "token with two parts",
			req:     eventquery.Request{ChunkSize: 10, ContinuationToken: ptr("1,2")},
			wantErr: eventquery.ErrInvalidContinuationToken,
		},
		{
			name:    "token not numeric",
			req:     eventquery.Request{ChunkSize: 10, ContinuationToken: ptr("a,b,c")},
			wantErr: eventquery.ErrInvalidContinuationToken,
		},
		{
			name:    "negative token",
			req:     eventquery.Request{ChunkSize: 10, ContinuationToken: ptr("-1,0,0")},
			wantErr: eventquery.ErrInvalidContinuationToken,
		},
		{
			name:    "token beyond range",
			req:     eventquery.Request{ChunkSize: 10, ContinuationToken: ptr("5,0,0")},
			wantErr: eventquery.ErrInvalidContinuationToken,
		},
		{
			name:    "token past block transactions",
			req:     eventquery.Request{ChunkSize: 10, ContinuationToken: ptr("1,3,0")},
			wantErr: eventquery.ErrInvalidContinuationToken,
		},
		{
			name:    "token past transaction events",
			req:     eventquery.Request{ChunkSize: 10, ContinuationToken: ptr("1,0,3")},
			wantErr: eventquery.ErrInvalidContinuationToken,
		},
		{
			name:    "unknown block hash",
			req:     eventquery.Request{FromBlock: ptr(chain.HashBlockID(felt.MustHex("0x123")))},
			wantErr: chain.ErrBlockNotFound,
		},
		{
			name:    "block beyond latest",
			req:     eventquery.Request{ToBlock: ptr(chain.NumberBlockID(defaultBlock + 1))},
			wantErr: chain.ErrBlockNotFound,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := engine.GetEvents(t.Context(), test.req)
			require.ErrorIs(t, err, test.wantErr)
		})
	}
}

func TestFeeTokenEvents(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(1), nil)
	page, err := engine.GetEvents(t.Context(), eventquery.Request{
		FromBlock: ptr(chain.NumberBlockID(1)),
		ToBlock:   ptr(chain.NumberBlockID(1)),
		Address:   &feeToken,
		ChunkSize: 10,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Nil(t, page.ContinuationToken)
	for i, sender := range []felt.Felt{senderOne, senderTwo} {
		evt := page.Events[i]
		assert.Equal(t, feeToken, evt.FromAddress)
		assert.Equal(t, []felt.Felt{transferKey}, evt.Keys)
		assert.Equal(t, sender, evt.Data[0])
		assert.Equal(t, sequencer, evt.Data[1])
		assert.Equal(t, uint64(1), *evt.BlockNumber)
		assert.Equal(t, felt.FromUint64(0xb0001), *evt.BlockHash)
	}
}

func TestExecutedKeyWithContinuation(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(1), nil)
	req := eventquery.Request{
		FromBlock: ptr(chain.NumberBlockID(0)),
		ToBlock:   ptr(chain.LatestBlockID()),
		Keys:      [][]felt.Felt{{executedKey}},
		ChunkSize: 1,
	}
	page, err := engine.GetEvents(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.NotNil(t, page.ContinuationToken)
	assert.Equal(t, "1,1,0", *page.ContinuationToken)
	assert.Equal(t, senderOne, page.Events[0].FromAddress)
	assert.Equal(t, page.Events[0].TransactionHash, page.Events[0].Data[0])

	req.ContinuationToken = page.ContinuationToken
	page, err = engine.GetEvents(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, senderTwo, page.Events[0].FromAddress)
	// The only remaining event is the final one, so the scan is exhausted
	assert.Nil(t, page.ContinuationToken)
}

func TestEmptyMatch(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(defaultBlock), nil)
	page, err := engine.GetEvents(t.Context(), eventquery.Request{Address: &unknownAddr})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.NotNil(t, page.Events)
	assert.Nil(t, page.ContinuationToken)
	data, err := json.Marshal(page)
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[],"continuation_token":null}`, string(data))
}

func TestKeyPositionWildcard(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(1), nil)
	// An empty list still requires a key at that position
	page, err := engine.GetEvents(t.Context(), eventquery.Request{Keys: [][]felt.Felt{{}}})
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
	page, err = engine.GetEvents(t.Context(), eventquery.Request{Keys: [][]felt.Felt{{}, {}}})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	page, err = engine.GetEvents(t.Context(), eventquery.Request{
		Keys: [][]felt.Felt{{transferKey, executedKey}},
	})
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
}

func collectAll(t *testing.T, engine *eventquery.Engine, req eventquery.Request) ([]eventquery.EmittedEvent, []*eventquery.Page) {
	t.Helper()
	var events []eventquery.EmittedEvent
	var pages []*eventquery.Page
	for range 1000 {
		page, err := engine.GetEvents(t.Context(), req)
		require.NoError(t, err)
		pages = append(pages, page)
		events = append(events, page.Events...)
		if page.ContinuationToken == nil {
			return events, pages
		}
		require.LessOrEqual(t, uint64(len(page.Events)), req.ChunkSize)
		req.ContinuationToken = page.ContinuationToken
	}
	t.Fatal("pagination did not terminate")
	return nil, nil
}

func TestPaginationCompleteness(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(6, 3), nil)
	filters := map[string]eventquery.Request{
		"all":      {},
		"fee":      {Address: &feeToken},
		"executed": {Keys: [][]felt.Felt{{executedKey}}},
		"sender":   {Address: &senderTwo},
	}
	for name, base := range filters {
		full := base
		full.ChunkSize = eventquery.MaxChunkSize
		want, err := engine.GetEvents(t.Context(), full)
		require.NoError(t, err)
		require.Nil(t, want.ContinuationToken)
		for chunk := uint64(1); chunk <= 7; chunk++ {
			t.Run(fmt.Sprintf("%s chunk %d", name, chunk), func(t *testing.T) {
				req := base
				req.ChunkSize = chunk
				got, _ := collectAll(t, engine, req)
				assert.Equal(t, want.Events, got)
			})
		}
	}
}

func TestExactChunkHasNullToken(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(2), nil)
	// Blocks 1 and 2 each hold two fee transfers
	page, err := engine.GetEvents(t.Context(), eventquery.Request{
		Address:   &feeToken,
		ChunkSize: 4,
	})
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
	// The executed marker after the last transfer is still unreturned
	require.NotNil(t, page.ContinuationToken)
	next, err := engine.GetEvents(t.Context(), eventquery.Request{
		Address:           &feeToken,
		ChunkSize:         4,
		ContinuationToken: page.ContinuationToken,
	})
	require.NoError(t, err)
	assert.Empty(t, next.Events)
	assert.Nil(t, next.ContinuationToken)

	page, err = engine.GetEvents(t.Context(), eventquery.Request{ChunkSize: 8})
	require.NoError(t, err)
	assert.Len(t, page.Events, 8)
	assert.Nil(t, page.ContinuationToken)
}

func TestPaginationDeterminism(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(defaultBlock), nil)
	req := eventquery.Request{Keys: [][]felt.Felt{{executedKey}}, ChunkSize: 3}
	_, first := collectAll(t, engine, req)
	_, second := collectAll(t, engine, req)
	assert.Equal(t, first, second)
	data, err := json.MarshalIndent(first, "", "  ")
	require.NoError(t, err)
	snapshotter.SnapshotT(t, string(data))
}

func TestGaps(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(4, 2), nil)
	page, err := engine.GetEvents(t.Context(), eventquery.Request{Address: &feeToken})
	require.NoError(t, err)
	assert.Len(t, page.Events, 6)
	for _, evt := range page.Events {
		assert.NotEqual(t, uint64(2), *evt.BlockNumber)
	}
	_, err = engine.GetEvents(t.Context(), eventquery.Request{
		FromBlock: ptr(chain.NumberBlockID(2)),
	})
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestPendingRange(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(2), nil)
	req := eventquery.Request{
		FromBlock: ptr(chain.NumberBlockID(2)),
		ToBlock:   ptr(chain.PendingBlockID()),
		ChunkSize: 2,
	}
	page, err := engine.GetEvents(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.NotNil(t, page.ContinuationToken)
	req.ContinuationToken = page.ContinuationToken
	page, err = engine.GetEvents(t.Context(), req)
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.Nil(t, page.ContinuationToken)

	// A token addressing the pending block gives the empty last page
	req.ContinuationToken = ptr("1,0,0")
	page, err = engine.GetEvents(t.Context(), req)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Nil(t, page.ContinuationToken)
	req.ContinuationToken = ptr("2,0,0")
	_, err = engine.GetEvents(t.Context(), req)
	require.ErrorIs(t, err, eventquery.ErrInvalidContinuationToken)
}

func TestReversedRangeIsEmpty(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(3), nil)
	page, err := engine.GetEvents(t.Context(), eventquery.Request{
		FromBlock: ptr(chain.NumberBlockID(3)),
		ToBlock:   ptr(chain.NumberBlockID(1)),
	})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Nil(t, page.ContinuationToken)
}

func TestCancelledContext(t *testing.T) {
	engine := eventquery.NewEngine(newResolver(3), nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := engine.GetEvents(ctx, eventquery.Request{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRequestJSON(t *testing.T) {
	var req eventquery.Request
	require.NoError(t, json.Unmarshal([]byte(`{
		"from_block": {"block_number": 1},
		"to_block": "latest",
		"address": "0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
		"keys": [["0x99cd8bde557814842a3121e8ddfd433a539b8c9f14bf31ebf108d12e6196e9"]],
		"chunk_size": 5,
		"continuation_token": "0,1,0"
	}`), &req))
	assert.Equal(t, chain.NumberBlockID(1), *req.FromBlock)
	assert.Equal(t, chain.LatestBlockID(), *req.ToBlock)
	assert.Equal(t, feeToken, *req.Address)
	assert.Equal(t, transferKey, req.Keys[0][0])
	assert.Equal(t, uint64(5), req.ChunkSize)
	assert.Equal(t, "0,1,0", *req.ContinuationToken)
}
