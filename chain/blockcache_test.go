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

package chain

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

func testView(n byte) *BlockView {
	return &BlockView{
		SubstrateHash: substrate.Hash{n},
		Header:        ledger.Header{BlockNumber: uint64(n)},
		Status:        ledger.StatusAcceptedOnL2,
	}
}

func TestBlockCache_BasicOperations(t *testing.T) {
	cache, err := newBlockCache(3, nil)
	require.NoError(t, err)

	_, ok := cache.Get(substrate.Hash{0xff})
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())

	cache.Put(testView(1))
	assert.Equal(t, 1, cache.Len())

	got, ok := cache.Get(substrate.Hash{1})
	assert.True(t, ok)
	assert.Equal(t, uint64(1), got.Header.BlockNumber)
}

func TestBlockCache_LRUEviction(t *testing.T) {
	cache, err := newBlockCache(3, nil)
	require.NoError(t, err)
	for i := byte(1); i <= 3; i++ {
		cache.Put(testView(i))
	}
	// Touch 1 so 2 becomes the least recently used
	_, ok := cache.Get(substrate.Hash{1})
	require.True(t, ok)
	cache.Put(testView(4))
	assert.Equal(t, 3, cache.Len())
	_, ok = cache.Get(substrate.Hash{2})
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, i := range []byte{1, 3, 4} {
		_, ok := cache.Get(substrate.Hash{i})
		assert.True(t, ok, "entry %d", i)
	}
}

func TestBlockCache_DefaultCapacity(t *testing.T) {
	cache, err := newBlockCache(0, nil)
	require.NoError(t, err)
	for i := range DefaultBlockCacheCapacity + 10 {
		view := testView(0)
		view.SubstrateHash = substrate.Hash{byte(i), byte(i >> 8)}
		cache.Put(view)
	}
	assert.Equal(t, DefaultBlockCacheCapacity, cache.Len())
}

func TestBlockCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cache, err := newBlockCache(2, reg)
	require.NoError(t, err)
	cache.Put(testView(1))
	cache.Put(testView(1))
	assert.InDelta(t, 1, testutil.ToFloat64(cache.cachedBlocks), 0)
	cache.Put(testView(2))
	cache.Put(testView(3))
	assert.InDelta(t, 2, testutil.ToFloat64(cache.cachedBlocks), 0)
}

func TestBlockCache_Concurrent(t *testing.T) {
	cache, err := newBlockCache(16, nil)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				view := testView(byte(i))
				cache.Put(view)
				cache.Get(substrate.Hash{byte(g + i)})
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, cache.Len(), 16)
}
