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
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blinklabs-io/starkview/substrate"
)

// DefaultBlockCacheCapacity is the default maximum number of materialized
// blocks to cache
const DefaultBlockCacheCapacity = 1024

// blockCache is an LRU cache of materialized blocks keyed by substrate hash.
// A substrate hash always materializes to the same block, so entries never
// need invalidation, only eviction
type blockCache struct {
	cache        *lru.Cache
	cachedBlocks prometheus.Gauge
}

// newBlockCache creates a new block cache with the given capacity. If
// capacity is <= 0, DefaultBlockCacheCapacity is used
func newBlockCache(
	capacity int,
	promRegistry prometheus.Registerer,
) (*blockCache, error) {
	if capacity <= 0 {
		capacity = DefaultBlockCacheCapacity
	}
	c := &blockCache{}
	c.cachedBlocks = promauto.With(promRegistry).NewGauge(
		prometheus.GaugeOpts{
			Name: "starkview_chain_cached_blocks",
			Help: "current number of materialized blocks in the resolver LRU cache",
		},
	)
	cache, err := lru.NewWithEvict(
		capacity,
		func(_ any, _ any) {
			c.cachedBlocks.Dec()
		},
	)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// Get returns a cached block. Callers must not modify the returned view
func (c *blockCache) Get(hash substrate.Hash) (*BlockView, bool) {
	val, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	return val.(*BlockView), true
}

// Put adds a block, evicting the least recently used entry when full
func (c *blockCache) Put(view *BlockView) {
	if ok, _ := c.cache.ContainsOrAdd(view.SubstrateHash, view); !ok {
		c.cachedBlocks.Inc()
	}
}

func (c *blockCache) Len() int {
	return c.cache.Len()
}
