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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type producerMetrics struct {
	blocksSealed   prometheus.Counter
	sealFailures   prometheus.Counter
	skippedTxs     prometheus.Counter
	blockTxCount   prometheus.Histogram
	blockEvents    prometheus.Histogram
	bestBlock      prometheus.Gauge
	finalizedBlock prometheus.Gauge
}

// initProducerMetrics registers the producer metrics with reg. A nil
// registerer leaves the collectors unregistered
func initProducerMetrics(reg prometheus.Registerer) *producerMetrics {
	factory := promauto.With(reg)
	m := &producerMetrics{}
	m.blocksSealed = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "starkview_devnet_blocks_sealed_total",
			Help: "blocks sealed by the devnet producer",
		},
	)
	m.sealFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "starkview_devnet_seal_failures_total",
			Help: "failed attempts to seal a block",
		},
	)
	m.skippedTxs = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "starkview_devnet_skipped_transactions_total",
			Help: "ready transactions left out of a block because of a stale nonce",
		},
	)
	m.blockTxCount = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "starkview_devnet_block_tx_count",
			Help:    "number of transactions per sealed block",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)
	m.blockEvents = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "starkview_devnet_block_event_count",
			Help:    "number of events per sealed block",
			Buckets: []float64{0, 2, 10, 20, 50, 100, 200, 500, 1000},
		},
	)
	m.bestBlock = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "starkview_devnet_best_block",
			Help: "number of the best devnet substrate block",
		},
	)
	m.finalizedBlock = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "starkview_devnet_finalized_block",
			Help: "number of the last finalized devnet substrate block",
		},
	)
	return m
}
