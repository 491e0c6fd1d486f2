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

package mappingsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type workerMetrics struct {
	blockHeight  prometheus.Gauge
	transactions prometheus.Counter
	events       prometheus.Counter
	reorgs       prometheus.Counter
	decodeErrors prometheus.Counter
	reorging     prometheus.Gauge
}

func (w *Worker) initMetrics() {
	// A nil registry still yields usable collectors
	promautoFactory := promauto.With(w.config.PromRegistry)
	w.metrics.blockHeight = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "starkview_mapping_block_height",
		Help: "ledger block number of the canonical tip",
	})
	w.metrics.transactions = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "starkview_mapping_transactions_total",
		Help: "transactions in mapped canonical blocks",
	})
	w.metrics.events = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "starkview_mapping_events_total",
		Help: "events in mapped canonical blocks",
	})
	w.metrics.reorgs = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "starkview_mapping_reorgs_total",
		Help: "canonical chain switches",
	})
	w.metrics.decodeErrors = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "starkview_mapping_decode_errors_total",
		Help: "substrate blocks skipped for an undecodable ledger digest",
	})
	w.metrics.reorging = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "starkview_mapping_reorging",
		Help: "1 while a reorg is being applied",
	})
}
