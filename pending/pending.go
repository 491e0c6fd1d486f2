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

// Package pending projects the transaction pool into the pending
// transaction list
package pending

import (
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

// Pool is the read side of the transaction pool
type Pool interface {
	ReadyQueue() []ledger.PoolTransaction
	FutureQueue() []ledger.PoolTransaction
}

type Projector struct {
	pool Pool
}

func NewProjector(pool Pool) *Projector {
	return &Projector{pool: pool}
}

// PendingTransactions returns the ready queue followed by the future queue.
// A hash seen in both snapshots is reported once, at its first position
func (p *Projector) PendingTransactions() []ledger.PoolTransaction {
	ready := p.pool.ReadyQueue()
	future := p.pool.FutureQueue()
	ret := make([]ledger.PoolTransaction, 0, len(ready)+len(future))
	seen := make(map[felt.Felt]struct{}, cap(ret))
	for _, queue := range [][]ledger.PoolTransaction{ready, future} {
		for _, tx := range queue {
			if _, ok := seen[tx.Transaction.Hash]; ok {
				continue
			}
			seen[tx.Transaction.Hash] = struct{}{}
			ret = append(ret, tx)
		}
	}
	return ret
}
