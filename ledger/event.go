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

package ledger

import (
	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/felt"
)

// Event is emitted by a transaction during execution
type Event struct {
	cbor.StructAsArray
	FromAddress felt.Felt
	Keys        []felt.Felt
	Data        []felt.Felt
}

// TxOutcome pairs an included transaction with the events it emitted, in
// emission order
type TxOutcome struct {
	cbor.StructAsArray
	Transaction Transaction
	Events      []Event
}

// AppliedBlock is the execution result for one block
type AppliedBlock struct {
	cbor.StructAsArray
	Outcomes  []TxOutcome
	StateRoot felt.Felt
}

// EventCount returns the total number of events across all transactions
func (b *AppliedBlock) EventCount() int {
	ret := 0
	for _, o := range b.Outcomes {
		ret += len(o.Events)
	}
	return ret
}
