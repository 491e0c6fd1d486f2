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

package models

import (
	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/substrate"
)

// MappingEntry links a substrate block to the ledger block carried in its
// digest. Entries are stored in the blob store and are never deleted
type MappingEntry struct {
	cbor.StructAsArray
	SubstrateHash    substrate.Hash
	SubstrateNumber  uint64
	LedgerHash       felt.Felt
	LedgerNumber     uint64
	IsCanonical      bool
	Finalized        bool
	TransactionCount uint32
	EventCount       uint32
}
