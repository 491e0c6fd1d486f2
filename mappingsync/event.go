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
	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/substrate"
)

const (
	BlockMappedEventType event.EventType = "mapping.block_mapped"
	ReorgEventType       event.EventType = "mapping.reorg"
)

// BlockMappedEvent is published after a block becomes canonical
type BlockMappedEvent struct {
	Header            ledger.Header
	TransactionHashes []felt.Felt
	Entry             models.MappingEntry
}

// ReorgEvent is published after the canonical chain switches branches
type ReorgEvent struct {
	OldTip               substrate.Hash
	NewTip               substrate.Hash
	CommonAncestorNumber uint64
	Depth                uint64
	HasCommonAncestor    bool
}
