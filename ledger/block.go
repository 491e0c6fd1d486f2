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

// Package ledger holds the Starknet ledger data model shared by the sync,
// query and RPC layers.
package ledger

import (
	"encoding/binary"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/felt"
)

const (
	StatusAcceptedOnL2 = "ACCEPTED_ON_L2"
	StatusPending      = "PENDING"
)

// Header is the ledger block header embedded in each substrate block digest
type Header struct {
	cbor.StructAsArray
	BlockHash        felt.Felt
	ParentHash       felt.Felt
	BlockNumber      uint64
	SequencerAddress felt.Felt
	Timestamp        uint64
	TransactionCount uint32
	EventCount       uint32
	StateRoot        felt.Felt
	ProtocolVersion  string
}

// ComputeHash derives the block hash from the remaining header fields
func (h *Header) ComputeHash() felt.Felt {
	var nums [8 + 8 + 4 + 4]byte
	binary.BigEndian.PutUint64(nums[0:8], h.BlockNumber)
	binary.BigEndian.PutUint64(nums[8:16], h.Timestamp)
	binary.BigEndian.PutUint32(nums[16:20], h.TransactionCount)
	binary.BigEndian.PutUint32(nums[20:24], h.EventCount)
	parent := h.ParentHash.Bytes()
	seq := h.SequencerAddress.Bytes()
	root := h.StateRoot.Bytes()
	return felt.Keccak(
		nums[:],
		parent[:],
		seq[:],
		root[:],
		[]byte(h.ProtocolVersion),
	)
}
