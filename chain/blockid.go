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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/blinklabs-io/starkview/felt"
)

const (
	blockTagLatest  = "latest"
	blockTagPending = "pending"
)

type BlockIDKind uint8

const (
	BlockIDLatest BlockIDKind = iota
	BlockIDPending
	BlockIDHash
	BlockIDNumber
)

// BlockID selects a block by hash, number or tag. The zero value is latest
type BlockID struct {
	Kind   BlockIDKind
	Hash   felt.Felt
	Number uint64
}

func LatestBlockID() BlockID {
	return BlockID{Kind: BlockIDLatest}
}

func PendingBlockID() BlockID {
	return BlockID{Kind: BlockIDPending}
}

func HashBlockID(hash felt.Felt) BlockID {
	return BlockID{Kind: BlockIDHash, Hash: hash}
}

func NumberBlockID(number uint64) BlockID {
	return BlockID{Kind: BlockIDNumber, Number: number}
}

func (id BlockID) IsPending() bool {
	return id.Kind == BlockIDPending
}

func (id BlockID) String() string {
	switch id.Kind {
	case BlockIDPending:
		return blockTagPending
	case BlockIDHash:
		return id.Hash.String()
	case BlockIDNumber:
		return strconv.FormatUint(id.Number, 10)
	default:
		return blockTagLatest
	}
}

type blockIDObject struct {
	BlockHash   *felt.Felt `json:"block_hash,omitempty"`
	BlockNumber *uint64    `json:"block_number,omitempty"`
}

func (id BlockID) MarshalJSON() ([]byte, error) {
	switch id.Kind {
	case BlockIDLatest:
		return json.Marshal(blockTagLatest)
	case BlockIDPending:
		return json.Marshal(blockTagPending)
	case BlockIDHash:
		return json.Marshal(blockIDObject{BlockHash: &id.Hash})
	case BlockIDNumber:
		return json.Marshal(blockIDObject{BlockNumber: &id.Number})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidBlockID, id.Kind)
	}
}

func (id *BlockID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}
		switch tag {
		case blockTagLatest:
			*id = LatestBlockID()
		case blockTagPending:
			*id = PendingBlockID()
		default:
			return fmt.Errorf("%w: unknown tag %q", ErrInvalidBlockID, tag)
		}
		return nil
	}
	var obj blockIDObject
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBlockID, err)
	}
	switch {
	case obj.BlockHash != nil && obj.BlockNumber != nil:
		return fmt.Errorf("%w: both block_hash and block_number", ErrInvalidBlockID)
	case obj.BlockHash != nil:
		*id = HashBlockID(*obj.BlockHash)
	case obj.BlockNumber != nil:
		*id = NumberBlockID(*obj.BlockNumber)
	default:
		return fmt.Errorf("%w: empty object", ErrInvalidBlockID)
	}
	return nil
}
