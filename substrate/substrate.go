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

// Package substrate models the block-producing chain that carries ledger
// blocks in its header digests.
package substrate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/digest"
	"github.com/blinklabs-io/starkview/event"
)

const (
	BlockImportEventType event.EventType = "substrate.block_import"
	FinalityEventType    event.EventType = "substrate.finality"
)

var ErrHeaderNotFound = errors.New("substrate header not found")

// Hash is a substrate block hash
type Hash [32]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	tmp, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = tmp
	return nil
}

func HashFromHex(s string) (Hash, error) {
	var ret Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ret, fmt.Errorf("invalid substrate hash %q: %w", s, err)
	}
	if len(b) != len(ret) {
		return ret, fmt.Errorf("invalid substrate hash length %d", len(b))
	}
	copy(ret[:], b)
	return ret, nil
}

type Header struct {
	cbor.StructAsArray
	Hash       Hash
	ParentHash Hash
	Number     uint64
	Digest     digest.Digest
}

type BlockImportEvent struct {
	Hash        Hash
	ParentHash  Hash
	Number      uint64
	IsBest      bool
	IsFinalized bool
}

type FinalityEvent struct {
	Hash   Hash
	Number uint64
}

// Backend provides read access to substrate headers
type Backend interface {
	HeaderByHash(ctx context.Context, hash Hash) (*Header, error)
	// CanonicalHash returns the best-chain hash at number
	CanonicalHash(ctx context.Context, number uint64) (Hash, error)
	BestHeader(ctx context.Context) (*Header, error)
	FinalizedNumber(ctx context.Context) (uint64, bool, error)
}
