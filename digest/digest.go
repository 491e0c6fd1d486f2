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

// Package digest embeds the ledger block header in a substrate block digest
// and extracts it again. Nothing else in the module knows the embedding.
package digest

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/ledger"
)

// Kind is the digest item discriminant
type Kind uint8

const (
	KindOther      Kind = 0
	KindConsensus  Kind = 4
	KindSeal       Kind = 5
	KindPreRuntime Kind = 6
)

type EngineID [4]byte

func (e EngineID) String() string {
	return string(e[:])
}

// LedgerEngineID tags the digest item that carries the ledger header
var LedgerEngineID = EngineID{'m', 'a', 'd', 'a'}

// Item is a single substrate digest log entry
type Item struct {
	cbor.StructAsArray
	Kind    Kind
	Engine  EngineID
	Payload []byte
}

type Digest []Item

type FindLogErrorKind int

const (
	FindLogNotFound FindLogErrorKind = iota + 1
	FindLogDuplicate
	FindLogMalformed
)

func (k FindLogErrorKind) String() string {
	switch k {
	case FindLogNotFound:
		return "not found"
	case FindLogDuplicate:
		return "duplicate"
	case FindLogMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FindLogError is returned by Decode. Compare with the Err* values using errors.Is
type FindLogError struct {
	Err  error
	Kind FindLogErrorKind
}

func (e *FindLogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger digest log %s: %s", e.Kind, e.Err)
	}
	return "ledger digest log " + e.Kind.String()
}

func (e *FindLogError) Unwrap() error {
	return e.Err
}

func (e *FindLogError) Is(target error) bool {
	t, ok := target.(*FindLogError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound  = &FindLogError{Kind: FindLogNotFound}
	ErrDuplicate = &FindLogError{Kind: FindLogDuplicate}
	ErrMalformed = &FindLogError{Kind: FindLogMalformed}
)

var errZeroBlockHash = errors.New("zero block hash")

// Encode wraps the header in a consensus digest item
func Encode(header ledger.Header) (Item, error) {
	payload, err := cbor.Encode(&header)
	if err != nil {
		return Item{}, fmt.Errorf("encode ledger header: %w", err)
	}
	return Item{
		Kind:    KindConsensus,
		Engine:  LedgerEngineID,
		Payload: payload,
	}, nil
}

// Decode finds exactly one ledger header item in the digest and decodes it
func Decode(items []Item) (ledger.Header, error) {
	var found *Item
	for i := range items {
		item := &items[i]
		if item.Kind != KindConsensus || item.Engine != LedgerEngineID {
			continue
		}
		if found != nil {
			return ledger.Header{}, ErrDuplicate
		}
		found = item
	}
	if found == nil {
		return ledger.Header{}, ErrNotFound
	}
	var header ledger.Header
	n, err := cbor.Decode(found.Payload, &header)
	if err != nil {
		return ledger.Header{}, &FindLogError{Kind: FindLogMalformed, Err: err}
	}
	if n != len(found.Payload) {
		return ledger.Header{}, &FindLogError{
			Kind: FindLogMalformed,
			Err: fmt.Errorf(
				"%d trailing bytes after header",
				len(found.Payload)-n,
			),
		}
	}
	if header.BlockHash.IsZero() {
		return ledger.Header{}, &FindLogError{Kind: FindLogMalformed, Err: errZeroBlockHash}
	}
	return header, nil
}
