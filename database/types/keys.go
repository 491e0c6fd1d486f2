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

package types

import (
	"encoding/binary"
	"slices"
)

const (
	MappingBySubstrateKeyPrefix  = "ms"
	MappingCanonicalKeyPrefix    = "mc"
	MappingByLedgerHashKeyPrefix = "ml"
	MappingWatermarkKey          = "mw"
	CommitTimestampKey           = "ct"
)

func Uint64ToBytes(input uint64) []byte {
	ret := make([]byte, 8)
	binary.BigEndian.PutUint64(ret, input)
	return ret
}

// MappingBySubstrateKey is the primary record key for a mapping entry
func MappingBySubstrateKey(substrateHash []byte) []byte {
	return slices.Concat([]byte(MappingBySubstrateKeyPrefix), substrateHash)
}

// MappingCanonicalKey indexes the canonical entry for a ledger block number.
// Big-endian numbers keep the index ordered for reverse iteration
func MappingCanonicalKey(ledgerNumber uint64) []byte {
	return slices.Concat(
		[]byte(MappingCanonicalKeyPrefix),
		Uint64ToBytes(ledgerNumber),
	)
}

// MappingByLedgerHashKey indexes every substrate block carrying a ledger hash
func MappingByLedgerHashKey(ledgerHash []byte, substrateHash []byte) []byte {
	return slices.Concat(
		MappingByLedgerHashPrefix(ledgerHash),
		substrateHash,
	)
}

func MappingByLedgerHashPrefix(ledgerHash []byte) []byte {
	return slices.Concat([]byte(MappingByLedgerHashKeyPrefix), ledgerHash)
}
