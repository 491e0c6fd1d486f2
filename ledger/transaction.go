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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/felt"
)

type TxType string

const (
	TxTypeInvoke        TxType = "INVOKE"
	TxTypeDeclare       TxType = "DECLARE"
	TxTypeDeployAccount TxType = "DEPLOY_ACCOUNT"
	TxTypeL1Handler     TxType = "L1_HANDLER"
)

func (t TxType) Valid() bool {
	switch t {
	case TxTypeInvoke, TxTypeDeclare, TxTypeDeployAccount, TxTypeL1Handler:
		return true
	default:
		return false
	}
}

// Transaction is a ledger transaction. Type selects the variant, and only the
// fields relevant to that variant are meaningful:
//
//	INVOKE:         Calldata
//	DECLARE:        ClassHash
//	DEPLOY_ACCOUNT: ClassHash, ConstructorCalldata, ContractAddressSalt
//	L1_HANDLER:     SenderAddress is the contract address, EntryPointSelector, Calldata
type Transaction struct {
	cbor.StructAsArray
	Type                TxType
	Hash                felt.Felt
	MaxFee              felt.Felt
	Version             felt.Felt
	Signature           []felt.Felt
	Nonce               felt.Felt
	SenderAddress       felt.Felt
	Calldata            []felt.Felt
	ClassHash           felt.Felt
	ConstructorCalldata []felt.Felt
	ContractAddressSalt felt.Felt
	EntryPointSelector  felt.Felt
}

// ComputeHash derives the transaction hash from its contents and the chain id.
// Signature is not part of the hash
func (t *Transaction) ComputeHash(chainID felt.Felt) felt.Felt {
	parts := [][]byte{[]byte(t.Type)}
	appendFelt := func(f felt.Felt) {
		b := f.Bytes()
		parts = append(parts, b[:])
	}
	appendList := func(list []felt.Felt) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(list)))
		parts = append(parts, lenBuf[:])
		for _, f := range list {
			appendFelt(f)
		}
	}
	appendFelt(chainID)
	appendFelt(t.Version)
	appendFelt(t.SenderAddress)
	appendFelt(t.Nonce)
	appendFelt(t.MaxFee)
	switch t.Type {
	case TxTypeInvoke:
		appendList(t.Calldata)
	case TxTypeDeclare:
		appendFelt(t.ClassHash)
	case TxTypeDeployAccount:
		appendFelt(t.ClassHash)
		appendFelt(t.ContractAddressSalt)
		appendList(t.ConstructorCalldata)
	case TxTypeL1Handler:
		appendFelt(t.EntryPointSelector)
		appendList(t.Calldata)
	}
	return felt.Keccak(parts...)
}

// Validate checks the variant tag and variant-specific requirements
func (t *Transaction) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("unknown transaction type: %q", t.Type)
	}
	if t.Type == TxTypeDeclare && t.ClassHash.IsZero() {
		return errors.New("declare transaction without class hash")
	}
	if t.Type == TxTypeDeployAccount && t.ClassHash.IsZero() {
		return errors.New("deploy account transaction without class hash")
	}
	return nil
}

// Queue identifies which transaction pool queue a transaction sits in
type Queue uint8

const (
	QueueReady Queue = iota
	QueueFuture
)

func (q Queue) String() string {
	switch q {
	case QueueReady:
		return "ready"
	case QueueFuture:
		return "future"
	default:
		return fmt.Sprintf("unknown(%d)", q)
	}
}

// PoolTransaction is a transaction held by the transaction pool
type PoolTransaction struct {
	Transaction Transaction
	Queue       Queue
}
