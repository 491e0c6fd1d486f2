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

package rpc

import (
	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

// Transaction is the RPC rendering of a ledger transaction. Only the fields
// of the transaction's variant are set
type Transaction struct {
	TransactionHash     felt.Felt     `json:"transaction_hash"`
	MaxFee              felt.Felt     `json:"max_fee"`
	Version             felt.Felt     `json:"version"`
	Signature           []felt.Felt   `json:"signature"`
	Nonce               felt.Felt     `json:"nonce"`
	Type                ledger.TxType `json:"type"`
	SenderAddress       felt.Felt     `json:"sender_address"`
	Calldata            *[]felt.Felt  `json:"calldata,omitempty"`
	ClassHash           *felt.Felt    `json:"class_hash,omitempty"`
	ConstructorCalldata *[]felt.Felt  `json:"constructor_calldata,omitempty"`
	ContractAddressSalt *felt.Felt    `json:"contract_address_salt,omitempty"`
	ContractAddress     *felt.Felt    `json:"contract_address,omitempty"`
	EntryPointSelector  *felt.Felt    `json:"entry_point_selector,omitempty"`
}

func nonNil(list []felt.Felt) []felt.Felt {
	if list == nil {
		return []felt.Felt{}
	}
	return list
}

func feltPtr(f felt.Felt) *felt.Felt {
	return &f
}

func listPtr(list []felt.Felt) *[]felt.Felt {
	ret := nonNil(list)
	return &ret
}

func NewTransaction(tx *ledger.Transaction) Transaction {
	ret := Transaction{
		TransactionHash: tx.Hash,
		MaxFee:          tx.MaxFee,
		Version:         tx.Version,
		Signature:       nonNil(tx.Signature),
		Nonce:           tx.Nonce,
		Type:            tx.Type,
		SenderAddress:   tx.SenderAddress,
	}
	switch tx.Type {
	case ledger.TxTypeInvoke:
		ret.Calldata = listPtr(tx.Calldata)
	case ledger.TxTypeDeclare:
		ret.ClassHash = feltPtr(tx.ClassHash)
	case ledger.TxTypeDeployAccount:
		ret.ClassHash = feltPtr(tx.ClassHash)
		ret.ConstructorCalldata = listPtr(tx.ConstructorCalldata)
		ret.ContractAddressSalt = feltPtr(tx.ContractAddressSalt)
	case ledger.TxTypeL1Handler:
		ret.ContractAddress = feltPtr(tx.SenderAddress)
		ret.EntryPointSelector = feltPtr(tx.EntryPointSelector)
		ret.Calldata = listPtr(tx.Calldata)
	}
	return ret
}

// BlockHeader holds the fields shared by both block renderings. Pending
// blocks have no hash, number or root
type BlockHeader struct {
	Status           string     `json:"status"`
	BlockHash        *felt.Felt `json:"block_hash,omitempty"`
	ParentHash       felt.Felt  `json:"parent_hash"`
	BlockNumber      *uint64    `json:"block_number,omitempty"`
	NewRoot          *felt.Felt `json:"new_root,omitempty"`
	Timestamp        uint64     `json:"timestamp"`
	SequencerAddress felt.Felt  `json:"sequencer_address"`
}

func newBlockHeader(view *chain.BlockView) BlockHeader {
	ret := BlockHeader{
		Status:           view.Status,
		ParentHash:       view.Header.ParentHash,
		Timestamp:        view.Header.Timestamp,
		SequencerAddress: view.Header.SequencerAddress,
	}
	if !view.IsPending() {
		number := view.Header.BlockNumber
		ret.BlockHash = feltPtr(view.Header.BlockHash)
		ret.BlockNumber = &number
		ret.NewRoot = feltPtr(view.Header.StateRoot)
	}
	return ret
}

type BlockWithTxHashes struct {
	BlockHeader
	Transactions []felt.Felt `json:"transactions"`
}

func NewBlockWithTxHashes(view *chain.BlockView) *BlockWithTxHashes {
	return &BlockWithTxHashes{
		BlockHeader:  newBlockHeader(view),
		Transactions: nonNil(view.TransactionHashes()),
	}
}

type BlockWithTxs struct {
	BlockHeader
	Transactions []Transaction `json:"transactions"`
}

func NewBlockWithTxs(view *chain.BlockView) *BlockWithTxs {
	txs := make([]Transaction, 0, len(view.Outcomes))
	for i := range view.Outcomes {
		txs = append(txs, NewTransaction(&view.Outcomes[i].Transaction))
	}
	return &BlockWithTxs{
		BlockHeader:  newBlockHeader(view),
		Transactions: txs,
	}
}

type BlockHashAndNumber struct {
	BlockHash   felt.Felt `json:"block_hash"`
	BlockNumber uint64    `json:"block_number"`
}

type SyncStatus struct {
	StartingBlockHash   felt.Felt `json:"starting_block_hash"`
	StartingBlockNumber uint64    `json:"starting_block_num"`
	CurrentBlockHash    felt.Felt `json:"current_block_hash"`
	CurrentBlockNumber  uint64    `json:"current_block_num"`
	HighestBlockHash    felt.Felt `json:"highest_block_hash"`
	HighestBlockNumber  uint64    `json:"highest_block_num"`
}

// BroadcastedInvokeTransaction is the submission body of
// addInvokeTransaction
type BroadcastedInvokeTransaction struct {
	Type          ledger.TxType `json:"type"`
	SenderAddress felt.Felt     `json:"sender_address"`
	Calldata      []felt.Felt   `json:"calldata"`
	MaxFee        felt.Felt     `json:"max_fee"`
	Version       felt.Felt     `json:"version"`
	Signature     []felt.Felt   `json:"signature"`
	Nonce         felt.Felt     `json:"nonce"`
}

func (b *BroadcastedInvokeTransaction) toLedger() ledger.Transaction {
	return ledger.Transaction{
		Type:          ledger.TxTypeInvoke,
		SenderAddress: b.SenderAddress,
		Calldata:      b.Calldata,
		MaxFee:        b.MaxFee,
		Version:       b.Version,
		Signature:     b.Signature,
		Nonce:         b.Nonce,
	}
}

// BroadcastedDeployAccountTransaction is the submission body of
// addDeployAccountTransaction
type BroadcastedDeployAccountTransaction struct {
	Type                ledger.TxType `json:"type"`
	ClassHash           felt.Felt     `json:"class_hash"`
	ContractAddressSalt felt.Felt     `json:"contract_address_salt"`
	ConstructorCalldata []felt.Felt   `json:"constructor_calldata"`
	MaxFee              felt.Felt     `json:"max_fee"`
	Version             felt.Felt     `json:"version"`
	Signature           []felt.Felt   `json:"signature"`
	Nonce               felt.Felt     `json:"nonce"`
}

// toLedger derives the deployed contract address from the class hash, salt
// and constructor calldata
func (b *BroadcastedDeployAccountTransaction) toLedger() ledger.Transaction {
	return ledger.Transaction{
		Type:                ledger.TxTypeDeployAccount,
		SenderAddress:       ContractAddress(b.ClassHash, b.ContractAddressSalt, b.ConstructorCalldata),
		ClassHash:           b.ClassHash,
		ContractAddressSalt: b.ContractAddressSalt,
		ConstructorCalldata: b.ConstructorCalldata,
		MaxFee:              b.MaxFee,
		Version:             b.Version,
		Signature:           b.Signature,
		Nonce:               b.Nonce,
	}
}

// ContractAddress returns the address of an account deployed from classHash
func ContractAddress(classHash felt.Felt, salt felt.Felt, calldata []felt.Felt) felt.Felt {
	parts := [][]byte{[]byte("STARKNET_CONTRACT_ADDRESS")}
	for _, f := range append([]felt.Felt{salt, classHash}, calldata...) {
		b := f.Bytes()
		parts = append(parts, b[:])
	}
	return felt.Keccak(parts...)
}

type AddInvokeTransactionResult struct {
	TransactionHash felt.Felt `json:"transaction_hash"`
}

type AddDeployAccountTransactionResult struct {
	TransactionHash felt.Felt `json:"transaction_hash"`
	ContractAddress felt.Felt `json:"contract_address"`
}
