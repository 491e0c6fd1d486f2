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

// Package devnet implements a development substrate chain with a local block
// producer, so the node can run without an external chain.
package devnet

import (
	"io"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

var (
	// FeeTokenAddress is the contract that emits the fee Transfer event
	FeeTokenAddress = felt.MustHex(
		"0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
	)
	TransferSelector            = felt.Selector("Transfer")
	TransactionExecutedSelector = felt.Selector("transaction_executed")
)

// NonceTable maps contract addresses to their current nonce
type NonceTable map[felt.Felt]uint64

func (n NonceTable) Clone() NonceTable {
	ret := make(NonceTable, len(n))
	for k, v := range n {
		ret[k] = v
	}
	return ret
}

// Executor applies transactions to a nonce table and produces their outcomes
type Executor struct {
	logger    *slog.Logger
	sequencer felt.Felt
}

func NewExecutor(sequencer felt.Felt, logger *slog.Logger) *Executor {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Executor{
		sequencer: sequencer,
		logger:    logger,
	}
}

// Execute runs txs in order against a copy of parent. Transactions whose
// nonce is not the sender's next nonce are skipped and returned separately
func (e *Executor) Execute(
	parent NonceTable,
	txs []ledger.Transaction,
) ([]ledger.TxOutcome, NonceTable, []ledger.Transaction) {
	nonces := parent.Clone()
	outcomes := make([]ledger.TxOutcome, 0, len(txs))
	var skipped []ledger.Transaction
	for _, tx := range txs {
		nonce, ok := tx.Nonce.Uint64()
		if !ok || nonce != nonces[tx.SenderAddress] {
			e.logger.Debug(
				"skipping transaction with stale nonce",
				"tx_hash", tx.Hash.String(),
				"sender", tx.SenderAddress.String(),
				"nonce", tx.Nonce.String(),
			)
			skipped = append(skipped, tx)
			continue
		}
		nonces[tx.SenderAddress] = nonce + 1
		outcomes = append(outcomes, ledger.TxOutcome{
			Transaction: tx,
			Events:      e.events(&tx),
		})
	}
	return outcomes, nonces, skipped
}

func (e *Executor) events(tx *ledger.Transaction) []ledger.Event {
	low, high := splitUint256(tx.MaxFee)
	ret := []ledger.Event{
		{
			FromAddress: FeeTokenAddress,
			Keys:        []felt.Felt{TransferSelector},
			Data: []felt.Felt{
				tx.SenderAddress,
				e.sequencer,
				low,
				high,
			},
		},
	}
	switch tx.Type {
	case ledger.TxTypeInvoke, ledger.TxTypeDeployAccount:
		ret = append(ret, ledger.Event{
			FromAddress: tx.SenderAddress,
			Keys:        []felt.Felt{TransactionExecutedSelector},
			Data:        []felt.Felt{tx.Hash},
		})
	}
	return ret
}

// splitUint256 returns the low and high 128-bit halves of v
func splitUint256(v felt.Felt) (felt.Felt, felt.Felt) {
	val := uint256.MustFromBig(v.BigInt())
	high := new(uint256.Int).Rsh(val, 128)
	low := new(uint256.Int).Sub(val, new(uint256.Int).Lsh(high, 128))
	lowBytes := low.Bytes32()
	highBytes := high.Bytes32()
	return felt.FromBytes(lowBytes[:]), felt.FromBytes(highBytes[:])
}
