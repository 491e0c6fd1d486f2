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

package ledger_test

import (
	"testing"

	"github.com/blinklabs-io/gouroboros/cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

var chainID = felt.MustHex("0x534e5f474f45524c49")

func invoke() ledger.Transaction {
	return ledger.Transaction{
		Type:          ledger.TxTypeInvoke,
		SenderAddress: felt.FromUint64(0xa11ce),
		Calldata:      []felt.Felt{felt.FromUint64(1), felt.FromUint64(2)},
		MaxFee:        felt.FromUint64(100),
		Version:       felt.FromUint64(1),
		Nonce:         felt.FromUint64(3),
	}
}

func TestTransactionHash(t *testing.T) {
	base := invoke()
	hash := base.ComputeHash(chainID)
	assert.False(t, hash.IsZero())

	signed := invoke()
	signed.Signature = []felt.Felt{felt.FromUint64(0x5167)}
	assert.Equal(t, hash, signed.ComputeHash(chainID), "signature is not hashed")

	assert.NotEqual(t, hash, base.ComputeHash(felt.FromUint64(1)), "chain id is hashed")

	moreCalldata := invoke()
	moreCalldata.Calldata = append(moreCalldata.Calldata, felt.Zero)
	assert.NotEqual(t, hash, moreCalldata.ComputeHash(chainID))

	otherNonce := invoke()
	otherNonce.Nonce = felt.FromUint64(4)
	assert.NotEqual(t, hash, otherNonce.ComputeHash(chainID))

	// Fields outside the variant do not change the hash
	stray := invoke()
	stray.ClassHash = felt.FromUint64(9)
	assert.Equal(t, hash, stray.ComputeHash(chainID))
}

func TestTransactionValidate(t *testing.T) {
	tests := []struct {
		name    string
		tx      ledger.Transaction
		wantErr bool
	}{
		{name: "invoke", tx: invoke()},
		{name: "unknown type", tx: ledger.Transaction{Type: "DEPLOY"}, wantErr: true},
		{name: "declare without class", tx: ledger.Transaction{Type: ledger.TxTypeDeclare}, wantErr: true},
		{
			name: "declare",
			tx:   ledger.Transaction{Type: ledger.TxTypeDeclare, ClassHash: felt.FromUint64(1)},
		},
		{
			name:    "deploy account without class",
			tx:      ledger.Transaction{Type: ledger.TxTypeDeployAccount},
			wantErr: true,
		},
		{name: "l1 handler", tx: ledger.Transaction{Type: ledger.TxTypeL1Handler}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.tx.Validate()
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestQueueString(t *testing.T) {
	assert.Equal(t, "ready", ledger.QueueReady.String())
	assert.Equal(t, "future", ledger.QueueFuture.String())
	assert.Equal(t, "unknown(7)", ledger.Queue(7).String())
}

func TestAppliedBlockEncoding(t *testing.T) {
	tx := invoke()
	tx.Hash = tx.ComputeHash(chainID)
	block := ledger.AppliedBlock{
		Outcomes: []ledger.TxOutcome{
			{
				Transaction: tx,
				Events: []ledger.Event{
					{FromAddress: felt.FromUint64(1), Keys: []felt.Felt{felt.Selector("Transfer")}},
					{FromAddress: felt.FromUint64(2), Data: []felt.Felt{tx.Hash}},
				},
			},
			{Transaction: ledger.Transaction{Type: ledger.TxTypeL1Handler}},
		},
		StateRoot: felt.FromUint64(0x5747e),
	}
	assert.Equal(t, 2, block.EventCount())
	data, err := cbor.Encode(&block)
	require.NoError(t, err)
	var decoded ledger.AppliedBlock
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, block.StateRoot, decoded.StateRoot)
	require.Len(t, decoded.Outcomes, 2)
	assert.Equal(t, tx.Hash, decoded.Outcomes[0].Transaction.Hash)
	assert.Equal(t, block.Outcomes[0].Events[0].Keys, decoded.Outcomes[0].Events[0].Keys)
}

func TestHeaderHash(t *testing.T) {
	hdr := ledger.Header{
		BlockNumber:      1,
		ParentHash:       felt.FromUint64(0xbeef),
		SequencerAddress: felt.FromUint64(1),
		Timestamp:        1700000000,
		TransactionCount: 2,
		EventCount:       4,
		ProtocolVersion:  "0.13.1",
	}
	hash := hdr.ComputeHash()
	hdr.BlockHash = felt.FromUint64(99)
	assert.Equal(t, hash, hdr.ComputeHash(), "block hash field is not hashed")
	hdr.Timestamp++
	assert.NotEqual(t, hash, hdr.ComputeHash())
}
