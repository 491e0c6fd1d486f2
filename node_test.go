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

package starkview

import (
	"net"
	"testing"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/rpc"
)

func freePort(t *testing.T) uint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint(port) // #nosec G115
}

func TestNodeDevMode(t *testing.T) {
	chainID := felt.FromUint64(0x5e7)
	n, err := New(NewConfig(
		WithRunMode(runModeDev),
		WithChainID(chainID),
		WithBindAddr("127.0.0.1"),
		WithRpcPort(freePort(t)),
		WithBlockTime(20*time.Millisecond),
		WithFinalityDepth(1),
		WithSyncPollInterval(50*time.Millisecond),
	))
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(t.Context())
	}()
	require.Eventually(t, func() bool {
		return n.RPCAddr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	client, err := gethrpc.DialHTTP("http://" + n.RPCAddr().String())
	require.NoError(t, err)
	defer client.Close()

	var gotChainID felt.Felt
	require.NoError(t, client.CallContext(t.Context(), &gotChainID, "starknet_chainId"))
	assert.Equal(t, chainID, gotChainID)

	var res rpc.AddInvokeTransactionResult
	require.NoError(t, client.CallContext(
		t.Context(),
		&res,
		"starknet_addInvokeTransaction",
		rpc.BroadcastedInvokeTransaction{
			Type:          "INVOKE",
			SenderAddress: felt.FromUint64(0xa11ce),
			MaxFee:        felt.FromUint64(1),
			Version:       felt.FromUint64(1),
		},
	))
	// The transaction is sealed, mapped and indexed in the background
	require.Eventually(t, func() bool {
		var tx rpc.Transaction
		err := client.CallContext(t.Context(), &tx, "starknet_getTransactionByHash", res.TransactionHash)
		return err == nil && tx.TransactionHash == res.TransactionHash
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, n.Stop())
	require.NoError(t, <-errCh)
	require.ErrorIs(t, n.Run(t.Context()), ErrNodeStarted)
}

func TestNodeRebuild(t *testing.T) {
	n, err := New(NewConfig(WithChainID(felt.FromUint64(1))))
	require.NoError(t, err)
	require.NoError(t, n.Rebuild(t.Context()))
	require.ErrorIs(t, n.Rebuild(t.Context()), ErrNodeStarted)
}
