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
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/eventquery"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

// PendingProvider lists the pending pool transactions, ready ones first
type PendingProvider interface {
	PendingTransactions() []ledger.PoolTransaction
}

// TransactionSubmitter accepts transactions into the pool
type TransactionSubmitter interface {
	AddTransaction(ctx context.Context, tx ledger.Transaction) error
}

var supportedTxVersions = []felt.Felt{felt.FromUint64(1)}

// StarknetAPI implements the starknet namespace
type StarknetAPI struct {
	server *Server
}

func (a *StarknetAPI) start(
	ctx context.Context,
	method string,
) (context.Context, trace.Span) {
	return a.server.tracer.Start(
		ctx,
		"starknet_"+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", "starknet_"+method),
		),
	)
}

// finish ends the span and converts err for the caller
func (a *StarknetAPI) finish(span trace.Span, method string, err error) error {
	defer span.End()
	code := 0
	ret := toRPCError(a.server.logger, method, err)
	if ret != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ret.Error())
		if rpcErr, ok := ret.(*Error); ok {
			code = rpcErr.Code
			span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", code))
		}
	}
	a.server.metrics.requests.With(prometheus.Labels{
		"method": method,
		"code":   strconv.Itoa(code),
	}).Inc()
	return ret
}

func (a *StarknetAPI) ChainId(ctx context.Context) (felt.Felt, error) {
	_, span := a.start(ctx, "chainId")
	return a.server.config.ChainID, a.finish(span, "chainId", nil)
}

func (a *StarknetAPI) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, span := a.start(ctx, "blockNumber")
	number, err := a.server.config.Resolver.LatestNumber(ctx)
	return number, a.finish(span, "blockNumber", err)
}

func (a *StarknetAPI) BlockHashAndNumber(ctx context.Context) (*BlockHashAndNumber, error) {
	ctx, span := a.start(ctx, "blockHashAndNumber")
	hash, number, err := a.server.config.Resolver.HashAndNumber(ctx)
	if err != nil {
		return nil, a.finish(span, "blockHashAndNumber", err)
	}
	return &BlockHashAndNumber{
		BlockHash:   hash,
		BlockNumber: number,
	}, a.finish(span, "blockHashAndNumber", nil)
}

func (a *StarknetAPI) GetBlockWithTxHashes(
	ctx context.Context,
	id chain.BlockID,
) (*BlockWithTxHashes, error) {
	ctx, span := a.start(ctx, "getBlockWithTxHashes")
	view, err := a.server.config.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, a.finish(span, "getBlockWithTxHashes", err)
	}
	return NewBlockWithTxHashes(view), a.finish(span, "getBlockWithTxHashes", nil)
}

func (a *StarknetAPI) GetBlockWithTxs(
	ctx context.Context,
	id chain.BlockID,
) (*BlockWithTxs, error) {
	ctx, span := a.start(ctx, "getBlockWithTxs")
	view, err := a.server.config.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, a.finish(span, "getBlockWithTxs", err)
	}
	return NewBlockWithTxs(view), a.finish(span, "getBlockWithTxs", nil)
}

func (a *StarknetAPI) GetTransactionByBlockIdAndIndex(
	ctx context.Context,
	id chain.BlockID,
	index uint64,
) (*Transaction, error) {
	ctx, span := a.start(ctx, "getTransactionByBlockIdAndIndex")
	tx, err := a.server.config.Resolver.TransactionByIndex(ctx, id, index)
	if err != nil {
		return nil, a.finish(span, "getTransactionByBlockIdAndIndex", err)
	}
	ret := NewTransaction(tx)
	return &ret, a.finish(span, "getTransactionByBlockIdAndIndex", nil)
}

func (a *StarknetAPI) GetTransactionByHash(
	ctx context.Context,
	hash felt.Felt,
) (*Transaction, error) {
	ctx, span := a.start(ctx, "getTransactionByHash")
	tx, _, err := a.server.config.Resolver.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, a.finish(span, "getTransactionByHash", err)
	}
	ret := NewTransaction(tx)
	return &ret, a.finish(span, "getTransactionByHash", nil)
}

func (a *StarknetAPI) GetBlockTransactionCount(
	ctx context.Context,
	id chain.BlockID,
) (uint64, error) {
	ctx, span := a.start(ctx, "getBlockTransactionCount")
	count, err := a.server.config.Resolver.TransactionCount(ctx, id)
	return count, a.finish(span, "getBlockTransactionCount", err)
}

func (a *StarknetAPI) GetNonce(
	ctx context.Context,
	id chain.BlockID,
	contract felt.Felt,
) (felt.Felt, error) {
	ctx, span := a.start(ctx, "getNonce")
	nonce, err := a.server.config.Resolver.Nonce(ctx, id, contract)
	return nonce, a.finish(span, "getNonce", err)
}

func (a *StarknetAPI) GetEvents(
	ctx context.Context,
	filter eventquery.Request,
) (*eventquery.Page, error) {
	ctx, span := a.start(ctx, "getEvents")
	page, err := a.server.events.GetEvents(ctx, filter)
	if err != nil {
		return nil, a.finish(span, "getEvents", err)
	}
	return page, a.finish(span, "getEvents", nil)
}

func (a *StarknetAPI) PendingTransactions(ctx context.Context) ([]Transaction, error) {
	_, span := a.start(ctx, "pendingTransactions")
	if a.server.config.Pending == nil {
		return nil, a.finish(span, "pendingTransactions", errPendingUnavailable)
	}
	pool := a.server.config.Pending.PendingTransactions()
	ret := make([]Transaction, 0, len(pool))
	for i := range pool {
		ret = append(ret, NewTransaction(&pool[i].Transaction))
	}
	span.SetAttributes(attribute.Int("pending.count", len(ret)))
	return ret, a.finish(span, "pendingTransactions", nil)
}

// Syncing returns false when the node is caught up and the sync status
// otherwise
func (a *StarknetAPI) Syncing(ctx context.Context) (any, error) {
	ctx, span := a.start(ctx, "syncing")
	status, err := a.server.config.Resolver.Syncing(ctx)
	if err != nil {
		return nil, a.finish(span, "syncing", err)
	}
	if !status.Syncing {
		return false, a.finish(span, "syncing", nil)
	}
	return &SyncStatus{
		StartingBlockHash:   status.StartingHash,
		StartingBlockNumber: status.StartingNumber,
		CurrentBlockHash:    status.CurrentHash,
		CurrentBlockNumber:  status.CurrentNumber,
		HighestBlockHash:    status.HighestHash,
		HighestBlockNumber:  status.HighestNumber,
	}, a.finish(span, "syncing", nil)
}

func (a *StarknetAPI) submit(ctx context.Context, tx *ledger.Transaction) error {
	if a.server.config.Submitter == nil {
		return ErrFailedToReceiveTransaction
	}
	supported := false
	for _, v := range supportedTxVersions {
		if tx.Version == v {
			supported = true
			break
		}
	}
	if !supported {
		return ErrUnsupportedTxVersion
	}
	tx.Hash = tx.ComputeHash(a.server.config.ChainID)
	return a.server.config.Submitter.AddTransaction(ctx, *tx)
}

func (a *StarknetAPI) AddInvokeTransaction(
	ctx context.Context,
	invoke BroadcastedInvokeTransaction,
) (*AddInvokeTransactionResult, error) {
	ctx, span := a.start(ctx, "addInvokeTransaction")
	tx := invoke.toLedger()
	if err := a.submit(ctx, &tx); err != nil {
		return nil, a.finish(span, "addInvokeTransaction", err)
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hash.String()))
	return &AddInvokeTransactionResult{
		TransactionHash: tx.Hash,
	}, a.finish(span, "addInvokeTransaction", nil)
}

func (a *StarknetAPI) AddDeployAccountTransaction(
	ctx context.Context,
	deploy BroadcastedDeployAccountTransaction,
) (*AddDeployAccountTransactionResult, error) {
	ctx, span := a.start(ctx, "addDeployAccountTransaction")
	tx := deploy.toLedger()
	if err := a.submit(ctx, &tx); err != nil {
		return nil, a.finish(span, "addDeployAccountTransaction", err)
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hash.String()))
	return &AddDeployAccountTransactionResult{
		TransactionHash: tx.Hash,
		ContractAddress: tx.SenderAddress,
	}, a.finish(span, "addDeployAccountTransaction", nil)
}
