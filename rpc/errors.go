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
	"errors"
	"log/slog"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/eventquery"
	"github.com/blinklabs-io/starkview/mempool"
)

const (
	CodeFailedToReceiveTransaction = 1
	CodeContractNotFound           = 20
	CodeBlockNotFound              = 24
	CodeInvalidTxIndex             = 27
	CodeTxHashNotFound             = 29
	CodePageSizeTooBig             = 31
	CodeNoBlocks                   = 32
	CodeInvalidContinuationToken   = 33
	CodeTooManyKeysInFilter        = 34
	CodeFailedToFetchPendingTxs    = 38
	CodeValidationFailure          = 55
	CodeUnsupportedTxVersion       = 61
	CodeInternalError              = 500
)

// Error is a Starknet RPC error. The go-ethereum server reports ErrorCode as
// the JSON-RPC error code
type Error struct {
	Message string
	Code    int
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) ErrorCode() int {
	return e.Code
}

var (
	ErrFailedToReceiveTransaction = &Error{
		Code:    CodeFailedToReceiveTransaction,
		Message: "Failed to write transaction",
	}
	ErrContractNotFound = &Error{
		Code:    CodeContractNotFound,
		Message: "Contract not found",
	}
	ErrBlockNotFound = &Error{
		Code:    CodeBlockNotFound,
		Message: "Block not found",
	}
	ErrInvalidTxIndex = &Error{
		Code:    CodeInvalidTxIndex,
		Message: "Invalid transaction index in a block",
	}
	ErrTxHashNotFound = &Error{
		Code:    CodeTxHashNotFound,
		Message: "Transaction hash not found",
	}
	ErrPageSizeTooBig = &Error{
		Code:    CodePageSizeTooBig,
		Message: "Requested page size is too big",
	}
	ErrNoBlocks = &Error{
		Code:    CodeNoBlocks,
		Message: "There are no blocks",
	}
	ErrInvalidContinuationToken = &Error{
		Code:    CodeInvalidContinuationToken,
		Message: "The supplied continuation token is invalid or unknown",
	}
	ErrTooManyKeysInFilter = &Error{
		Code:    CodeTooManyKeysInFilter,
		Message: "Too many keys provided in a filter",
	}
	ErrFailedToFetchPendingTxs = &Error{
		Code:    CodeFailedToFetchPendingTxs,
		Message: "Failed to fetch pending transactions",
	}
	ErrValidationFailure = &Error{
		Code:    CodeValidationFailure,
		Message: "Account validation failed",
	}
	ErrUnsupportedTxVersion = &Error{
		Code:    CodeUnsupportedTxVersion,
		Message: "The transaction version is not supported",
	}
	ErrInternal = &Error{
		Code:    CodeInternalError,
		Message: "Internal server error",
	}
)

// errPendingUnavailable is returned when no transaction pool is attached
var errPendingUnavailable = errors.New("no transaction pool")

// toRPCError maps any domain error to the error returned to RPC callers.
// Errors without a mapping are logged and reported as internal errors
func toRPCError(logger *slog.Logger, method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var nonceErr *mempool.InvalidNonceError
	var fullErr *mempool.MempoolFullError
	switch {
	case errors.Is(err, chain.ErrBlockNotFound),
		errors.Is(err, chain.ErrInvalidBlockID):
		return ErrBlockNotFound
	case errors.Is(err, chain.ErrInvalidTxIndex):
		return ErrInvalidTxIndex
	case errors.Is(err, chain.ErrNoBlocks):
		return ErrNoBlocks
	case errors.Is(err, chain.ErrContractNotFound):
		return ErrContractNotFound
	case errors.Is(err, chain.ErrTransactionNotFound):
		return ErrTxHashNotFound
	case errors.Is(err, eventquery.ErrPageSizeTooBig):
		return ErrPageSizeTooBig
	case errors.Is(err, eventquery.ErrInvalidContinuationToken):
		return ErrInvalidContinuationToken
	case errors.Is(err, eventquery.ErrTooManyKeys):
		return ErrTooManyKeysInFilter
	case errors.Is(err, errPendingUnavailable):
		return ErrFailedToFetchPendingTxs
	case errors.As(err, &nonceErr),
		errors.Is(err, mempool.ErrValidationFailed):
		return ErrValidationFailure
	case errors.As(err, &fullErr),
		errors.Is(err, mempool.ErrTransactionIncluded),
		errors.Is(err, mempool.ErrNonceInUse),
		errors.Is(err, mempool.ErrMissingHash):
		return ErrFailedToReceiveTransaction
	}
	logger.Error(
		"internal error handling request",
		"method", method,
		"error", err,
	)
	return ErrInternal
}
