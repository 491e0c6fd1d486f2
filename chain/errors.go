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

package chain

import (
	"errors"
)

var (
	ErrBlockNotFound          = errors.New("block not found")
	ErrInvalidTxIndex         = errors.New("invalid transaction index in a block")
	ErrNoBlocks               = errors.New("there are no blocks")
	ErrContractNotFound       = errors.New("contract not found")
	ErrTransactionNotFound    = errors.New("transaction hash not found")
	ErrInvalidBlockID         = errors.New("invalid block id")
	ErrBlockSourceUnavailable = errors.New("no block source configured")
)
