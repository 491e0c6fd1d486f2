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

package blob

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/starkview/database/plugin/blob/badger"
	"github.com/blinklabs-io/starkview/database/types"
)

type BlobStore interface {
	Close() error
	NewTransaction(readWrite bool) types.Txn
	Get(txn types.Txn, key []byte) ([]byte, error)
	Set(txn types.Txn, key, val []byte) error
	Delete(txn types.Txn, key []byte) error
	NewIterator(txn types.Txn, opts types.BlobIteratorOptions) types.BlobIterator

	GetCommitTimestamp() (int64, error)
	SetCommitTimestamp(timestamp int64, txn types.Txn) error
}

// New returns the blob store selected by name
func New(
	pluginName string,
	dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (BlobStore, error) {
	switch pluginName {
	case "", "badger":
		store, err := badger.New(
			badger.WithDataDir(dataDir),
			badger.WithLogger(logger),
			badger.WithPromRegistry(promRegistry),
		)
		if store == nil {
			return nil, err
		}
		return store, err
	default:
		return nil, fmt.Errorf("unknown blob plugin: %s", pluginName)
	}
}
