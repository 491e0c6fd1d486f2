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

package metadata

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/plugin/metadata/postgres"
	"github.com/blinklabs-io/starkview/database/plugin/metadata/sqlite"
	"github.com/blinklabs-io/starkview/database/types"
)

const (
	PluginSqlite   = "sqlite"
	PluginPostgres = "postgres"
)

type MetadataStore interface {
	// Database
	Close() error
	DB() *gorm.DB
	GetCommitTimestamp() (int64, error)
	SetCommitTimestamp(int64, types.Txn) error
	Transaction() types.Txn

	// Transaction index
	SetTransactionIndexes([]models.TransactionIndex, types.Txn) error
	GetTransactionIndex(
		[]byte, // hash
		types.Txn,
	) (*models.TransactionIndex, error)

	// Reorg log
	AddReorgRecord(*models.ReorgRecord, types.Txn) error
	GetReorgRecords(
		int, // limit
		types.Txn,
	) ([]models.ReorgRecord, error)

	// Sync state
	SetSyncState(string, string, types.Txn) error
	GetSyncState(string, types.Txn) (string, error)
	DeleteSyncState(string, types.Txn) error
}

// New returns the metadata store selected by name
func New(
	pluginName string,
	dataDir string,
	dsn string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (MetadataStore, error) {
	switch pluginName {
	case "", PluginSqlite:
		store, err := sqlite.New(dataDir, logger, promRegistry)
		if store == nil {
			return nil, err
		}
		// The store is returned with any init error for recovery
		return store, err
	case PluginPostgres:
		store, err := postgres.New(
			postgres.WithDSN(dsn),
			postgres.WithLogger(logger),
			postgres.WithPromRegistry(promRegistry),
		)
		if store == nil {
			return nil, err
		}
		return store, err
	default:
		return nil, fmt.Errorf("unknown metadata plugin: %s", pluginName)
	}
}
