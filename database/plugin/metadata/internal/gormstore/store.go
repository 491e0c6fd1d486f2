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

package gormstore

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/types"
)

const commitTimestampRowId = 1

// Store implements the metadata queries on top of a gorm handle
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Transaction() types.Txn {
	return NewTxn(s.db)
}

// Migrate creates or updates the schema for all models
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(models.MigrateModels...)
}

// resolveDB returns the transaction handle when txn is set, and the base
// handle otherwise
func (s *Store) resolveDB(txn types.Txn) (*gorm.DB, error) {
	if txn == nil {
		return s.db, nil
	}
	gormTxn, ok := txn.(*Txn)
	if !ok {
		return nil, types.ErrTxnWrongType
	}
	if gormTxn.beginErr != nil {
		return nil, gormTxn.beginErr
	}
	if gormTxn.finished {
		return nil, types.ErrTxnFinished
	}
	return gormTxn.db, nil
}

func (s *Store) GetCommitTimestamp() (int64, error) {
	var tmpCommitTimestamp models.CommitTimestamp
	result := s.db.First(&tmpCommitTimestamp)
	if result.Error != nil {
		// It's not an error if there's no records found
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, result.Error
	}
	return tmpCommitTimestamp.Timestamp, nil
}

func (s *Store) SetCommitTimestamp(timestamp int64, txn types.Txn) error {
	db, err := s.resolveDB(txn)
	if err != nil {
		return err
	}
	tmpCommitTimestamp := models.CommitTimestamp{
		ID:        commitTimestampRowId,
		Timestamp: timestamp,
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp"}),
	}).Create(&tmpCommitTimestamp)
	return result.Error
}

// SetTransactionIndexes upserts transaction locations by hash
func (s *Store) SetTransactionIndexes(
	rows []models.TransactionIndex,
	txn types.Txn,
) error {
	if len(rows) == 0 {
		return nil
	}
	db, err := s.resolveDB(txn)
	if err != nil {
		return err
	}
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"substrate_hash", "ledger_number", "tx_index"},
		),
	}).Create(&rows)
	return result.Error
}

func (s *Store) GetTransactionIndex(
	hash []byte,
	txn types.Txn,
) (*models.TransactionIndex, error) {
	db, err := s.resolveDB(txn)
	if err != nil {
		return nil, err
	}
	var ret models.TransactionIndex
	result := db.Where("hash = ?", hash).First(&ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, types.ErrMetadataNotFound
		}
		return nil, result.Error
	}
	return &ret, nil
}

func (s *Store) AddReorgRecord(rec *models.ReorgRecord, txn types.Txn) error {
	db, err := s.resolveDB(txn)
	if err != nil {
		return err
	}
	return db.Create(rec).Error
}

// GetReorgRecords returns the most recent reorg records, newest first
func (s *Store) GetReorgRecords(
	limit int,
	txn types.Txn,
) ([]models.ReorgRecord, error) {
	db, err := s.resolveDB(txn)
	if err != nil {
		return nil, err
	}
	var ret []models.ReorgRecord
	result := db.Order("id DESC").Limit(limit).Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

func (s *Store) SetSyncState(key, value string, txn types.Txn) error {
	db, err := s.resolveDB(txn)
	if err != nil {
		return err
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sync_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.SyncState{Key: key, Value: value})
	return result.Error
}

func (s *Store) GetSyncState(key string, txn types.Txn) (string, error) {
	db, err := s.resolveDB(txn)
	if err != nil {
		return "", err
	}
	var ret models.SyncState
	result := db.Where("sync_key = ?", key).First(&ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", types.ErrMetadataNotFound
		}
		return "", result.Error
	}
	return ret.Value, nil
}

func (s *Store) DeleteSyncState(key string, txn types.Txn) error {
	db, err := s.resolveDB(txn)
	if err != nil {
		return err
	}
	return db.Where("sync_key = ?", key).Delete(&models.SyncState{}).Error
}
