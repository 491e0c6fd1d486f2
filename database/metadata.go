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

package database

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/felt"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionLocation is the canonical position of a ledger transaction
type TransactionLocation struct {
	Mapping *models.MappingEntry
	TxIndex uint32
}

// withMetadataTxn runs fn in txn, or in a new metadata-only transaction when
// txn is nil
func (d *Database) withMetadataTxn(txn *Txn, readWrite bool, fn func(*Txn) error) error {
	if txn != nil {
		return fn(txn)
	}
	return newTxn(d, readWrite, scopeMetadata).Do(fn)
}

// TransactionLocationByHash finds the canonical block holding a transaction.
// Transactions only seen on abandoned forks are reported as not found
func (d *Database) TransactionLocationByHash(
	hash felt.Felt,
) (*TransactionLocation, error) {
	tmpHash := hash.Bytes()
	var row *models.TransactionIndex
	err := d.withMetadataTxn(nil, false, func(txn *Txn) error {
		var err error
		row, err = d.Metadata().GetTransactionIndex(tmpHash[:], txn.Metadata())
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrMetadataNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	entry, err := d.MappingCanonicalByNumber(uint64(row.LedgerNumber), nil)
	if err != nil {
		if errors.Is(err, ErrMappingNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if string(entry.SubstrateHash[:]) != string(row.SubstrateHash) {
		return nil, ErrTransactionNotFound
	}
	return &TransactionLocation{Mapping: entry, TxIndex: row.TxIndex}, nil
}

// ReorgRecords returns up to limit recent reorgs, newest first
func (d *Database) ReorgRecords(limit int) ([]models.ReorgRecord, error) {
	var ret []models.ReorgRecord
	err := d.withMetadataTxn(nil, false, func(txn *Txn) error {
		var err error
		ret, err = d.Metadata().GetReorgRecords(limit, txn.Metadata())
		return err
	})
	return ret, err
}

// SetStartingBlock records the first ledger block handled by this process
func (d *Database) SetStartingBlock(ledgerNumber uint64) error {
	return d.withMetadataTxn(nil, true, func(txn *Txn) error {
		return d.Metadata().SetSyncState(
			models.SyncStateStartingBlock,
			strconv.FormatUint(ledgerNumber, 10),
			txn.Metadata(),
		)
	})
}

// StartingBlock returns the ledger block recorded by SetStartingBlock
func (d *Database) StartingBlock() (uint64, bool, error) {
	var val string
	err := d.withMetadataTxn(nil, false, func(txn *Txn) error {
		var err error
		val, err = d.Metadata().GetSyncState(
			models.SyncStateStartingBlock,
			txn.Metadata(),
		)
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrMetadataNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	ret, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid starting block %q: %w", val, err)
	}
	return ret, true, nil
}

// ClearStartingBlock removes the starting block so the next mapped block
// becomes the new one
func (d *Database) ClearStartingBlock() error {
	return d.withMetadataTxn(nil, true, func(txn *Txn) error {
		return d.Metadata().DeleteSyncState(
			models.SyncStateStartingBlock,
			txn.Metadata(),
		)
	})
}
