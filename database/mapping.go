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
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/blinklabs-io/gouroboros/cbor"

	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/substrate"
)

var (
	ErrMappingNotFound = errors.New("mapping entry not found")
	ErrFinalizedEntry  = errors.New("cannot retract a finalized mapping entry")
)

// ReorgBatch describes a canonical chain switch applied atomically by
// MappingApplyReorg
type ReorgBatch struct {
	// Retract lists the substrate hashes of entries leaving the canonical chain
	Retract []substrate.Hash
	// Insert lists the new canonical entries in ascending ledger number order
	Insert       []models.MappingEntry
	Watermark    uint64
	Record       *models.ReorgRecord
	Transactions []models.TransactionIndex
}

// withBlobTxn runs fn in txn, or in a new blob-only transaction when txn is nil
func (d *Database) withBlobTxn(txn *Txn, readWrite bool, fn func(*Txn) error) error {
	if txn != nil {
		return fn(txn)
	}
	return newTxn(d, readWrite, scopeBlob).Do(fn)
}

func (d *Database) getMapping(txn *Txn, key []byte) (*models.MappingEntry, error) {
	val, err := d.Blob().Get(txn.Blob(), key)
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil, ErrMappingNotFound
		}
		return nil, err
	}
	var ret models.MappingEntry
	if _, err := cbor.Decode(val, &ret); err != nil {
		return nil, fmt.Errorf("decode mapping entry: %w", err)
	}
	return &ret, nil
}

func (d *Database) setMapping(txn *Txn, entry *models.MappingEntry) error {
	data, err := cbor.Encode(entry)
	if err != nil {
		return fmt.Errorf("encode mapping entry: %w", err)
	}
	return d.Blob().Set(
		txn.Blob(),
		types.MappingBySubstrateKey(entry.SubstrateHash[:]),
		data,
	)
}

// MappingPut stores an entry. A canonical entry replaces the canonical index
// slot for its ledger number, demoting any previous holder
func (d *Database) MappingPut(entry models.MappingEntry, txn *Txn) error {
	return d.withBlobTxn(txn, true, func(txn *Txn) error {
		return d.mappingPut(txn, entry)
	})
}

func (d *Database) mappingPut(txn *Txn, entry models.MappingEntry) error {
	ledgerHash := entry.LedgerHash.Bytes()
	if entry.IsCanonical {
		prev, err := d.mappingCanonicalByNumber(txn, entry.LedgerNumber)
		switch {
		case errors.Is(err, ErrMappingNotFound):
		case err != nil:
			return err
		case prev.SubstrateHash != entry.SubstrateHash:
			prev.IsCanonical = false
			if err := d.setMapping(txn, prev); err != nil {
				return err
			}
		}
		if err := d.Blob().Set(
			txn.Blob(),
			types.MappingCanonicalKey(entry.LedgerNumber),
			entry.SubstrateHash[:],
		); err != nil {
			return err
		}
	}
	if err := d.setMapping(txn, &entry); err != nil {
		return err
	}
	return d.Blob().Set(
		txn.Blob(),
		types.MappingByLedgerHashKey(ledgerHash[:], entry.SubstrateHash[:]),
		nil,
	)
}

func (d *Database) MappingBySubstrateHash(
	hash substrate.Hash,
	txn *Txn,
) (*models.MappingEntry, error) {
	var ret *models.MappingEntry
	err := d.withBlobTxn(txn, false, func(txn *Txn) error {
		var err error
		ret, err = d.getMapping(txn, types.MappingBySubstrateKey(hash[:]))
		return err
	})
	return ret, err
}

// MappingCanonicalByNumber returns the canonical entry for a ledger block number
func (d *Database) MappingCanonicalByNumber(
	ledgerNumber uint64,
	txn *Txn,
) (*models.MappingEntry, error) {
	var ret *models.MappingEntry
	err := d.withBlobTxn(txn, false, func(txn *Txn) error {
		var err error
		ret, err = d.mappingCanonicalByNumber(txn, ledgerNumber)
		return err
	})
	return ret, err
}

func (d *Database) mappingCanonicalByNumber(
	txn *Txn,
	ledgerNumber uint64,
) (*models.MappingEntry, error) {
	substrateHash, err := d.Blob().Get(
		txn.Blob(),
		types.MappingCanonicalKey(ledgerNumber),
	)
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil, ErrMappingNotFound
		}
		return nil, err
	}
	return d.getMapping(txn, types.MappingBySubstrateKey(substrateHash))
}

// MappingByLedgerHash returns the canonical entry carrying a ledger block
// hash. Entries for the same hash on abandoned forks are not returned
func (d *Database) MappingByLedgerHash(
	ledgerHash felt.Felt,
	txn *Txn,
) (*models.MappingEntry, error) {
	var ret *models.MappingEntry
	err := d.withBlobTxn(txn, false, func(txn *Txn) error {
		tmpHash := ledgerHash.Bytes()
		prefix := types.MappingByLedgerHashPrefix(tmpHash[:])
		iter := d.Blob().NewIterator(
			txn.Blob(),
			types.BlobIteratorOptions{Prefix: prefix},
		)
		defer iter.Close()
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			key := iter.Item().Key()
			entry, err := d.getMapping(
				txn,
				types.MappingBySubstrateKey(key[len(prefix):]),
			)
			if err != nil {
				return err
			}
			if entry.IsCanonical {
				ret = entry
				return nil
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		return ErrMappingNotFound
	})
	return ret, err
}

// MappingMarkNonCanonical demotes an entry and clears its canonical index
// slot. Entries are kept for lookup by substrate hash
func (d *Database) MappingMarkNonCanonical(
	substrateHash substrate.Hash,
	txn *Txn,
) error {
	return d.withBlobTxn(txn, true, func(txn *Txn) error {
		return d.mappingMarkNonCanonical(txn, substrateHash)
	})
}

func (d *Database) mappingMarkNonCanonical(
	txn *Txn,
	substrateHash substrate.Hash,
) error {
	entry, err := d.getMapping(txn, types.MappingBySubstrateKey(substrateHash[:]))
	if err != nil {
		return err
	}
	if !entry.IsCanonical {
		return nil
	}
	if entry.Finalized {
		return ErrFinalizedEntry
	}
	entry.IsCanonical = false
	if err := d.setMapping(txn, entry); err != nil {
		return err
	}
	canonicalKey := types.MappingCanonicalKey(entry.LedgerNumber)
	current, err := d.Blob().Get(txn.Blob(), canonicalKey)
	if err != nil {
		if errors.Is(err, types.ErrBlobKeyNotFound) {
			return nil
		}
		return err
	}
	if slices.Equal(current, substrateHash[:]) {
		return d.Blob().Delete(txn.Blob(), canonicalKey)
	}
	return nil
}

// MappingLatestCanonical returns the canonical entry with the highest ledger
// block number
func (d *Database) MappingLatestCanonical(txn *Txn) (*models.MappingEntry, error) {
	var ret *models.MappingEntry
	err := d.withBlobTxn(txn, false, func(txn *Txn) error {
		var err error
		ret, err = d.mappingLatestCanonical(txn)
		return err
	})
	return ret, err
}

func (d *Database) mappingLatestCanonical(txn *Txn) (*models.MappingEntry, error) {
	prefix := []byte(types.MappingCanonicalKeyPrefix)
	iter := d.Blob().NewIterator(
		txn.Blob(),
		types.BlobIteratorOptions{Prefix: prefix, Reverse: true},
	)
	defer iter.Close()
	// Reverse iteration starts from the largest key not past the seek key
	iter.Seek(types.MappingCanonicalKey(^uint64(0)))
	if !iter.ValidForPrefix(prefix) {
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return nil, ErrMappingNotFound
	}
	substrateHash, err := iter.Item().ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return d.getMapping(txn, types.MappingBySubstrateKey(substrateHash))
}

// MappingSetFinalized marks canonical entries at or below a substrate block
// number as finalized and returns how many entries changed
func (d *Database) MappingSetFinalized(
	substrateNumber uint64,
	txn *Txn,
) (int, error) {
	var count int
	err := d.withBlobTxn(txn, true, func(txn *Txn) error {
		prefix := []byte(types.MappingCanonicalKeyPrefix)
		iter := d.Blob().NewIterator(
			txn.Blob(),
			types.BlobIteratorOptions{Prefix: prefix, Reverse: true},
		)
		var pending []*models.MappingEntry
		for iter.Seek(types.MappingCanonicalKey(^uint64(0))); iter.ValidForPrefix(prefix); iter.Next() {
			substrateHash, err := iter.Item().ValueCopy(nil)
			if err != nil {
				iter.Close()
				return err
			}
			entry, err := d.getMapping(txn, types.MappingBySubstrateKey(substrateHash))
			if err != nil {
				iter.Close()
				return err
			}
			// Everything below a finalized entry is already finalized
			if entry.Finalized {
				break
			}
			if entry.SubstrateNumber <= substrateNumber {
				pending = append(pending, entry)
			}
		}
		iter.Close()
		for _, entry := range pending {
			entry.Finalized = true
			if err := d.setMapping(txn, entry); err != nil {
				return err
			}
		}
		count = len(pending)
		return nil
	})
	return count, err
}

// Watermark returns the last synced substrate block number. The boolean is
// false when nothing has been synced yet
func (d *Database) Watermark(txn *Txn) (uint64, bool, error) {
	var ret uint64
	var ok bool
	err := d.withBlobTxn(txn, false, func(txn *Txn) error {
		val, err := d.Blob().Get(txn.Blob(), []byte(types.MappingWatermarkKey))
		if err != nil {
			if errors.Is(err, types.ErrBlobKeyNotFound) {
				return nil
			}
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("invalid watermark length %d", len(val))
		}
		ret = binary.BigEndian.Uint64(val)
		ok = true
		return nil
	})
	return ret, ok, err
}

// WatermarkAdvance moves the watermark forward. It never moves backward
func (d *Database) WatermarkAdvance(substrateNumber uint64, txn *Txn) error {
	return d.withBlobTxn(txn, true, func(txn *Txn) error {
		return d.watermarkAdvance(txn, substrateNumber)
	})
}

func (d *Database) watermarkAdvance(txn *Txn, substrateNumber uint64) error {
	current, ok, err := d.Watermark(txn)
	if err != nil {
		return err
	}
	if ok && current >= substrateNumber {
		return nil
	}
	return d.watermarkSet(txn, substrateNumber)
}

func (d *Database) watermarkSet(txn *Txn, substrateNumber uint64) error {
	return d.Blob().Set(
		txn.Blob(),
		[]byte(types.MappingWatermarkKey),
		types.Uint64ToBytes(substrateNumber),
	)
}

// WatermarkReset clears the watermark so the next sync starts from genesis
func (d *Database) WatermarkReset(txn *Txn) error {
	return d.withBlobTxn(txn, true, func(txn *Txn) error {
		return d.Blob().Delete(txn.Blob(), []byte(types.MappingWatermarkKey))
	})
}

// MappingApplyReorg retracts the listed entries, inserts the new canonical
// entries, sets the watermark to the new tip and records the reorg in one
// transaction. The watermark is set exactly since the new tip may sit below
// the old one
func (d *Database) MappingApplyReorg(batch ReorgBatch) error {
	return d.Transaction(true).Do(func(txn *Txn) error {
		for _, hash := range batch.Retract {
			if err := d.mappingMarkNonCanonical(txn, hash); err != nil {
				return fmt.Errorf("retract %s: %w", hash, err)
			}
		}
		for _, entry := range batch.Insert {
			entry.IsCanonical = true
			if err := d.mappingPut(txn, entry); err != nil {
				return err
			}
		}
		if err := d.watermarkSet(txn, batch.Watermark); err != nil {
			return err
		}
		if err := d.Metadata().SetTransactionIndexes(
			batch.Transactions,
			txn.Metadata(),
		); err != nil {
			return err
		}
		if batch.Record != nil {
			if err := d.Metadata().AddReorgRecord(batch.Record, txn.Metadata()); err != nil {
				return err
			}
		}
		return nil
	})
}

// MappingCommit stores one new canonical entry with its transaction index
// rows and advances the watermark in one transaction
func (d *Database) MappingCommit(
	entry models.MappingEntry,
	transactions []models.TransactionIndex,
	watermark uint64,
) error {
	return d.Transaction(true).Do(func(txn *Txn) error {
		if err := d.mappingPut(txn, entry); err != nil {
			return err
		}
		if err := d.watermarkAdvance(txn, watermark); err != nil {
			return err
		}
		return d.Metadata().SetTransactionIndexes(transactions, txn.Metadata())
	})
}
