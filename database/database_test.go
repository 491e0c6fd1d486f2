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

package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/substrate"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func testEntry(fork byte, number uint64) models.MappingEntry {
	return models.MappingEntry{
		SubstrateHash:   substrate.Hash{fork, byte(number)},
		SubstrateNumber: number,
		LedgerHash:      felt.FromUint64(uint64(fork)<<16 | number),
		LedgerNumber:    number,
		IsCanonical:     true,
	}
}

func TestMappingPutAndLookup(t *testing.T) {
	db := newTestDB(t)
	entry := testEntry(1, 0)
	entry.TransactionCount = 3
	require.NoError(t, db.MappingPut(entry, nil))

	bySubstrate, err := db.MappingBySubstrateHash(entry.SubstrateHash, nil)
	require.NoError(t, err)
	assert.Equal(t, entry, *bySubstrate)

	byNumber, err := db.MappingCanonicalByNumber(0, nil)
	require.NoError(t, err)
	assert.Equal(t, entry.SubstrateHash, byNumber.SubstrateHash)

	byLedger, err := db.MappingByLedgerHash(entry.LedgerHash, nil)
	require.NoError(t, err)
	assert.Equal(t, entry.SubstrateHash, byLedger.SubstrateHash)

	_, err = db.MappingCanonicalByNumber(1, nil)
	require.ErrorIs(t, err, database.ErrMappingNotFound)
	_, err = db.MappingBySubstrateHash(substrate.Hash{9}, nil)
	require.ErrorIs(t, err, database.ErrMappingNotFound)
}

func TestMappingCanonicalUniqueness(t *testing.T) {
	db := newTestDB(t)
	a := testEntry(1, 5)
	b := testEntry(2, 5)
	require.NoError(t, db.MappingPut(a, nil))
	require.NoError(t, db.MappingPut(b, nil))
	// The second canonical put for the same number demotes the first
	oldA, err := db.MappingBySubstrateHash(a.SubstrateHash, nil)
	require.NoError(t, err)
	assert.False(t, oldA.IsCanonical)
	current, err := db.MappingCanonicalByNumber(5, nil)
	require.NoError(t, err)
	assert.Equal(t, b.SubstrateHash, current.SubstrateHash)
	_, err = db.MappingByLedgerHash(a.LedgerHash, nil)
	require.ErrorIs(t, err, database.ErrMappingNotFound)
}

func TestMappingMarkNonCanonical(t *testing.T) {
	db := newTestDB(t)
	entry := testEntry(1, 2)
	require.NoError(t, db.MappingPut(entry, nil))
	require.NoError(t, db.MappingMarkNonCanonical(entry.SubstrateHash, nil))
	_, err := db.MappingCanonicalByNumber(2, nil)
	require.ErrorIs(t, err, database.ErrMappingNotFound)
	// Entries are retained for lookup by substrate hash
	kept, err := db.MappingBySubstrateHash(entry.SubstrateHash, nil)
	require.NoError(t, err)
	assert.False(t, kept.IsCanonical)
	// Repeating is a no-op
	require.NoError(t, db.MappingMarkNonCanonical(entry.SubstrateHash, nil))
}

func TestMappingLatestCanonical(t *testing.T) {
	db := newTestDB(t)
	_, err := db.MappingLatestCanonical(nil)
	require.ErrorIs(t, err, database.ErrMappingNotFound)
	for n := range uint64(300) {
		require.NoError(t, db.MappingPut(testEntry(1, n), nil))
	}
	latest, err := db.MappingLatestCanonical(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(299), latest.LedgerNumber)
}

func TestWatermark(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.Watermark(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, db.WatermarkAdvance(10, nil))
	require.NoError(t, db.WatermarkAdvance(4, nil))
	n, ok, err := db.Watermark(nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), n)
	require.NoError(t, db.WatermarkReset(nil))
	_, ok, err = db.Watermark(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMappingApplyReorg(t *testing.T) {
	db := newTestDB(t)
	for n := range uint64(5) {
		require.NoError(t, db.MappingPut(testEntry(1, n), nil))
	}
	require.NoError(t, db.WatermarkAdvance(4, nil))
	// Fork 2 replaces blocks 3 and 4 with a single block 3
	replacement := testEntry(2, 3)
	txHash := felt.FromUint64(77)
	txHashBytes := txHash.Bytes()
	require.NoError(t, db.MappingApplyReorg(database.ReorgBatch{
		Retract: []substrate.Hash{
			testEntry(1, 4).SubstrateHash,
			testEntry(1, 3).SubstrateHash,
		},
		Insert:    []models.MappingEntry{replacement},
		Watermark: 3,
		Record: &models.ReorgRecord{
			CommonAncestorNumber: 2,
			Depth:                2,
		},
		Transactions: []models.TransactionIndex{
			{
				Hash:          txHashBytes[:],
				SubstrateHash: replacement.SubstrateHash[:],
				LedgerNumber:  3,
			},
		},
	}))
	latest, err := db.MappingLatestCanonical(nil)
	require.NoError(t, err)
	assert.Equal(t, replacement.SubstrateHash, latest.SubstrateHash)
	_, err = db.MappingCanonicalByNumber(4, nil)
	require.ErrorIs(t, err, database.ErrMappingNotFound)
	n, _, err := db.Watermark(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	records, err := db.ReorgRecords(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].Depth)
	loc, err := db.TransactionLocationByHash(txHash)
	require.NoError(t, err)
	assert.Equal(t, replacement.SubstrateHash, loc.Mapping.SubstrateHash)
}

func TestMappingApplyReorgFinalized(t *testing.T) {
	db := newTestDB(t)
	for n := range uint64(3) {
		require.NoError(t, db.MappingPut(testEntry(1, n), nil))
	}
	changed, err := db.MappingSetFinalized(1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	changed, err = db.MappingSetFinalized(1, nil)
	require.NoError(t, err)
	assert.Zero(t, changed)
	err = db.MappingApplyReorg(database.ReorgBatch{
		Retract:   []substrate.Hash{testEntry(1, 1).SubstrateHash},
		Insert:    []models.MappingEntry{testEntry(2, 1)},
		Watermark: 1,
	})
	require.ErrorIs(t, err, database.ErrFinalizedEntry)
	// The failed batch left no trace
	current, err := db.MappingCanonicalByNumber(1, nil)
	require.NoError(t, err)
	assert.Equal(t, testEntry(1, 1).SubstrateHash, current.SubstrateHash)
}

func TestTransactionLocationNotCanonical(t *testing.T) {
	db := newTestDB(t)
	entry := testEntry(1, 0)
	txHash := felt.FromUint64(5)
	txHashBytes := txHash.Bytes()
	require.NoError(t, db.MappingCommit(
		entry,
		[]models.TransactionIndex{
			{Hash: txHashBytes[:], SubstrateHash: entry.SubstrateHash[:]},
		},
		0,
	))
	_, err := db.TransactionLocationByHash(txHash)
	require.NoError(t, err)
	require.NoError(t, db.MappingMarkNonCanonical(entry.SubstrateHash, nil))
	_, err = db.TransactionLocationByHash(txHash)
	require.ErrorIs(t, err, database.ErrTransactionNotFound)
	_, err = db.TransactionLocationByHash(felt.FromUint64(6))
	require.ErrorIs(t, err, database.ErrTransactionNotFound)
}

func TestStartingBlock(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.StartingBlock()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, db.SetStartingBlock(12))
	n, ok, err := db.StartingBlock()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(12), n)
	require.NoError(t, db.ClearStartingBlock())
	_, ok, err = db.StartingBlock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(&database.Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, db.MappingCommit(testEntry(1, 0), nil, 0))
	require.NoError(t, db.Close())

	db, err = database.New(&database.Config{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()
	latest, err := db.MappingLatestCanonical(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest.LedgerNumber)
	n, ok, err := db.Watermark(nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), n)
}
