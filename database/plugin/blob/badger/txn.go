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


package badger

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/blinklabs-io/starkview/database/types"
)

var errForeignTxn = errors.New("transaction belongs to another blob store")

type blobTxn struct {
	store *Store
	tx    *badger.Txn
	done  bool
}

// badgerTxn unwraps txn, rejecting transactions that are finished or that
// were opened on another store
func (s *Store) badgerTxn(txn types.Txn) (*badger.Txn, error) {
	if txn == nil {
		return nil, types.ErrNilTxn
	}
	t, ok := txn.(*blobTxn)
	switch {
	case !ok:
		return nil, types.ErrTxnWrongType
	case t.store != s:
		return nil, errForeignTxn
	case t.done:
		return nil, types.ErrTxnFinished
	}
	return t.tx, nil
}

func (t *blobTxn) Commit() error {
	if t.done {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return err
	}
	t.done = true
	return nil
}

// Rollback discards the transaction. Repeated calls are no-ops
func (t *blobTxn) Rollback() error {
	if !t.done {
		t.tx.Discard()
		t.done = true
	}
	return nil
}

type blobIterator struct {
	iter *badger.Iterator
}

func (it *blobIterator) Seek(key []byte)              { it.iter.Seek(key) }
func (it *blobIterator) ValidForPrefix(p []byte) bool { return it.iter.ValidForPrefix(p) }
func (it *blobIterator) Next()                        { it.iter.Next() }
func (it *blobIterator) Item() types.BlobItem         { return blobItem{item: it.iter.Item()} }
func (it *blobIterator) Close()                       { it.iter.Close() }
func (it *blobIterator) Err() error                   { return nil }

// failedIterator is returned when the iterator's transaction is unusable
type failedIterator struct {
	err error
}

func (it *failedIterator) Seek([]byte)                {}
func (it *failedIterator) ValidForPrefix([]byte) bool { return false }
func (it *failedIterator) Next()                      {}
func (it *failedIterator) Item() types.BlobItem       { return nil }
func (it *failedIterator) Close()                     {}
func (it *failedIterator) Err() error                 { return it.err }

type blobItem struct {
	item *badger.Item
}

func (i blobItem) Key() []byte {
	return i.item.KeyCopy(nil)
}

func (i blobItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}
