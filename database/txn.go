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
	"sync"
	"time"

	"github.com/blinklabs-io/starkview/database/types"
)

type txnScope uint8

const (
	scopeBlob txnScope = 1 << iota
	scopeMetadata
	scopeAll = scopeBlob | scopeMetadata
)

// Txn spans the blob and metadata stores. Mapping writes touch only the
// blob store, index lookups touch only metadata, and reorg batches span both
type Txn struct {
	db          *Database
	blobTxn     types.Txn
	metadataTxn types.Txn
	mu          sync.Mutex
	readWrite   bool
	done        bool
}

func newTxn(db *Database, readWrite bool, scope txnScope) *Txn {
	t := &Txn{db: db, readWrite: readWrite}
	if scope&scopeBlob != 0 && db.blob != nil {
		t.blobTxn = db.blob.NewTransaction(readWrite)
	}
	if scope&scopeMetadata != 0 && db.metadata != nil {
		t.metadataTxn = db.metadata.Transaction()
	}
	return t
}

func (t *Txn) Metadata() types.Txn {
	return t.metadataTxn
}

func (t *Txn) Blob() types.Txn {
	return t.blobTxn
}

// Do runs fn and commits, or rolls back when fn fails
func (t *Txn) Do(fn func(*Txn) error) error {
	if err := fn(t); err != nil {
		if rbErr := t.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return t.Commit()
}

// Commit writes the blob half first. A transaction spanning both stores is
// stamped with the same commit timestamp on each side so a lost metadata
// commit is detected at the next open
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	if !t.readWrite {
		return t.discard()
	}
	if t.blobTxn == nil && t.metadataTxn == nil {
		t.done = true
		return types.ErrNoStoreAvailable
	}
	if t.blobTxn != nil && t.metadataTxn != nil {
		if err := t.db.updateCommitTimestamp(t, time.Now().UnixMilli()); err != nil {
			return errors.Join(
				fmt.Errorf("stamp commit: %w", err),
				t.discard(),
			)
		}
	}
	if t.blobTxn != nil {
		if err := t.blobTxn.Commit(); err != nil {
			return errors.Join(
				fmt.Errorf("blob commit: %w", err),
				t.discard(),
			)
		}
	}
	t.done = true
	if t.metadataTxn == nil {
		return nil
	}
	if err := t.metadataTxn.Commit(); err != nil {
		_ = t.metadataTxn.Rollback()
		t.db.logger.Error(
			"metadata commit failed after blob commit",
			"component", "database",
			"error", err,
		)
		return fmt.Errorf("metadata commit: %w", err)
	}
	return nil
}

func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discard()
}

func (t *Txn) discard() error {
	if t.done {
		return nil
	}
	t.done = true
	var errs []error
	if t.blobTxn != nil {
		if err := t.blobTxn.Rollback(); err != nil {
			errs = append(errs, fmt.Errorf("blob rollback: %w", err))
		}
	}
	if t.metadataTxn != nil {
		if err := t.metadataTxn.Rollback(); err != nil {
			errs = append(errs, fmt.Errorf("metadata rollback: %w", err))
		}
	}
	return errors.Join(errs...)
}
