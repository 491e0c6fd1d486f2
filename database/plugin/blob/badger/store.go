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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/starkview/database/types"
)

// Store keeps mapping entries, applied blocks and substrate headers in
// badger. Without a data directory the store lives in memory
type Store struct {
	db             *badger.DB
	logger         *slog.Logger
	promRegistry   prometheus.Registerer
	dataDir        string
	gcInterval     time.Duration
	valueThreshold int64
	gcCancel       context.CancelFunc
	gcWg           sync.WaitGroup
}

// New opens the store and starts value log GC for disk-backed stores
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{
		gcInterval:     DefaultGcInterval,
		valueThreshold: DefaultValueThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	badgerOpts, err := s.badgerOptions()
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s.db = db
	if s.promRegistry != nil {
		s.registerBlobMetrics()
	}
	if s.dataDir != "" && s.gcInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		s.gcWg.Add(1)
		go s.gcLoop(ctx)
	}
	return s, nil
}

func (s *Store) badgerOptions() (badger.Options, error) {
	if s.dataDir == "" {
		return badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(NewBadgerLogger(s.logger)).
			WithLoggingLevel(badger.WARNING).
			WithValueThreshold(s.valueThreshold), nil
	}
	if err := os.MkdirAll(s.dataDir, 0o750); err != nil {
		return badger.Options{}, fmt.Errorf("create data dir: %w", err)
	}
	return badger.DefaultOptions(filepath.Join(s.dataDir, "blob")).
		WithLogger(NewBadgerLogger(s.logger)).
		WithLoggingLevel(badger.WARNING).
		WithValueThreshold(s.valueThreshold).
		WithCompression(options.Snappy), nil
}

// gcLoop rewrites value log files until badger reports nothing left to
// reclaim, once per interval
func (s *Store) gcLoop(ctx context.Context) {
	defer s.gcWg.Done()
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for ctx.Err() == nil {
			err := s.db.RunValueLogGC(0.5)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn(
					"blob value log GC failed",
					"component", "database",
					"error", err,
				)
			}
			break
		}
	}
}

// Close stops GC and closes badger
func (s *Store) Close() error {
	if s.gcCancel != nil {
		s.gcCancel()
		s.gcWg.Wait()
		s.gcCancel = nil
	}
	return s.db.Close()
}

// DB returns the badger handle
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) NewTransaction(readWrite bool) types.Txn {
	return &blobTxn{store: s, tx: s.db.NewTransaction(readWrite)}
}

func (s *Store) Get(txn types.Txn, key []byte) ([]byte, error) {
	tx, err := s.badgerTxn(txn)
	if err != nil {
		return nil, err
	}
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrBlobKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *Store) Set(txn types.Txn, key, val []byte) error {
	tx, err := s.badgerTxn(txn)
	if err != nil {
		return err
	}
	return tx.Set(key, val)
}

func (s *Store) Delete(txn types.Txn, key []byte) error {
	tx, err := s.badgerTxn(txn)
	if err != nil {
		return err
	}
	return tx.Delete(key)
}

// NewIterator iterates keys under opts.Prefix. Items are only valid while
// txn is open. A reverse iterator must be seeked past the end of the prefix
func (s *Store) NewIterator(
	txn types.Txn,
	opts types.BlobIteratorOptions,
) types.BlobIterator {
	tx, err := s.badgerTxn(txn)
	if err != nil {
		return &failedIterator{err: err}
	}
	return &blobIterator{
		iter: tx.NewIterator(badger.IteratorOptions{
			Prefix:  opts.Prefix,
			Reverse: opts.Reverse,
		}),
	}
}
