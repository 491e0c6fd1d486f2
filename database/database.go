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
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/starkview/database/plugin/blob"
	"github.com/blinklabs-io/starkview/database/plugin/metadata"
)

// Config selects the storage backends
type Config struct {
	PromRegistry   prometheus.Registerer
	Logger         *slog.Logger
	DataDir        string
	BlobPlugin     string
	MetadataPlugin string
	MetadataDsn    string
}

type Database struct {
	logger   *slog.Logger
	blob     blob.BlobStore
	metadata metadata.MetadataStore
	dataDir  string
}

// Blob returns the underling blob store instance
func (d *Database) Blob() blob.BlobStore {
	return d.blob
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Metadata returns the underlying metadata store instance
func (d *Database) Metadata() metadata.MetadataStore {
	return d.metadata
}

// Transaction starts a new database transaction and returns a handle to it
func (d *Database) Transaction(readWrite bool) *Txn {
	return newTxn(d, readWrite, scopeAll)
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	if d.metadata != nil {
		err = errors.Join(err, d.metadata.Close())
	}
	if d.blob != nil {
		err = errors.Join(err, d.blob.Close())
	}
	return err
}

func (d *Database) init() error {
	if d.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if err := d.checkCommitTimestamp(); err != nil {
		return err
	}
	return nil
}

// New creates a new database instance with optional persistence using the
// configured data directory. An empty data directory keeps everything in
// memory
func New(cfg *Config) (*Database, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	blobDb, err := blob.New(
		cfg.BlobPlugin,
		cfg.DataDir,
		cfg.Logger,
		cfg.PromRegistry,
	)
	if err != nil {
		if blobDb != nil {
			_ = blobDb.Close()
		}
		return nil, err
	}
	metadataDb, err := metadata.New(
		cfg.MetadataPlugin,
		cfg.DataDir,
		cfg.MetadataDsn,
		cfg.Logger,
		cfg.PromRegistry,
	)
	if err != nil {
		if metadataDb != nil {
			_ = metadataDb.Close()
		}
		_ = blobDb.Close()
		return nil, err
	}
	db := &Database{
		logger:   cfg.Logger,
		blob:     blobDb,
		metadata: metadataDb,
		dataDir:  cfg.DataDir,
	}
	if err := db.init(); err != nil {
		// Database is available for recovery, so return it with error
		return db, err
	}
	return db, nil
}
