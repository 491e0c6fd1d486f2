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


package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blinklabs-io/starkview/database/plugin/metadata/internal/gormstore"
)

const (
	DefaultVacuumInterval = 24 * time.Hour
	// WAL journal, no fsync per write and a 50MB page cache
	fileConnParams = "_pragma=journal_mode(WAL)&_pragma=sync(OFF)&_pragma=cache_size(-50000)&_pragma=busy_timeout(5000)"
)

var memoryDbCounter atomic.Uint64

// MetadataStoreSqlite keeps transaction indexes, reorg records and sync
// state in SQLite
type MetadataStoreSqlite struct {
	*gormstore.Store
	promRegistry   prometheus.Registerer
	logger         *slog.Logger
	dataDir        string
	vacuumInterval time.Duration
	vacuumCancel   context.CancelFunc
	vacuumWg       sync.WaitGroup
}

// New opens a SQLite metadata store. An empty dataDir gives a private
// in-memory database
func New(
	dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (*MetadataStoreSqlite, error) {
	return NewWithOptions(
		WithDataDir(dataDir),
		WithLogger(logger),
		WithPromRegistry(promRegistry),
	)
}

func NewWithOptions(opts ...SqliteOptionFunc) (*MetadataStoreSqlite, error) {
	d := &MetadataStoreSqlite{vacuumInterval: DefaultVacuumInterval}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	gormDb, err := d.open()
	if err != nil {
		return nil, err
	}
	d.Store = gormstore.NewStore(gormDb)
	if err := d.Instrument(d.promRegistry, "starkview_metadata_sqlite"); err != nil {
		return d, err
	}
	d.logger.Debug("migrating metadata tables", "component", "database")
	if err := d.Migrate(); err != nil {
		return d, err
	}
	if d.dataDir != "" && d.vacuumInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		d.vacuumCancel = cancel
		d.vacuumWg.Add(1)
		go d.vacuumLoop(ctx)
	}
	return d, nil
}

func (d *MetadataStoreSqlite) open() (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	}
	if d.dataDir == "" {
		// cache=shared lets every pooled connection see the same named
		// in-memory database
		dsn := fmt.Sprintf(
			"file:starkview-%d?mode=memory&cache=shared",
			memoryDbCounter.Add(1),
		)
		gormDb, err := gorm.Open(sqlite.Open(dsn), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDb, err := gormDb.DB()
		if err != nil {
			return nil, err
		}
		// Shared-cache tables lock per connection
		sqlDb.SetMaxOpenConns(1)
		return gormDb, nil
	}
	if err := os.MkdirAll(d.dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?%s",
		filepath.Join(d.dataDir, "metadata.sqlite"),
		fileConnParams,
	)
	return gorm.Open(sqlite.Open(dsn), gormConfig)
}

func (d *MetadataStoreSqlite) vacuumLoop(ctx context.Context) {
	defer d.vacuumWg.Done()
	ticker := time.NewTicker(d.vacuumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.Vacuum(ctx); err != nil {
			d.logger.Error(
				"failed to vacuum metadata store",
				"component", "database",
				"error", err,
			)
		}
	}
}

// Vacuum reclaims free pages in the database file
func (d *MetadataStoreSqlite) Vacuum(ctx context.Context) error {
	return d.DB().WithContext(ctx).Exec("VACUUM").Error
}

// Close stops the vacuum loop and closes the database
func (d *MetadataStoreSqlite) Close() error {
	if d.vacuumCancel != nil {
		d.vacuumCancel()
		d.vacuumWg.Wait()
		d.vacuumCancel = nil
	}
	sqlDb, err := d.DB().DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return sqlDb.Close()
}
