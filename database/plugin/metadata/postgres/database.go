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

package postgres

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blinklabs-io/starkview/database/plugin/metadata/internal/gormstore"
)

// MetadataStorePostgres stores metadata in Postgres.
type MetadataStorePostgres struct {
	*gormstore.Store
	promRegistry prometheus.Registerer
	logger       *slog.Logger

	host     string
	port     uint
	user     string
	password string
	database string
	sslMode  string
	timeZone string
	dsn      string // Data source name (postgres connection string)
}

// New connects to Postgres and migrates the schema
func New(opts ...PostgresOptionFunc) (*MetadataStorePostgres, error) {
	db := &MetadataStorePostgres{}
	for _, opt := range opts {
		opt(db)
	}
	if db.host == "" {
		db.host = "localhost"
	}
	if db.port == 0 {
		db.port = 5432
	}
	if db.user == "" {
		db.user = "postgres"
	}
	if db.database == "" {
		db.database = "postgres"
	}
	if db.sslMode == "" {
		db.sslMode = "disable"
	}
	if db.timeZone == "" {
		db.timeZone = "UTC"
	}
	metadataDb, err := gorm.Open(
		postgres.Open(db.DSN()),
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.Store = gormstore.NewStore(metadataDb)
	if err := db.init(); err != nil {
		return db, err
	}
	if err := db.Migrate(); err != nil {
		return db, err
	}
	return db, nil
}

// DSN returns the configured connection string, or one built from the
// individual connection options
func (d *MetadataStorePostgres) DSN() string {
	if dsn := strings.TrimSpace(d.dsn); dsn != "" {
		return dsn
	}
	parts := []string{
		"host=" + d.host,
		"user=" + d.user,
		"password=" + d.password,
		"dbname=" + d.database,
		"port=" + strconv.FormatUint(uint64(d.port), 10),
		"sslmode=" + d.sslMode,
	}
	if d.timeZone != "" {
		parts = append(parts, "TimeZone="+d.timeZone)
	}
	return strings.Join(parts, " ")
}

func (d *MetadataStorePostgres) init() error {
	if d.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return d.Instrument(d.promRegistry, "starkview_metadata_postgres")
}

func (d *MetadataStorePostgres) Close() error {
	if d.Store == nil {
		return errors.New("postgres store not open")
	}
	db, err := d.DB().DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return db.Close()
}
