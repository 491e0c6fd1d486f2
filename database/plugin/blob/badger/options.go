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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultGcInterval = 5 * time.Minute
	// Mapping records are small, so keep them in the LSM tree
	DefaultValueThreshold = 1024
)

type StoreOptionFunc func(*Store)

func WithLogger(logger *slog.Logger) StoreOptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithPromRegistry(registry prometheus.Registerer) StoreOptionFunc {
	return func(s *Store) {
		s.promRegistry = registry
	}
}

// WithDataDir stores data under dataDir/blob. An empty dir keeps the store
// in memory
func WithDataDir(dataDir string) StoreOptionFunc {
	return func(s *Store) {
		s.dataDir = dataDir
	}
}

// WithGcInterval sets how often value log GC runs. Zero disables it
func WithGcInterval(interval time.Duration) StoreOptionFunc {
	return func(s *Store) {
		s.gcInterval = interval
	}
}
