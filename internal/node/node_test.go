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

package node

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		MetadataPlugin:  "sqlite",
		ShutdownTimeout: "1s",
		ChainId:         config.DefaultChainId,
		RunMode:         config.RunModeServe,
		BlockTime:       time.Second,
	}
}

func TestNodeConfigRejectsBadValues(t *testing.T) {
	cfg := testConfig()
	cfg.ChainId = "not hex"
	_, err := NodeConfig(cfg, discardLogger(), nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.ShutdownTimeout = "later"
	_, err = NodeConfig(cfg, discardLogger(), nil)
	require.Error(t, err)

	_, err = NodeConfig(testConfig(), discardLogger(), nil)
	require.NoError(t, err)
}

func TestRebuildPersistentDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "db")
	require.NoError(t, Rebuild(t.Context(), cfg, discardLogger()))
	// A second rebuild reopens the same database
	require.NoError(t, Rebuild(t.Context(), cfg, discardLogger()))
	assert.DirExists(t, cfg.DatabasePath)
}
