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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/starkview/felt"
)

func resetGlobalConfig() {
	globalConfig = defaultConfig()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starkview.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_CompareFullStruct(t *testing.T) {
	resetGlobalConfig()
	path := writeConfig(t, `
databasePath: "/var/lib/starkview"
metadataPlugin: "postgres"
metadataDsn: "postgres://localhost/starkview"
bindAddr: "127.0.0.1"
rpcPort: 9944
rpcReuseAddress: true
corsOrigins:
  - "http://localhost:3000"
metricsPort: 8088
shutdownTimeout: "10s"
runMode: "dev"
chainId: "0x534e5f4d41494e"
blockTime: "2s"
finalityDepth: 4
maxBlockTxs: 100
mempoolCapacity: 2048
syncPollInterval: "1s"
syncBatchLimit: 16
resyncFromGenesis: true
blockCacheSize: 32
tracing: true
tracingStdout: true
`)
	expected := &Config{
		DatabasePath:      "/var/lib/starkview",
		MetadataPlugin:    "postgres",
		MetadataDsn:       "postgres://localhost/starkview",
		BindAddr:          "127.0.0.1",
		RpcPort:           9944,
		RpcReuseAddress:   true,
		CorsOrigins:       []string{"http://localhost:3000"},
		MetricsPort:       8088,
		ShutdownTimeout:   "10s",
		RunMode:           RunModeDev,
		ChainId:           "0x534e5f4d41494e",
		BlockTime:         2 * time.Second,
		FinalityDepth:     4,
		MaxBlockTxs:       100,
		MempoolCapacity:   2048,
		SyncPollInterval:  time.Second,
		SyncBatchLimit:    16,
		ResyncFromGenesis: true,
		BlockCacheSize:    32,
		Tracing:           true,
		TracingStdout:     true,
	}
	actual, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)
}

func TestLoad_WithoutConfigFile_UsesDefaults(t *testing.T) {
	resetGlobalConfig()
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	chainID, err := cfg.ChainIdFelt()
	require.NoError(t, err)
	assert.Equal(t, felt.MustHex(DefaultChainId), chainID)
}

func TestLoad_ConfigSection(t *testing.T) {
	resetGlobalConfig()
	path := writeConfig(t, `
config:
  rpcPort: 9000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint(9000), cfg.RpcPort)
	assert.Equal(t, "0.0.0.0", cfg.BindAddr)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	resetGlobalConfig()
	path := writeConfig(t, "rpcPort: 9000\nrunMode: serve\n")
	t.Setenv("STARKVIEW_RPC_PORT", "9100")
	t.Setenv("STARKVIEW_RUN_MODE", "dev")
	t.Setenv("STARKVIEW_BLOCK_TIME", "500ms")
	t.Setenv("STARKVIEW_CORS_ORIGINS", "http://a.example,http://b.example")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint(9100), cfg.RpcPort)
	assert.True(t, cfg.RunMode.IsDevMode())
	assert.Equal(t, 500*time.Millisecond, cfg.BlockTime)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.CorsOrigins)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "run mode", content: "runMode: load\n"},
		{name: "metadata plugin", content: "metadataPlugin: mysql\n"},
		{name: "chain id", content: "chainId: nope\n"},
		{name: "shutdown timeout", content: "shutdownTimeout: soon\n"},
		{name: "yaml", content: "rpcPort: [\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resetGlobalConfig()
			_, err := LoadConfig(writeConfig(t, test.content))
			require.Error(t, err)
		})
	}
}

func TestRunModeValid(t *testing.T) {
	assert.True(t, RunModeServe.Valid())
	assert.True(t, RunModeDev.Valid())
	assert.True(t, RunMode("").Valid())
	assert.False(t, RunMode("load").Valid())
	assert.False(t, RunModeServe.IsDevMode())
}

func TestContextRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	ctx := WithContext(t.Context(), cfg)
	assert.Same(t, cfg, FromContext(ctx))
	assert.Nil(t, FromContext(t.Context()))
}
