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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/blinklabs-io/starkview/database/plugin/metadata"
	"github.com/blinklabs-io/starkview/felt"
)

type ctxKey string

const configContextKey ctxKey = "starkview.config"

const (
	DefaultShutdownTimeout = "30s"
	// DefaultChainId is SN_GOERLI encoded as a felt
	DefaultChainId = "0x534e5f474f45524c49"
	envPrefix      = "starkview"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// RunMode represents the operational mode of the node
type RunMode string

const (
	RunModeServe RunMode = "serve" // Serve RPC over an existing chain database (default)
	RunModeDev   RunMode = "dev"   // Produce blocks locally with the devnet sequencer
)

// Valid returns true if the RunMode is a known valid mode
func (m RunMode) Valid() bool {
	switch m {
	case RunModeServe, RunModeDev, "":
		return true
	default:
		return false
	}
}

// IsDevMode returns true if the mode enables the devnet block producer
func (m RunMode) IsDevMode() bool {
	return m == RunModeDev
}

type tempConfig struct {
	Config *Config `yaml:"config,omitempty"`
}

type Config struct {
	DatabasePath      string        `yaml:"databasePath"      split_words:"true"`
	MetadataPlugin    string        `yaml:"metadataPlugin"    split_words:"true"`
	MetadataDsn       string        `yaml:"metadataDsn"       split_words:"true"`
	BindAddr          string        `yaml:"bindAddr"          split_words:"true"`
	TlsCertFilePath   string        `yaml:"tlsCertFilePath"   envconfig:"TLS_CERT_FILE_PATH"`
	TlsKeyFilePath    string        `yaml:"tlsKeyFilePath"    envconfig:"TLS_KEY_FILE_PATH"`
	ShutdownTimeout   string        `yaml:"shutdownTimeout"   split_words:"true"`
	ChainId           string        `yaml:"chainId"           split_words:"true"`
	RunMode           RunMode       `yaml:"runMode"           split_words:"true"`
	CorsOrigins       []string      `yaml:"corsOrigins"       split_words:"true"`
	RpcPort           uint          `yaml:"rpcPort"           split_words:"true"`
	MetricsPort       uint          `yaml:"metricsPort"       split_words:"true"`
	RpcReuseAddress   bool          `yaml:"rpcReuseAddress"   split_words:"true"`
	BlockTime         time.Duration `yaml:"blockTime"         split_words:"true"`
	FinalityDepth     uint64        `yaml:"finalityDepth"     split_words:"true"`
	MaxBlockTxs       int           `yaml:"maxBlockTxs"       split_words:"true"`
	MempoolCapacity   int           `yaml:"mempoolCapacity"   split_words:"true"`
	SyncPollInterval  time.Duration `yaml:"syncPollInterval"  split_words:"true"`
	SyncBatchLimit    uint64        `yaml:"syncBatchLimit"    split_words:"true"`
	ResyncFromGenesis bool          `yaml:"resyncFromGenesis" split_words:"true"`
	BlockCacheSize    int           `yaml:"blockCacheSize"    split_words:"true"`
	Tracing           bool          `yaml:"tracing"`
	TracingStdout     bool          `yaml:"tracingStdout"     split_words:"true"`
}

// ChainIdFelt returns the configured chain ID as a felt
func (c *Config) ChainIdFelt() (felt.Felt, error) {
	ret, err := felt.FromHex(c.ChainId)
	if err != nil {
		return felt.Zero, fmt.Errorf("invalid chainId: %w", err)
	}
	return ret, nil
}

var globalConfig = defaultConfig()

func defaultConfig() *Config {
	return &Config{
		DatabasePath:     ".starkview",
		MetadataPlugin:   metadata.PluginSqlite,
		BindAddr:         "0.0.0.0",
		ShutdownTimeout:  DefaultShutdownTimeout,
		ChainId:          DefaultChainId,
		RunMode:          RunModeServe,
		RpcPort:          9545,
		MetricsPort:      12798,
		BlockTime:        6 * time.Second,
		FinalityDepth:    2,
		MaxBlockTxs:      500,
		MempoolCapacity:  10000,
		SyncPollInterval: 6 * time.Second,
		SyncBatchLimit:   256,
		BlockCacheSize:   128,
	}
}

// configSearchPaths returns the default config file locations in order of
// preference
func configSearchPaths() []string {
	var ret []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		ret = append(ret, filepath.Join(homeDir, ".starkview", "starkview.yaml"))
	}
	return append(ret, "/etc/starkview/starkview.yaml")
}

func LoadConfig(configFile string) (*Config, error) {
	// Values already present in the environment take precedence over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}
	if configFile == "" {
		for _, path := range configSearchPaths() {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		var tempCfg tempConfig
		if err := yaml.Unmarshal(buf, &tempCfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if tempCfg.Config != nil {
			// Overlay config values onto existing defaults
			configBytes, err := yaml.Marshal(tempCfg.Config)
			if err != nil {
				return nil, fmt.Errorf("error re-marshalling config: %w", err)
			}
			if err := yaml.Unmarshal(configBytes, globalConfig); err != nil {
				return nil, fmt.Errorf("error parsing config section: %w", err)
			}
		} else if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process(envPrefix, globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if !globalConfig.RunMode.Valid() {
		return nil, fmt.Errorf(
			"invalid runMode: %q (must be 'serve' or 'dev')",
			globalConfig.RunMode,
		)
	}
	if globalConfig.RunMode == "" {
		globalConfig.RunMode = RunModeServe
	}
	switch globalConfig.MetadataPlugin {
	case metadata.PluginSqlite, metadata.PluginPostgres:
	case "":
		globalConfig.MetadataPlugin = metadata.PluginSqlite
	default:
		return nil, fmt.Errorf(
			"invalid metadataPlugin: %q (must be 'sqlite' or 'postgres')",
			globalConfig.MetadataPlugin,
		)
	}
	if _, err := globalConfig.ChainIdFelt(); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(globalConfig.ShutdownTimeout); err != nil {
		return nil, fmt.Errorf("invalid shutdownTimeout: %w", err)
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
