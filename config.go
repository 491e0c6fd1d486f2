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

package starkview

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/starkview/database/plugin/metadata"
	"github.com/blinklabs-io/starkview/felt"
)

// runMode constants for operational mode configuration
const (
	runModeServe = "serve"
	runModeDev   = "dev"
)

// DefaultSequencerAddress is reported as the sequencer of devnet blocks
var DefaultSequencerAddress = felt.MustHex("0x1")

type Config struct {
	promRegistry      prometheus.Registerer
	logger            *slog.Logger
	dataDir           string
	metadataPlugin    string
	metadataDsn       string
	bindAddr          string
	tlsCertFilePath   string
	tlsKeyFilePath    string
	corsOrigins       []string
	runMode           string
	chainID           felt.Felt
	sequencerAddress  felt.Felt
	rpcPort           uint
	rpcReuseAddress   bool
	blockTime         time.Duration
	finalityDepth     uint64
	maxBlockTxs       int
	mempoolCapacity   int
	syncPollInterval  time.Duration
	syncBatchLimit    uint64
	resyncFromGenesis bool
	blockCacheSize    int
	tracing           bool
	tracingStdout     bool
	shutdownTimeout   time.Duration
}

// isDevMode returns true if running in development mode
func (c *Config) isDevMode() bool {
	return c.runMode == runModeDev
}

func (n *Node) configValidate() error {
	switch n.config.runMode {
	case "", runModeServe, runModeDev:
	default:
		return fmt.Errorf("invalid run mode: %s", n.config.runMode)
	}
	switch n.config.metadataPlugin {
	case "", metadata.PluginSqlite, metadata.PluginPostgres:
	default:
		return fmt.Errorf("invalid metadata plugin: %s", n.config.metadataPlugin)
	}
	if n.config.metadataPlugin == metadata.PluginPostgres && n.config.metadataDsn == "" {
		return errors.New("postgres metadata plugin requires a DSN")
	}
	if n.config.chainID.IsZero() {
		return errors.New("chain ID must be set")
	}
	if (n.config.tlsCertFilePath == "") != (n.config.tlsKeyFilePath == "") {
		return errors.New("TLS requires both a certificate and a key")
	}
	return nil
}

type ConfigOptionFunc func(*Config)

// NewConfig creates a new starkview config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:           slog.New(slog.NewJSONHandler(io.Discard, nil)),
		sequencerAddress: DefaultSequencerAddress,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithDatabasePath specifies the persistent data directory to use. An empty
// path keeps all state in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithMetadataPlugin selects the metadata store plugin (sqlite or postgres)
func WithMetadataPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataPlugin = plugin
	}
}

// WithMetadataDsn specifies the connection string for the postgres metadata plugin
func WithMetadataDsn(dsn string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataDsn = dsn
	}
}

// WithLogger specifies the logger to use
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithChainID specifies the chain ID used for transaction hashes and starknet_chainId
func WithChainID(chainID felt.Felt) ConfigOptionFunc {
	return func(c *Config) {
		c.chainID = chainID
	}
}

// WithSequencerAddress specifies the sequencer address of produced blocks
func WithSequencerAddress(address felt.Felt) ConfigOptionFunc {
	return func(c *Config) {
		c.sequencerAddress = address
	}
}

// WithBindAddr specifies the address the RPC listener binds to
func WithBindAddr(addr string) ConfigOptionFunc {
	return func(c *Config) {
		c.bindAddr = addr
	}
}

// WithRpcPort specifies the port for the JSON-RPC listener
func WithRpcPort(port uint) ConfigOptionFunc {
	return func(c *Config) {
		c.rpcPort = port
	}
}

// WithRpcReuseAddress sets SO_REUSEADDR and SO_REUSEPORT on the RPC listener
func WithRpcReuseAddress(reuse bool) ConfigOptionFunc {
	return func(c *Config) {
		c.rpcReuseAddress = reuse
	}
}

// WithTlsCertFilePath specifies the path to the TLS certificate for the RPC listener
func WithTlsCertFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.tlsCertFilePath = path
	}
}

// WithTlsKeyFilePath specifies the path to the TLS key for the RPC listener
func WithTlsKeyFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.tlsKeyFilePath = path
	}
}

// WithCorsOrigins specifies the allowed CORS origins. No origins disables CORS handling
func WithCorsOrigins(origins ...string) ConfigOptionFunc {
	return func(c *Config) {
		c.corsOrigins = origins
	}
}

// WithRunMode sets the operational mode ("serve" or "dev")
func WithRunMode(mode string) ConfigOptionFunc {
	return func(c *Config) {
		c.runMode = mode
	}
}

// WithBlockTime specifies the devnet block interval
func WithBlockTime(blockTime time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.blockTime = blockTime
	}
}

// WithFinalityDepth specifies how many blocks behind the tip the devnet finalizes
func WithFinalityDepth(depth uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.finalityDepth = depth
	}
}

// WithMaxBlockTxs caps the number of transactions in a devnet block
func WithMaxBlockTxs(count int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxBlockTxs = count
	}
}

// WithMempoolCapacity sets the mempool capacity (in transactions)
func WithMempoolCapacity(capacity int) ConfigOptionFunc {
	return func(c *Config) {
		c.mempoolCapacity = capacity
	}
}

// WithSyncPollInterval specifies how often the mapping worker polls the
// substrate chain when no notifications arrive
func WithSyncPollInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.syncPollInterval = interval
	}
}

// WithSyncBatchLimit specifies how many blocks the mapping worker processes per resync batch
func WithSyncBatchLimit(limit uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.syncBatchLimit = limit
	}
}

// WithResyncFromGenesis discards mapping progress at startup and maps the chain again
func WithResyncFromGenesis(resync bool) ConfigOptionFunc {
	return func(c *Config) {
		c.resyncFromGenesis = resync
	}
}

// WithBlockCacheSize specifies the number of materialized blocks the resolver caches
func WithBlockCacheSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.blockCacheSize = size
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
