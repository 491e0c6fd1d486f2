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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blinklabs-io/starkview"
	"github.com/blinklabs-io/starkview/internal/config"
)

// NodeConfig converts the loaded config into node options
func NodeConfig(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (starkview.Config, error) {
	chainID, err := cfg.ChainIdFelt()
	if err != nil {
		return starkview.Config{}, err
	}
	shutdownTimeout, err := time.ParseDuration(cfg.ShutdownTimeout)
	if err != nil {
		return starkview.Config{}, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	return starkview.NewConfig(
		starkview.WithLogger(logger),
		starkview.WithPrometheusRegistry(promRegistry),
		starkview.WithDatabasePath(cfg.DatabasePath),
		starkview.WithMetadataPlugin(cfg.MetadataPlugin),
		starkview.WithMetadataDsn(cfg.MetadataDsn),
		starkview.WithChainID(chainID),
		starkview.WithRunMode(string(cfg.RunMode)),
		starkview.WithBindAddr(cfg.BindAddr),
		starkview.WithRpcPort(cfg.RpcPort),
		starkview.WithRpcReuseAddress(cfg.RpcReuseAddress),
		starkview.WithTlsCertFilePath(cfg.TlsCertFilePath),
		starkview.WithTlsKeyFilePath(cfg.TlsKeyFilePath),
		starkview.WithCorsOrigins(cfg.CorsOrigins...),
		starkview.WithBlockTime(cfg.BlockTime),
		starkview.WithFinalityDepth(cfg.FinalityDepth),
		starkview.WithMaxBlockTxs(cfg.MaxBlockTxs),
		starkview.WithMempoolCapacity(cfg.MempoolCapacity),
		starkview.WithSyncPollInterval(cfg.SyncPollInterval),
		starkview.WithSyncBatchLimit(cfg.SyncBatchLimit),
		starkview.WithResyncFromGenesis(cfg.ResyncFromGenesis),
		starkview.WithBlockCacheSize(cfg.BlockCacheSize),
		starkview.WithTracing(cfg.Tracing),
		starkview.WithTracingStdout(cfg.TracingStdout),
		starkview.WithShutdownTimeout(shutdownTimeout),
	), nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	// Enable metrics with default prometheus registry
	nodeCfg, err := NodeConfig(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	n, err := starkview.New(nodeCfg)
	if err != nil {
		return err
	}
	shutdownTimeout, _ := time.ParseDuration(cfg.ShutdownTimeout)
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MetricsPort)
	logger.Info(
		"serving prometheus metrics on "+metricsAddr,
		"component", "node",
	)
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	metricsErrCh := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- fmt.Errorf("failed to start metrics listener: %w", err)
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- n.Run(signalCtx)
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
		if err := n.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		return nil
	}

	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		if err := shutdown(); err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case err := <-metricsErrCh:
		logger.Error(err.Error(), "component", "node")
		signalCtxStop()
		return errors.Join(err, shutdown())
	case err := <-errChan:
		signalCtxStop()
		if err == nil {
			logger.Info("node stopped")
			return shutdown()
		}
		logger.Error("node error", "error", err)
		return errors.Join(err, shutdown())
	}
}

// Rebuild maps the substrate chain in the configured database again from
// genesis
func Rebuild(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	nodeCfg, err := NodeConfig(cfg, logger, nil)
	if err != nil {
		return err
	}
	n, err := starkview.New(nodeCfg)
	if err != nil {
		return err
	}
	return n.Rebuild(ctx)
}
