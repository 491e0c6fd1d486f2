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

// Package rpc serves the Starknet JSON-RPC API over HTTP and WebSocket.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/blinklabs-io/starkview/chain"
	"github.com/blinklabs-io/starkview/eventquery"
	"github.com/blinklabs-io/starkview/felt"
)

const (
	Namespace = "starknet"

	DefaultHost = "0.0.0.0"
	DefaultPort = 9545
)

var ErrServerStarted = errors.New("rpc server already started")

type ServerConfig struct {
	Logger          *slog.Logger
	PromRegistry    prometheus.Registerer
	Resolver        *chain.Resolver
	Pending         PendingProvider
	Submitter       TransactionSubmitter
	ChainID         felt.Felt
	Host            string
	TlsCertFilePath string
	TlsKeyFilePath  string
	CorsOrigins     []string
	Port            uint
	ReuseAddress    bool
}

type Server struct {
	config     ServerConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *serverMetrics
	events     *eventquery.Engine
	rpcServer  *gethrpc.Server
	httpServer *http.Server
	listener   net.Listener
	doneCh     chan struct{}
	mu         sync.Mutex
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("block resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "rpc"),
		tracer:    otel.Tracer("github.com/blinklabs-io/starkview/rpc"),
		metrics:   initServerMetrics(cfg.PromRegistry),
		rpcServer: gethrpc.NewServer(),
	}
	s.events = eventquery.NewEngine(cfg.Resolver, cfg.Logger)
	if err := s.rpcServer.RegisterName(Namespace, &StarknetAPI{server: s}); err != nil {
		return nil, fmt.Errorf("register %s API: %w", Namespace, err)
	}
	return s, nil
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Handler returns the HTTP handler serving JSON-RPC requests and WebSocket
// upgrades on the same path
func (s *Server) Handler() http.Handler {
	wsOrigins := s.config.CorsOrigins
	if len(wsOrigins) == 0 {
		wsOrigins = []string{"*"}
	}
	wsHandler := s.rpcServer.WebsocketHandler(wsOrigins)
	var handler http.Handler = http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if isWebsocket(r) {
				wsHandler.ServeHTTP(w, r)
				return
			}
			s.rpcServer.ServeHTTP(w, r)
		},
	)
	if len(s.config.CorsOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.config.CorsOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodGet},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		}).Handler(handler)
	}
	// Use h2c so we can serve HTTP/2 without TLS
	return h2c.NewHandler(handler, &http2.Server{})
}

// Start opens the listener and serves requests in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return ErrServerStarted
	}
	listenConfig := net.ListenConfig{}
	if s.config.ReuseAddress {
		listenConfig.Control = socketControl
	}
	addr := net.JoinHostPort(
		s.config.Host,
		fmt.Sprintf("%d", s.config.Port),
	)
	listener, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to open listening socket: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 60 * time.Second,
	}
	s.doneCh = make(chan struct{})
	useTls := s.config.TlsCertFilePath != "" && s.config.TlsKeyFilePath != ""
	s.logger.Info(
		"starting JSON-RPC listener on "+listener.Addr().String(),
		"tls", useTls,
	)
	go func(srv *http.Server, doneCh chan struct{}) {
		defer close(doneCh)
		var err error
		if useTls {
			err = srv.ServeTLS(
				listener,
				s.config.TlsCertFilePath,
				s.config.TlsKeyFilePath,
			)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("JSON-RPC listener failed", "error", err)
		}
	}(s.httpServer, s.doneCh)
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the listener, waiting for requests in flight until ctx
// is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	doneCh := s.doneCh
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		<-doneCh
	}
	s.rpcServer.Stop()
	return err
}
