/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package proxy implements the P/D request coordinator: a reverse proxy that
// sits between the gateway and the prefill/decode worker pools, sequences the
// two legs of a disaggregated request, and emits the coordinator-level spans
// and timing metrics neither pool can observe on its own.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/connectors"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/gate"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/proxy/manager"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/telemetry"
)

// Config represents the coordinator server configuration
type Config struct {
	// Connector is the KV protocol between Prefiller and Decoder.
	Connector connectors.Kind

	// PrefillerUseTLS indicates whether to use TLS when sending requests to prefillers.
	PrefillerUseTLS bool

	// PrefillerInsecureSkipVerify configures the coordinator to skip TLS verification for requests to prefiller.
	PrefillerInsecureSkipVerify bool

	// DecoderInsecureSkipVerify configures the coordinator to skip TLS verification for requests to decoder.
	DecoderInsecureSkipVerify bool

	// EnablePrefillerSampling configures the coordinator to randomly choose from the set
	// of provided prefill hosts instead of always using the first one.
	EnablePrefillerSampling bool

	// Gate holds the disaggregation decision thresholds.
	Gate gate.Thresholds
}

// Server is the coordinator reverse proxy server
type Server struct {
	logger             logr.Logger
	addr               net.Addr // the coordinator TCP address
	port               string   // the coordinator TCP port
	decoderURL         *url.URL // the local decoder URL
	handler            http.Handler
	allowlistValidator *AllowlistValidator

	proxyManager *manager.ProxyManager
	dispatcher   *connectors.Dispatcher
	gate         *gate.Gate
	telemetry    *telemetry.Telemetry

	prefillSamplerFn func(n int) int // allow test override

	config Config
}

// NewProxy creates a new coordinating reverse proxy. The telemetry instance
// is injected rather than read from process-global state so the server can be
// exercised without tracer setup.
func NewProxy(port string, decoderURL *url.URL, config Config, tel *telemetry.Telemetry) (*Server, error) {
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	g, err := gate.New(config.Gate)
	if err != nil {
		return nil, err
	}

	proxyManager := manager.NewProxyManager(
		decoderURL,
		config.PrefillerUseTLS,
		config.PrefillerInsecureSkipVerify,
		config.DecoderInsecureSkipVerify,
	)

	dispatcher, err := connectors.NewDispatcher(config.Connector, proxyManager, tel.Propagator())
	if err != nil {
		return nil, err
	}

	return &Server{
		port:             port,
		decoderURL:       decoderURL,
		proxyManager:     proxyManager,
		dispatcher:       dispatcher,
		gate:             g,
		telemetry:        tel,
		prefillSamplerFn: rand.Intn,
		config:           config,
	}, nil
}

// Start the HTTP reverse proxy.
func (s *Server) Start(ctx context.Context, cert *tls.Certificate, allowlistValidator *AllowlistValidator) error {
	s.logger = log.FromContext(ctx).WithName("coordinator server on port " + s.port)

	s.allowlistValidator = allowlistValidator

	// Configure handlers
	s.handler = s.createRoutes()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return s.startHTTP(ctx, cert)
	})

	return grp.Wait()
}

// Addr returns the address the server is listening on, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) createRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Intercept completion requests; everything else passes straight through
	// to the decoder.
	mux.HandleFunc("POST "+ChatCompletionsPath, s.chatCompletionsHandler) // /v1/chat/completions (openai)
	mux.HandleFunc("POST "+CompletionsPath, s.chatCompletionsHandler)     // /v1/completions (legacy)

	mux.Handle("/", s.proxyManager.DecoderProxy)

	return mux
}

func (s *Server) startHTTP(ctx context.Context, cert *tls.Certificate) error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	s.addr = listener.Addr()

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cert != nil {
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{*cert},
				MinVersion:   tls.VersionTLS12,
			}
			errCh <- server.ServeTLS(listener, "", "")
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down coordinator server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
