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
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/connectors"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/gate"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/proxy"
	coordinatormetrics "github.com/llm-d/llm-d-pd-coordinator/pkg/metrics/coordinator"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/telemetry"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/version"
)

func main() {
	port := flag.String("port", "8000", "the port the coordinator is listening on")
	vLLMPort := flag.String("vllm-port", "8001", "the port the local decode worker is listening on")
	connector := flag.String("connector", connectors.KindNIXLV2.String(), "the KV connector between Prefiller and Decoder. Supported: "+connectors.AllKindStrings())
	prefillerUseTLS := flag.Bool("prefiller-use-tls", false, "whether to use TLS when sending requests to prefillers")
	decoderUseTLS := flag.Bool("decoder-use-tls", false, "whether to use TLS when sending requests to the decoder")
	prefillerInsecureSkipVerify := flag.Bool("prefiller-tls-insecure-skip-verify", false, "configures the coordinator to skip TLS verification for requests to prefiller")
	decoderInsecureSkipVerify := flag.Bool("decoder-tls-insecure-skip-verify", false, "configures the coordinator to skip TLS verification for requests to decoder")
	secureProxy := flag.Bool("secure-proxy", true, "Enables secure proxy. Defaults to true.")
	certPath := flag.String(
		"cert-path", "", "The path to the certificate for secure proxy. The certificate and private key files "+
			"are assumed to be named tls.crt and tls.key, respectively. If not set, and secureProxy is enabled, "+
			"then a self-signed certificate is used (for testing).")
	enableSSRFProtection := flag.Bool("enable-ssrf-protection", false, "enable SSRF protection using a static prefiller allowlist")
	prefillerAllowlist := flag.String("prefiller-allowlist", os.Getenv("PREFILLER_ALLOWLIST"), "comma-separated host:port entries allowed as prefill targets (defaults to PREFILLER_ALLOWLIST env var)")
	enablePrefillerSampling := flag.Bool("enable-prefiller-sampling", func() bool { b, _ := strconv.ParseBool(os.Getenv("ENABLE_PREFILLER_SAMPLING")); return b }(), "if true, the target prefill instance will be selected randomly from among the provided prefill host values")
	hitRatioCutoff := flag.Float64("gate-hit-ratio-cutoff", 0.8, "minimum cache hit ratio at which prefill becomes redundant [0.0, 1.0]")
	smallInputCutoff := flag.Int("gate-small-input-cutoff-bytes", 1024, "maximum input size in bytes for which decode-only routing is considered")
	metricsPort := flag.String("metrics-port", "9090", "the port serving Prometheus metrics")
	tracingEndpoint := flag.String("tracing-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP/HTTP span collector endpoint; tracing is disabled when empty (defaults to OTEL_EXPORTER_OTLP_ENDPOINT env var)")
	serviceName := flag.String("tracing-service-name", "llm-d-pd-coordinator", "service name reported on emitted spans")
	samplingMode := flag.String("tracing-sampling-mode", string(telemetry.SamplingParentBased), "span sampling mode: parent_based, always_on or always_off")
	samplingRatio := flag.Float64("tracing-sampling-ratio", 0.1, "sampling ratio for new traces under parent_based [0.0, 1.0]")

	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine) // optional to allow zap logging control via CLI
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts))
	log.SetLogger(logger)

	ctx := signals.SetupSignalHandler()
	ctx = log.IntoContext(ctx, logger)

	logger.Info("Coordinator starting", "Built on", version.BuildRef, "From Git SHA", version.CommitSHA)

	kind := connectors.Kind(*connector)
	if err := kind.Validate(); err != nil {
		logger.Info("Error: --connector must be one of: " + connectors.AllKindStrings())
		return
	}
	logger.Info("connector validated", "connector", kind)

	// Tracing is optional; without a collector endpoint the coordinator still
	// propagates W3C trace context on both legs.
	tel := telemetry.NewNoop()
	if *tracingEndpoint != "" {
		var err error
		tel, err = telemetry.New(ctx, telemetry.Config{
			ServiceName:   *serviceName,
			Endpoint:      *tracingEndpoint,
			SamplingMode:  telemetry.SamplingMode(*samplingMode),
			SamplingRatio: *samplingRatio,
		})
		if err != nil {
			logger.Error(err, "failed to initialize tracing")
			return
		}
		logger.Info("tracing enabled", "endpoint", *tracingEndpoint, "samplingMode", *samplingMode)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error(err, "failed to flush spans on shutdown")
		}
	}()

	// start reverse proxy HTTP server
	scheme := "http"
	if *decoderUseTLS {
		scheme = "https"
	}
	targetURL, err := url.Parse(scheme + "://localhost:" + *vLLMPort)
	if err != nil {
		logger.Error(err, "failed to create targetURL")
		return
	}

	var cert *tls.Certificate
	if *secureProxy {
		var tempCert tls.Certificate
		if *certPath != "" {
			tempCert, err = tls.LoadX509KeyPair(*certPath+"/tls.crt", *certPath+"/tls.key")
		} else {
			tempCert, err = proxy.CreateSelfSignedTLSCertificate()
		}
		if err != nil {
			logger.Error(err, "failed to create TLS certificate")
			return
		}
		cert = &tempCert
	}

	config := proxy.Config{
		Connector:                   kind,
		PrefillerUseTLS:             *prefillerUseTLS,
		PrefillerInsecureSkipVerify: *prefillerInsecureSkipVerify,
		DecoderInsecureSkipVerify:   *decoderInsecureSkipVerify,
		EnablePrefillerSampling:     *enablePrefillerSampling,
		Gate: gate.Thresholds{
			HitRatioCutoff:        *hitRatioCutoff,
			SmallInputCutoffBytes: *smallInputCutoff,
		},
	}

	// Create SSRF protection validator
	var allowedHosts []string
	if *prefillerAllowlist != "" {
		allowedHosts = strings.Split(*prefillerAllowlist, ",")
	}
	if *enableSSRFProtection && len(allowedHosts) == 0 {
		logger.Info("Error: --prefiller-allowlist or PREFILLER_ALLOWLIST environment variable is required when --enable-ssrf-protection is true")
		return
	}
	validator := proxy.NewAllowlistValidator(*enableSSRFProtection, allowedHosts)
	if *enableSSRFProtection {
		logger.Info("SSRF protection enabled", "allowedHosts", len(allowedHosts))
	}

	startMetricsServer(ctx, logger.WithName("metrics"), *metricsPort)

	proxyServer, err := proxy.NewProxy(*port, targetURL, config, tel)
	if err != nil {
		logger.Error(err, "failed to create proxy server")
		return
	}

	if err := proxyServer.Start(ctx, cert, validator); err != nil {
		logger.Error(err, "failed to start proxy server")
	}
}

// startMetricsServer serves the coordinator metrics on a dedicated port, kept
// off the request-serving listener.
func startMetricsServer(ctx context.Context, logger logr.Logger, port string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(coordinatormetrics.GetCollectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
