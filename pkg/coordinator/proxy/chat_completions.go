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

package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/common"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/connectors"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/keys"
	httperrors "github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/proxy/http_errors"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/request"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/timing"
	coordinatormetrics "github.com/llm-d/llm-d-pd-coordinator/pkg/metrics/coordinator"
)

var (
	// ChatCompletionsPath is the OpenAI chat completions path
	ChatCompletionsPath = "/v1/chat/completions"

	// CompletionsPath is the legacy completions path
	CompletionsPath = "/v1/completions"
)

// reasonNoPrefillTarget is recorded when the gateway supplied no prefill
// worker, which forces decode-only routing regardless of cache state.
const reasonNoPrefillTarget = "no prefill target provided"

// chatCompletionsHandler sequences one request through its full lifecycle:
// admission, the disaggregation gate, the prefill leg (when routed), the
// decode leg, and finalization of spans and metrics.
func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	// Extract inbound trace context before starting the request span, so the
	// gateway's trace continues through the coordinator and both workers.
	ctx := s.telemetry.Propagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	requestID := r.Header.Get(common.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	reqCtx := request.New(requestID)
	reqCtx.ConnectorKind = s.dispatcher.Describe().String()

	logger := s.logger.WithValues("requestID", requestID)

	requestPath := ""
	if r.URL != nil {
		requestPath = r.URL.Path
	}

	ctx, span := s.telemetry.Tracer().Start(ctx, "coordinator.request",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer s.finalize(span, reqCtx, logger)

	r = r.WithContext(ctx)

	span.SetAttributes(
		attribute.String("llm_d.coordinator.request_id", requestID),
		attribute.String("llm_d.coordinator.connector", reqCtx.ConnectorKind),
		attribute.String("llm_d.coordinator.request_path", requestPath),
	)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error(err, "failed to read request body")
		reqCtx.SetOutcome(request.OutcomeGateError)
		span.RecordError(err)
		if err := httperrors.ErrorJSONInvalid(err, w); err != nil {
			logger.Error(err, "failed to send error response")
		}
		return
	}
	reqCtx.InputSizeBytes = len(body)

	var completionRequest map[string]any
	if err := json.Unmarshal(body, &completionRequest); err != nil {
		logger.Error(err, "failed to parse request body")
		reqCtx.SetOutcome(request.OutcomeGateError)
		span.RecordError(err)
		if err := httperrors.ErrorJSONInvalid(err, w); err != nil {
			logger.Error(err, "failed to send error response")
		}
		return
	}

	if model, ok := completionRequest[keys.RequestFieldModel].(string); ok {
		reqCtx.Model = model
	}
	if stream, ok := completionRequest[keys.RequestFieldStream].(bool); ok {
		reqCtx.Streaming = stream
	}
	span.SetAttributes(
		attribute.String("llm_d.coordinator.model", reqCtx.Model),
		attribute.Bool("llm_d.coordinator.streaming", reqCtx.Streaming),
	)

	prefillTarget, prefillCandidates := s.selectPrefillTarget(r)

	// SSRF protection: the prefill target arrives in a request header, so an
	// enabled allowlist must vet it before any dispatch.
	if prefillTarget != "" && !s.allowlistValidator.IsAllowed(prefillTarget) {
		logger.Error(nil, "SSRF protection: prefill target not in allowlist",
			"target", prefillTarget,
			"clientIP", r.RemoteAddr,
			"userAgent", r.Header.Get("User-Agent"),
			"requestPath", requestPath)
		reqCtx.SetOutcome(request.OutcomeGateError)
		span.SetAttributes(
			attribute.String("llm_d.coordinator.error", "ssrf_protection_denied"),
			attribute.String("llm_d.coordinator.denied_target", prefillTarget),
		)
		http.Error(w, "Forbidden: prefill target not allowed by SSRF protection", http.StatusForbidden)
		return
	}
	reqCtx.PrefillTarget = prefillTarget
	reqCtx.CacheHitRatio = parseCacheHitRatio(r.Header.Get(common.CacheHitRatioHeader), logger)

	// Routing decision. Without a prefill target only decode-only is
	// possible; otherwise the gate weighs cache state against input size.
	var reason string
	if prefillTarget == "" {
		reqCtx.SetDecision(request.DecisionDecodeOnly)
		reason = reasonNoPrefillTarget
	} else {
		decision, gateReason := s.gate.Decide(reqCtx.CacheHitRatio, reqCtx.InputSizeBytes)
		reqCtx.SetDecision(decision)
		reason = gateReason
	}
	s.gate.RecordDecision(span, reqCtx, reason)
	if prefillCandidates > 0 {
		span.SetAttributes(
			attribute.String("llm_d.coordinator.prefill_target", prefillTarget),
			attribute.Int("llm_d.coordinator.prefill_candidates", prefillCandidates),
		)
	}
	logger.V(4).Info("routing decided", "decision", reqCtx.Decision, "reason", reason)

	exchange := s.dispatcher.NewExchange()

	tw := &timingResponseWriter{
		ResponseWriter: w,
		receivedAt:     reqCtx.Timestamps.Received,
	}

	var prefillResponse map[string]any
	if reqCtx.Decision == request.DecisionPrefillDecode {
		pctx, pspan := s.telemetry.Tracer().Start(ctx, "coordinator.prefill")
		pspan.SetAttributes(attribute.String("llm_d.coordinator.prefill_target", prefillTarget))

		reqCtx.MarkPrefillDispatched()
		result, err := exchange.DispatchPrefill(pctx, r, prefillTarget, completionRequest, logger)
		reqCtx.MarkPrefillResponded()

		if result != nil {
			pspan.SetAttributes(
				attribute.Int("llm_d.coordinator.prefill_status_code", result.StatusCode),
				attribute.Float64("llm_d.coordinator.prefill_duration_ms", float64(result.Duration.Nanoseconds())/1e6),
				attribute.Int("llm_d.coordinator.prefill_response_bytes", result.Bytes),
			)
		}
		if err != nil {
			pspan.RecordError(err)
			pspan.SetStatus(codes.Error, err.Error())
			pspan.End()
			s.relayPrefillFailure(w, result, err, reqCtx, logger)
			return
		}
		pspan.End()

		prefillResponse = result.Response
		tw.hasPrefill = true
		tw.prefillDurationMs = float64(result.Duration.Nanoseconds()) / 1e6
		tw.prefillPodHost = prefillTarget
	}

	dctx, dspan := s.telemetry.Tracer().Start(ctx, "coordinator.decode")

	reqCtx.MarkDecodeDispatched()
	result, err := exchange.DispatchDecode(dctx, tw, r, completionRequest, prefillResponse, reqCtx.Streaming, reqCtx.MarkFirstToken, logger)

	if result != nil {
		dspan.SetAttributes(
			attribute.Int("llm_d.coordinator.decode_status_code", result.StatusCode),
			attribute.Float64("llm_d.coordinator.decode_duration_ms", float64(result.Duration.Nanoseconds())/1e6),
		)
	}
	if err != nil {
		dspan.RecordError(err)
		dspan.SetStatus(codes.Error, err.Error())
		dspan.End()

		var dispatchErr *connectors.DispatchError
		if errors.As(err, &dispatchErr) && dispatchErr.Cancelled {
			reqCtx.SetOutcome(request.OutcomeCancelled)
		} else {
			reqCtx.SetOutcome(request.OutcomeDecodeError)
		}
		logger.Error(err, "decode dispatch failed")

		// An upstream error response was already relayed to the client by the
		// pass-through writer; only synthesize one if nothing was dispatched.
		if result == nil {
			if err := httperrors.ErrorInternalServerError(err, w); err != nil {
				logger.Error(err, "failed to send error response")
			}
		}
		return
	}
	dspan.End()

	reqCtx.SetOutcome(request.OutcomeSuccess)
}

// relayPrefillFailure surfaces a failed prefill leg to the client. The decode
// leg is never attempted after a prefill failure; the upstream status and body
// are relayed as-is so the gateway can see the real failure and retry against
// a different worker if it chooses.
func (s *Server) relayPrefillFailure(w http.ResponseWriter, result *connectors.PrefillResult, err error, reqCtx *request.Context, logger logr.Logger) {
	var dispatchErr *connectors.DispatchError
	if errors.As(err, &dispatchErr) && dispatchErr.Cancelled {
		reqCtx.SetOutcome(request.OutcomeCancelled)
	} else {
		reqCtx.SetOutcome(request.OutcomePrefillError)
	}
	logger.Error(err, "prefill dispatch failed", "target", reqCtx.PrefillTarget)

	if result != nil && result.StatusCode != 0 {
		w.WriteHeader(result.StatusCode)
		if result.Body != "" {
			if _, err := io.WriteString(w, result.Body); err != nil {
				logger.Error(err, "failed to relay prefill response body")
			}
		}
		return
	}
	if err := httperrors.ErrorBadGateway(err, w); err != nil {
		logger.Error(err, "failed to send error response")
	}
}

// finalize closes out a request exactly once: stamps completion, computes the
// derived timings, attaches them to the request span, and records the
// Prometheus observations. Runs deferred so every exit path is covered.
func (s *Server) finalize(span trace.Span, reqCtx *request.Context, logger logr.Logger) {
	reqCtx.SetOutcome(request.OutcomeSuccess)
	reqCtx.MarkCompleted()

	m := timing.Compute(reqCtx.Timestamps)

	span.SetAttributes(attribute.String("llm_d.coordinator.outcome", reqCtx.Outcome.String()))
	setMillisAttr(span, "llm_d.coordinator.true_ttft_ms", m.TrueTTFT)
	setMillisAttr(span, "llm_d.coordinator.total_duration_ms", m.TotalDuration)
	setMillisAttr(span, "llm_d.coordinator.prefill_duration_ms", m.PrefillDuration)
	setMillisAttr(span, "llm_d.coordinator.decode_duration_ms", m.DecodeDuration)
	setMillisAttr(span, "llm_d.coordinator.overhead_ms", m.CoordinatorOverhead)
	if m.NegativeOverheadObserved {
		span.SetAttributes(attribute.Bool("llm_d.coordinator.negative_overhead_observed", true))
		logger.Info("negative coordinator overhead observed, clamped to zero")
	}
	if reqCtx.Outcome != request.OutcomeSuccess {
		span.SetStatus(codes.Error, reqCtx.Outcome.String())
	}
	span.End()

	connector := reqCtx.ConnectorKind
	observe := func(h *prometheus.HistogramVec, v timing.Millis) {
		if v.Present {
			h.WithLabelValues(connector).Observe(v.Value)
		}
	}
	observe(coordinatormetrics.CoordinatorOverheadMilliseconds, m.CoordinatorOverhead)
	observe(coordinatormetrics.PrefillDurationMilliseconds, m.PrefillDuration)
	observe(coordinatormetrics.DecodeDurationMilliseconds, m.DecodeDuration)
	observe(coordinatormetrics.TotalDurationMilliseconds, m.TotalDuration)
	observe(coordinatormetrics.TrueTTFTMilliseconds, m.TrueTTFT)
	coordinatormetrics.RequestsTotal.WithLabelValues(connector, reqCtx.Decision.String(), reqCtx.Outcome.String()).Inc()

	logger.V(4).Info("request finalized",
		"decision", reqCtx.Decision,
		"outcome", reqCtx.Outcome,
		"totalMs", m.TotalDuration.Value,
		"trueTTFTMs", m.TrueTTFT.Value)
}

func setMillisAttr(span trace.Span, key string, v timing.Millis) {
	if v.Present {
		span.SetAttributes(attribute.Float64(key, v.Value))
	}
}

// selectPrefillTarget picks the prefill worker from the gateway-supplied
// header. Returns the chosen host:port (empty when none was supplied) and the
// number of candidates offered.
func (s *Server) selectPrefillTarget(r *http.Request) (string, int) {
	prefillHostPorts := r.Header.Values(common.PrefillPodHeader)

	// https://datatracker.ietf.org/doc/html/rfc7230#section-3.2.2 specifies proxies
	// may combine multiple header values with a comma. Accept either one host per
	// header line OR one line with multiple header values.
	if len(prefillHostPorts) == 1 {
		prefillHostPorts = strings.Split(prefillHostPorts[0], ",")
	}

	numHosts := len(prefillHostPorts)
	if numHosts == 0 {
		return "", 0
	}
	if s.config.EnablePrefillerSampling {
		return strings.TrimSpace(prefillHostPorts[s.prefillSamplerFn(numHosts)]), numHosts
	}
	return strings.TrimSpace(prefillHostPorts[0]), numHosts
}

// parseCacheHitRatio parses the scorer-supplied cache hit ratio header.
// Returns nil for an absent or malformed value; unknown is distinct from 0.0
// and routes conservatively through prefill.
func parseCacheHitRatio(raw string, logger logr.Logger) *float64 {
	if raw == "" {
		return nil
	}
	ratio, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		logger.Info("ignoring malformed cache hit ratio header", "value", raw)
		return nil
	}
	return &ratio
}
