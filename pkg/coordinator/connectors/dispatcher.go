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

package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/propagation"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/proxy/manager"
)

// Leg identifies which half of the P/D workflow an error belongs to.
type Leg string

const (
	// LegPrefill is the prefill dispatch leg.
	LegPrefill Leg = "prefill"
	// LegDecode is the decode dispatch leg.
	LegDecode Leg = "decode"
)

// DispatchError is a tagged dispatch failure. The coordinator never retries;
// it surfaces the failed leg and status so the gateway can decide whether to
// retry against a different worker.
type DispatchError struct {
	Leg        Leg
	StatusCode int
	Cancelled  bool
	Err        error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	switch {
	case e.Cancelled:
		return fmt.Sprintf("%s request cancelled by caller", e.Leg)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s request failed with status code: %d", e.Leg, e.StatusCode)
	default:
		return fmt.Sprintf("%s request failed: %v", e.Leg, e.Err)
	}
}

// Unwrap returns the underlying error, if any.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Dispatcher sends the prefill and decode legs of a request through the
// connector protocol selected at startup. It is shared by all in-flight
// requests; per-request state lives in the Exchange.
type Dispatcher struct {
	kind           Kind
	builderFactory RequestBuilderFactory
	proxyManager   *manager.ProxyManager
	propagator     propagation.TextMapPropagator
}

// NewDispatcher creates a Dispatcher for the given connector kind.
func NewDispatcher(kind Kind, proxyManager *manager.ProxyManager, propagator propagation.TextMapPropagator) (*Dispatcher, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		kind:           kind,
		builderFactory: builderFactoryFor(kind),
		proxyManager:   proxyManager,
		propagator:     propagator,
	}, nil
}

// Describe returns the connector kind, for span attributes and metric labels.
func (d *Dispatcher) Describe() Kind {
	return d.kind
}

// NewExchange creates the per-request dispatch state. Request builders carry
// fields from the prefill leg into the decode leg, so every request needs its
// own.
func (d *Dispatcher) NewExchange() *Exchange {
	return &Exchange{
		dispatcher: d,
		builder:    d.builderFactory.New(),
	}
}

// Exchange performs the prefill and decode dispatches for one request.
type Exchange struct {
	dispatcher *Dispatcher
	builder    RequestBuilder
}

// PrefillResult reports the prefill leg's response and transfer counters.
type PrefillResult struct {
	// Response is the parsed prefill response, carrying the connector's
	// hand-off fields (e.g. kv_transfer_params for NIXL v2).
	Response map[string]any

	StatusCode int
	Duration   time.Duration

	// Body is the raw upstream body, relayed to the client on failure.
	Body string

	// Bytes is the prefill response size, a proxy for hand-off payload size.
	Bytes int
}

// DispatchPrefill sends the prompt to the prefill target. Trace context is
// injected into the outbound call unconditionally. On a non-2xx status or
// transport failure the returned error is a *DispatchError tagged LegPrefill;
// the result still carries the upstream status and body for relaying.
func (e *Exchange) DispatchPrefill(ctx context.Context, r *http.Request, target string, completionRequest map[string]any, logger logr.Logger) (*PrefillResult, error) {
	prefillRequest := e.builder.PreparePrefillRequest(completionRequest)

	pbody, err := json.Marshal(prefillRequest)
	if err != nil {
		return nil, &DispatchError{Leg: LegPrefill, Err: err}
	}
	preq := cloneRequestWithBody(r, pbody)
	preq = preq.WithContext(ctx)
	e.dispatcher.propagator.Inject(ctx, propagation.HeaderCarrier(preq.Header))

	prefillHandler, err := e.dispatcher.proxyManager.PrefillerProxyHandler(target, logger)
	if err != nil {
		return nil, &DispatchError{Leg: LegPrefill, Err: err}
	}

	logger.V(4).Info("sending prefill request", "to", target)
	pw := &BufferedResponseWriter{}
	start := time.Now()
	prefillHandler.ServeHTTP(pw, preq)
	duration := time.Since(start)

	result := &PrefillResult{
		StatusCode: pw.StatusCode(),
		Duration:   duration,
		Body:       pw.Body(),
		Bytes:      len(pw.Body()),
	}

	if ctx.Err() != nil {
		return result, &DispatchError{Leg: LegPrefill, Cancelled: true, Err: ctx.Err()}
	}
	if isHTTPError(pw.StatusCode()) {
		return result, &DispatchError{Leg: LegPrefill, StatusCode: pw.StatusCode()}
	}

	var prefillResponse map[string]any
	if err := json.Unmarshal([]byte(pw.Body()), &prefillResponse); err != nil {
		return result, &DispatchError{Leg: LegPrefill, Err: err}
	}
	result.Response = prefillResponse

	logger.V(4).Info("prefill completed successfully", "duration", duration)
	return result, nil
}

// DecodeResult reports the decode leg's status and round-trip duration.
type DecodeResult struct {
	StatusCode int
	Duration   time.Duration
}

// DispatchDecode sends the decode request and forwards the response to w.
// When prefillResponse is non-nil the request is rewritten through the
// connector's builder to reference the prefill-generated state; in decode-only
// mode the original request passes through untouched. For streaming requests
// onFirstChunk fires when the first body data reaches the client-facing
// buffer.
func (e *Exchange) DispatchDecode(ctx context.Context, w http.ResponseWriter, r *http.Request, completionRequest, prefillResponse map[string]any, streaming bool, onFirstChunk func(), logger logr.Logger) (*DecodeResult, error) {
	decodeRequest := completionRequest
	if prefillResponse != nil {
		decodeRequest = e.builder.PrepareDecodeRequest(completionRequest, prefillResponse)
	}

	dbody, err := json.Marshal(decodeRequest)
	if err != nil {
		return nil, &DispatchError{Leg: LegDecode, Err: err}
	}
	dreq := cloneRequestWithBody(r, dbody)
	dreq = dreq.WithContext(ctx)
	e.dispatcher.propagator.Inject(ctx, propagation.HeaderCarrier(dreq.Header))

	flusher, ok := w.(FlushableResponseWriter)
	if !ok {
		return nil, &DispatchError{Leg: LegDecode, Err: fmt.Errorf("response writer does not support flushing")}
	}
	bw := NewResponseWriterWithBuffer(flusher)

	logger.V(4).Info("sending decode request")
	start := time.Now()

	// Run ServeHTTP in a goroutine so the first body chunk can be observed
	// while the rest of the response is still streaming.
	done := make(chan struct{})
	var aborted bool
	go func() {
		defer close(done)
		// ReverseProxy panics with http.ErrAbortHandler when it cannot copy
		// the response to the client, which is the normal outcome of a client
		// disconnect mid-stream. Only an http.Server-managed goroutine
		// recovers that panic, so this goroutine must swallow it itself or it
		// takes down the whole process.
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				aborted = true
				return
			}
			panic(rec)
		}()
		e.dispatcher.proxyManager.DecoderProxy.ServeHTTP(bw, dreq)
	}()

	// Wait for either:
	// - FirstChunkReady(): first body data is available in buffer
	// - done: request completed (possibly with no body, e.g., error response)
	select {
	case <-bw.FirstChunkReady():
	case <-done:
		logger.V(4).Info("decode completed without streamed body data")
	}

	statusCode := bw.GetStatusCode()
	if streaming && onFirstChunk != nil && !isHTTPError(statusCode) {
		onFirstChunk()
	}

	if err := bw.FlushBufferAndGoDirect(); err != nil {
		logger.Error(err, "failed to flush decode response to client")
	}
	<-done
	duration := time.Since(start)

	result := &DecodeResult{
		StatusCode: statusCode,
		Duration:   duration,
	}

	if ctx.Err() != nil || aborted {
		return result, &DispatchError{Leg: LegDecode, Cancelled: true, Err: ctx.Err()}
	}
	if isHTTPError(statusCode) {
		return result, &DispatchError{Leg: LegDecode, StatusCode: statusCode}
	}

	logger.V(4).Info("decode completed successfully", "duration", duration)
	return result, nil
}

func isHTTPError(statusCode int) bool {
	return statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices
}

func cloneRequestWithBody(r *http.Request, body []byte) *http.Request {
	cloned := r.Clone(r.Context())
	cloned.Body = io.NopCloser(bytes.NewReader(body))
	cloned.ContentLength = int64(len(body))
	return cloned
}
