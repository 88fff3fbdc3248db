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

// Package gate decides whether a request runs decode-only or through the full
// prefill/decode workflow, based on the scorer-supplied cache hit ratio and
// the input size.
package gate

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/request"
)

// Reason strings recorded on the request span. These are the only record of
// why a routing choice was made for a specific request.
const (
	ReasonCacheRatioUnknown   = "cache_hit_ratio unknown"
	ReasonCacheRatioBelow     = "cache_hit_ratio below threshold"
	ReasonInputAboveCutoff    = "input size above small-input cutoff"
	ReasonCachedAndSmallInput = "cache hit above threshold and input below cutoff"
)

// Thresholds configures the decision gate.
type Thresholds struct {
	// HitRatioCutoff is the minimum cache hit ratio at which prefill becomes
	// redundant. Range [0.0, 1.0].
	HitRatioCutoff float64

	// SmallInputCutoffBytes is the maximum input size for which decode-only
	// routing is considered.
	SmallInputCutoffBytes int
}

// Validate checks the thresholds at startup. A malformed configuration is a
// process-level error, not a per-request failure.
func (t Thresholds) Validate() error {
	if t.HitRatioCutoff < 0 || t.HitRatioCutoff > 1 {
		return fmt.Errorf("hit ratio cutoff %v out of range [0.0, 1.0]", t.HitRatioCutoff)
	}
	if t.SmallInputCutoffBytes < 0 {
		return errors.New("small input cutoff cannot be negative")
	}
	return nil
}

// Gate is the disaggregation decision gate.
type Gate struct {
	thresholds Thresholds
}

// New creates a Gate. Returns an error if the thresholds are invalid.
func New(thresholds Thresholds) (*Gate, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Gate{thresholds: thresholds}, nil
}

// Decide returns the routing decision for a request and the human-readable
// reason behind it.
//
// An unknown cache hit ratio (nil) is conservative: prefill runs, since
// skipping it on unknown cache state could feed decode an empty KV cache.
func (g *Gate) Decide(cacheHitRatio *float64, inputSizeBytes int) (request.Decision, string) {
	if cacheHitRatio == nil {
		return request.DecisionPrefillDecode, ReasonCacheRatioUnknown
	}
	if *cacheHitRatio < g.thresholds.HitRatioCutoff {
		return request.DecisionPrefillDecode, ReasonCacheRatioBelow
	}
	if inputSizeBytes > g.thresholds.SmallInputCutoffBytes {
		return request.DecisionPrefillDecode, ReasonInputAboveCutoff
	}
	return request.DecisionDecodeOnly, ReasonCachedAndSmallInput
}

// RecordDecision attaches the decision and all of its inputs to the request
// span, so every trace carries the full routing rationale.
func (g *Gate) RecordDecision(span trace.Span, reqCtx *request.Context, reason string) {
	attrs := []attribute.KeyValue{
		attribute.String("llm_d.coordinator.decision", reqCtx.Decision.String()),
		attribute.String("llm_d.coordinator.decision_reason", reason),
		attribute.Bool("llm_d.coordinator.disaggregation_used", reqCtx.Decision == request.DecisionPrefillDecode),
		attribute.Int("llm_d.coordinator.input_size_bytes", reqCtx.InputSizeBytes),
		attribute.Float64("llm_d.coordinator.hit_ratio_cutoff", g.thresholds.HitRatioCutoff),
		attribute.Int("llm_d.coordinator.small_input_cutoff_bytes", g.thresholds.SmallInputCutoffBytes),
	}
	if reqCtx.CacheHitRatio != nil {
		attrs = append(attrs, attribute.Float64("llm_d.coordinator.cache_hit_ratio", *reqCtx.CacheHitRatio))
	} else {
		attrs = append(attrs, attribute.Bool("llm_d.coordinator.cache_hit_ratio_unknown", true))
	}
	span.SetAttributes(attrs...)
}
