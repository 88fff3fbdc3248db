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

// Package timing computes coordinator-level derived metrics from the
// lifecycle timestamps of a single request.
//
// These are the timings no single worker can observe locally: true TTFT
// includes prefill and coordination time, not just the decode engine's own
// first-token latency. KV-cache transfer happens inside the decode engine and
// is therefore attributed to decode duration, never to coordinator overhead.
package timing

import (
	"time"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/request"
)

// Millis is an optional duration in milliseconds. Present is false when the
// inputs needed to compute the value were never captured (e.g. prefill
// duration in decode-only mode); an absent metric is not zero.
type Millis struct {
	Value   float64
	Present bool
}

func millis(d time.Duration) Millis {
	return Millis{Value: float64(d.Nanoseconds()) / 1e6, Present: true}
}

// DerivedMetrics holds the coordinator-level timings computed once per
// completed request. Never mutated after computation.
type DerivedMetrics struct {
	// TrueTTFT is the time from request receipt to the first generated
	// content, including prefill and coordination time.
	TrueTTFT Millis

	// TotalDuration is receipt to completion.
	TotalDuration Millis

	// PrefillDuration is the prefill leg HTTP round-trip. Absent in
	// decode-only mode.
	PrefillDuration Millis

	// DecodeDuration is decode dispatch to completion, including in-engine
	// KV-cache transfer time.
	DecodeDuration Millis

	// CoordinatorOverhead is total minus prefill and decode durations:
	// coordinator-side JSON parsing, parameter rewriting and dispatch cost.
	// Clamped at zero.
	CoordinatorOverhead Millis

	// NegativeOverheadObserved is set when the raw overhead was negative
	// before clamping. This indicates clock skew or mis-ordered timestamps
	// and is worth surfacing rather than silently correcting.
	NegativeOverheadObserved bool
}

// Compute derives metrics from a timestamp set. Pure: it never mutates its
// input, and computing twice over the same timestamps yields identical
// results. Missing timestamps yield absent metrics, never zeros or negatives.
func Compute(ts request.Timestamps) DerivedMetrics {
	var m DerivedMetrics

	if ts.Received.IsZero() || ts.Completed.IsZero() {
		// Without both endpoints nothing downstream is meaningful.
		return m
	}
	m.TotalDuration = millis(ts.Completed.Sub(ts.Received))

	// First generated content: the first streamed chunk when streaming, the
	// full response otherwise.
	switch {
	case !ts.FirstToken.IsZero():
		m.TrueTTFT = millis(ts.FirstToken.Sub(ts.Received))
	default:
		m.TrueTTFT = m.TotalDuration
	}
	if m.TrueTTFT.Value > m.TotalDuration.Value {
		// FirstToken recorded after Completed can only happen with a
		// non-monotonic clock; cap to keep TTFT <= total.
		m.TrueTTFT = m.TotalDuration
	}

	if !ts.PrefillDispatched.IsZero() && !ts.PrefillResponded.IsZero() {
		m.PrefillDuration = millis(ts.PrefillResponded.Sub(ts.PrefillDispatched))
	}

	if !ts.DecodeDispatched.IsZero() {
		m.DecodeDuration = millis(ts.Completed.Sub(ts.DecodeDispatched))
	}

	overhead := m.TotalDuration.Value
	if m.PrefillDuration.Present {
		overhead -= m.PrefillDuration.Value
	}
	if m.DecodeDuration.Present {
		overhead -= m.DecodeDuration.Value
	}
	if overhead < 0 {
		m.NegativeOverheadObserved = true
		overhead = 0
	}
	m.CoordinatorOverhead = Millis{Value: overhead, Present: true}

	return m
}
