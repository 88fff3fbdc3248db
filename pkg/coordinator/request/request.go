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

// Package request defines the per-request state tracked by the coordinator.
//
// A Context is created on admission, populated incrementally as the request
// moves through the gate, prefill and decode legs, and discarded once the
// response is fully sent and telemetry is finalized. It is confined to the
// goroutine serving the request; no locking is required.
package request

import "time"

// Decision is the disaggregation routing decision for a request.
type Decision string

const (
	// DecisionNotEvaluated means the gate has not run yet.
	DecisionNotEvaluated Decision = "not_evaluated"

	// DecisionDecodeOnly routes the request straight to the decode worker,
	// skipping the prefill leg entirely.
	DecisionDecodeOnly Decision = "decode_only"

	// DecisionPrefillDecode runs the full prefill-then-decode workflow.
	DecisionPrefillDecode Decision = "prefill_decode"
)

// String returns the string representation of the Decision.
func (d Decision) String() string {
	return string(d)
}

// Outcome is the terminal disposition of a request.
type Outcome string

const (
	// OutcomeUnset means the request has not finalized yet.
	OutcomeUnset Outcome = ""

	// OutcomeSuccess means the response was fully delivered.
	OutcomeSuccess Outcome = "success"

	// OutcomeGateError means routing could not be decided.
	OutcomeGateError Outcome = "gate_error"

	// OutcomePrefillError means the prefill leg failed. The decode leg is
	// never attempted after a prefill failure.
	OutcomePrefillError Outcome = "prefill_error"

	// OutcomeDecodeError means the decode leg failed.
	OutcomeDecodeError Outcome = "decode_error"

	// OutcomeCancelled means the caller withdrew the request while a leg was
	// still in flight.
	OutcomeCancelled Outcome = "cancelled"
)

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	return string(o)
}

// Timestamps holds the wall-clock instants captured at each lifecycle point.
// A zero value means the instant was never reached (e.g. no prefill leg in
// decode-only mode) and must not be treated as the epoch.
type Timestamps struct {
	Received          time.Time
	PrefillDispatched time.Time
	PrefillResponded  time.Time
	DecodeDispatched  time.Time
	FirstToken        time.Time
	Completed         time.Time
}

// Context is the per-request state of the coordinator.
type Context struct {
	// ID correlates the prefill and decode legs and all emitted spans.
	// Taken from the x-request-id header when present, generated otherwise.
	ID string

	Model     string
	Streaming bool

	// InputSizeBytes is the size of the inbound request body, used by the
	// disaggregation gate as a proxy for prompt length.
	InputSizeBytes int

	// CacheHitRatio is the scorer-supplied prefix-cache hit ratio for the
	// decode target. nil means unknown, which the gate treats differently
	// from 0.0.
	CacheHitRatio *float64

	// ConnectorKind identifies the KV-transfer protocol used for the
	// prefill/decode hand-off, fixed for the lifetime of the request.
	ConnectorKind string

	// PrefillTarget is the prefill worker host:port selected by the gateway,
	// empty when the gateway provided none.
	PrefillTarget string

	Decision Decision
	Outcome  Outcome

	Timestamps Timestamps
}

// New creates a Context with the received timestamp set to now.
func New(id string) *Context {
	return &Context{
		ID:       id,
		Decision: DecisionNotEvaluated,
		Timestamps: Timestamps{
			Received: time.Now(),
		},
	}
}

// SetDecision records the gate's decision. The first decision wins; the gate
// runs exactly once per request, so a second call indicates a bug and is
// ignored rather than overwriting the routing record.
func (c *Context) SetDecision(d Decision) {
	if c.Decision == DecisionNotEvaluated {
		c.Decision = d
	}
}

// SetOutcome records the terminal outcome. Set-once for the same reason as
// SetDecision: error paths may race the deferred finalizer, and the first
// attribution is the accurate one.
func (c *Context) SetOutcome(o Outcome) {
	if c.Outcome == OutcomeUnset {
		c.Outcome = o
	}
}

// MarkPrefillDispatched records the instant the prefill leg was sent.
func (c *Context) MarkPrefillDispatched() {
	if c.Timestamps.PrefillDispatched.IsZero() {
		c.Timestamps.PrefillDispatched = time.Now()
	}
}

// MarkPrefillResponded records the instant the prefill response arrived.
func (c *Context) MarkPrefillResponded() {
	if c.Timestamps.PrefillResponded.IsZero() {
		c.Timestamps.PrefillResponded = time.Now()
	}
}

// MarkDecodeDispatched records the instant the decode leg was sent.
func (c *Context) MarkDecodeDispatched() {
	if c.Timestamps.DecodeDispatched.IsZero() {
		c.Timestamps.DecodeDispatched = time.Now()
	}
}

// MarkFirstToken records the instant the first generated content was observed.
func (c *Context) MarkFirstToken() {
	if c.Timestamps.FirstToken.IsZero() {
		c.Timestamps.FirstToken = time.Now()
	}
}

// MarkCompleted records the instant the response was fully sent (or the
// request failed terminally).
func (c *Context) MarkCompleted() {
	if c.Timestamps.Completed.IsZero() {
		c.Timestamps.Completed = time.Now()
	}
}
