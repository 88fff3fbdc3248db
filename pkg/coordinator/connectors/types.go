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

// Package connectors implements the KV-transfer protocols used to hand off
// prefill output to a decode worker.
//
// The set of connector kinds is closed and known at build time; each kind
// differs only in how the prefill request is prepared and how the hand-off
// handle (kv_transfer_params) is threaded into the decode request. The
// orchestrator is agnostic to which kind is active.
package connectors

import (
	"fmt"
	"strings"
)

// Kind identifies a KV-transfer protocol between prefill and decode workers.
type Kind string

const (
	// KindNIXLV2 enables the P/D NIXL v2 protocol
	KindNIXLV2 Kind = "nixlv2"

	// KindSharedStorage enables (now deprecated) P/D Shared Storage protocol
	KindSharedStorage Kind = "shared-storage"
)

// allKinds contains all supported connector kinds.
var allKinds = []Kind{
	KindNIXLV2,
	KindSharedStorage,
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Validate returns an error if the kind is not supported.
func (k Kind) Validate() error {
	switch k {
	case KindNIXLV2, KindSharedStorage:
		return nil
	default:
		return fmt.Errorf("invalid connector %q: must be one of: %s", k, AllKindStrings())
	}
}

// AllKindStrings returns a comma-separated string of all supported connector
// kinds. Useful for CLI help messages.
func AllKindStrings() string {
	strs := make([]string, len(allKinds))
	for i, k := range allKinds {
		strs[i] = k.String()
	}
	return strings.Join(strs, ", ")
}

type (
	// RequestBuilderFactory creates RequestBuilder instances for a specific
	// connector protocol. Builders are stateful across the two legs of one
	// request, so each request gets a fresh instance.
	RequestBuilderFactory interface {
		New() RequestBuilder
	}

	// RequestBuilder prepares requests for prefill and decode phases according
	// to a specific connector protocol (e.g., NIXL v2, Shared Storage).
	RequestBuilder interface {
		PreparePrefillRequest(completionRequest map[string]any) map[string]any
		PrepareDecodeRequest(completionRequest map[string]any, prefillResponse map[string]any) map[string]any
	}
)

// builderFactoryFor maps a validated kind to its request builder factory.
func builderFactoryFor(kind Kind) RequestBuilderFactory {
	switch kind {
	case KindNIXLV2:
		return &NIXLV2RequestBuilderFactory{}
	default:
		return &DefaultRequestBuilderFactory{}
	}
}
