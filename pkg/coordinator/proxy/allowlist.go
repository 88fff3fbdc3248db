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
	"strings"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/common"
)

// AllowlistValidator provides SSRF protection for prefill dispatch: the
// prefill target arrives in a request header chosen by the gateway, and an
// enabled validator rejects any target outside the configured host set.
type AllowlistValidator struct {
	enabled bool
	allowed map[string]struct{}
}

// NewAllowlistValidator creates a validator from a static list of allowed
// host:port entries. Schemes are stripped so "http://pod:8000" and "pod:8000"
// match the same entry.
func NewAllowlistValidator(enabled bool, hostPorts []string) *AllowlistValidator {
	allowed := make(map[string]struct{}, len(hostPorts))
	for _, hostPort := range hostPorts {
		hostPort = common.StripScheme(strings.TrimSpace(hostPort))
		if hostPort == "" {
			continue
		}
		allowed[hostPort] = struct{}{}
	}
	return &AllowlistValidator{
		enabled: enabled,
		allowed: allowed,
	}
}

// NewDisabledAllowlistValidator creates a validator that allows all targets.
func NewDisabledAllowlistValidator() *AllowlistValidator {
	return &AllowlistValidator{enabled: false}
}

// IsAllowed reports whether the given prefill target may be dispatched to.
func (v *AllowlistValidator) IsAllowed(hostPort string) bool {
	if !v.enabled {
		return true
	}
	_, ok := v.allowed[common.StripScheme(hostPort)]
	return ok
}
