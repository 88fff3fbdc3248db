// Package common contains items common to both the
// Gateway/Scheduler and the P/D Request Coordinator
//
//revive:disable:var-naming
package common

import "strings"

const (
	// PrefillPodHeader is the header name used to indicate Prefill worker <ip:port>
	PrefillPodHeader = "x-prefiller-host-port"

	// CacheHitRatioHeader carries the prefix-cache hit ratio (0.0-1.0) computed
	// by the gateway's scorer for the selected decode worker. Absent when the
	// scorer has no cache state for this request, which is distinct from 0.0.
	CacheHitRatioHeader = "x-cache-hit-ratio"

	// RequestIDHeader is used to correlate the prefill and decode legs of a
	// request with the gateway's own records.
	RequestIDHeader = "x-request-id"
)

// StripScheme removes http:// or https:// prefix from endpoint URL
// This is useful for clients that expect host:port format only
func StripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}
