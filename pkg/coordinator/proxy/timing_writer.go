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
	"fmt"
	"net/http"
	"time"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/keys"
)

// timingResponseWriter wraps http.ResponseWriter to inject coordinator timing
// headers into the response. The gateway's latency predictor trains on these:
// the prefill round-trip happens inside the coordinator and is not directly
// visible to the gateway otherwise.
//
// Headers must be set before the first body write, so WriteHeader and Write
// are both intercepted. The true-TTFT header is computed at header-write time,
// which for streamed responses coincides with the first chunk reaching the
// client.
type timingResponseWriter struct {
	http.ResponseWriter
	receivedAt        time.Time
	prefillDurationMs float64
	prefillPodHost    string
	hasPrefill        bool
	headersWritten    bool
}

// WriteHeader injects the timing headers before the status code is written.
func (w *timingResponseWriter) WriteHeader(statusCode int) {
	if !w.headersWritten {
		ttftMs := float64(time.Since(w.receivedAt).Nanoseconds()) / 1e6
		w.Header().Set(keys.ResponseHeaderTrueTTFTMs, fmt.Sprintf("%.2f", ttftMs))
		if w.hasPrefill {
			w.Header().Set(keys.ResponseHeaderPrefillDurationMs, fmt.Sprintf("%.2f", w.prefillDurationMs))
			w.Header().Set(keys.ResponseHeaderPrefillPodURL, w.prefillPodHost)
		}
		w.headersWritten = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write ensures headers are written before body content, covering handlers
// that never call WriteHeader explicitly.
func (w *timingResponseWriter) Write(b []byte) (int, error) {
	if !w.headersWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher to keep SSE responses streaming.
func (w *timingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
