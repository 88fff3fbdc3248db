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

// Package mock provides mock prefill and decode workers for coordinator tests.
package mock

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Role identifies which worker a mock handler stands in for.
type Role string

const (
	// RolePrefill mocks a prefill worker.
	RolePrefill Role = "prefill"

	// RoleDecode mocks a decode worker.
	RoleDecode Role = "decode"
)

// ChatCompletionHandler is a mock handler for the OpenAI chat completions API.
// It records every request body and header set it receives, verifies the
// connector hand-off fields for its role, and answers with a canned response.
type ChatCompletionHandler struct {
	Connector string
	Role      Role

	// FailWithStatus, when non-zero, makes the handler answer every request
	// with that status code instead of a completion.
	FailWithStatus int

	// HoldStreamOpen makes a streamed response block after the first chunk
	// until the request is cancelled, to exercise client disconnects.
	HoldStreamOpen bool

	RequestCount        atomic.Int32
	CompletionRequests  []map[string]any
	CompletionResponses []map[string]any
	RequestHeaders      []http.Header

	mu sync.Mutex
}

func (ch *ChatCompletionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch.RequestCount.Add(1)

	ch.mu.Lock()
	ch.RequestHeaders = append(ch.RequestHeaders, r.Header.Clone())
	ch.mu.Unlock()

	if ch.FailWithStatus != 0 {
		w.WriteHeader(ch.FailWithStatus)
		w.Write([]byte(`{"object":"error","message":"injected failure"}`)) //nolint:all
		return
	}

	defer r.Body.Close() //nolint:all
	b, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(err.Error())) //nolint:all
		return
	}

	var completionRequest map[string]any
	if err := json.Unmarshal(b, &completionRequest); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(err.Error())) //nolint:all
		return
	}

	ch.mu.Lock()
	ch.CompletionRequests = append(ch.CompletionRequests, completionRequest)
	ch.mu.Unlock()

	var rawResponse string

	switch ch.Connector {
	case "nixlv2":
		switch ch.Role {
		case RoleDecode:
			if stream, ok := completionRequest["stream"].(bool); ok && stream {
				ch.serveStream(w, r)
				return
			}
			rawResponse = `{"id":"chatcmpl-abc123","object":"chat.completion","created":1699000000,"choices":[{"index":0,"message":{"role":"assistant","content":"Hello! How can I help you today?"},"finish_reason":"stop"}]}`
		case RolePrefill:
			// 1. Verify Prefill Request
			kvTransferParams, ok := completionRequest["kv_transfer_params"]

			if !ok || kvTransferParams == nil {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected kv_transfer_params:{...}")) //nolint:all
				return
			}
			kvTransferParamsMap, ok := kvTransferParams.(map[string]any)
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected kv_transfer_params:{...}")) //nolint:all
				return
			}

			if v, ok := kvTransferParamsMap["do_remote_decode"]; !ok || !v.(bool) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected do_remote_decode:true")) //nolint:all
				return
			}
			if v, ok := kvTransferParamsMap["do_remote_prefill"]; !ok || v.(bool) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected do_remote_prefill:false")) //nolint:all
				return
			}
			if v, ok := kvTransferParamsMap["remote_engine_id"]; !ok || v != nil {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected remote_engine_id:null")) //nolint:all
				return
			}
			if v, ok := kvTransferParamsMap["remote_block_ids"]; !ok || v != nil {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected remote_block_ids:null")) //nolint:all
				return
			}
			if v, ok := kvTransferParamsMap["remote_host"]; !ok || v != nil {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected remote_host:null")) //nolint:all
				return
			}
			if v, ok := kvTransferParamsMap["remote_port"]; !ok || v != nil {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected remote_port:null")) //nolint:all
				return
			}

			if maxTokens, ok := completionRequest["max_tokens"].(float64); !ok || maxTokens != 1 {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("expected max_tokens:1")) //nolint:all
				return
			}

			// 2. Produce Response with kv_transfer_params
			rawResponse = `{"kv_transfer_params":{"remote_block_ids":[1, 2, 3], "remote_engine_id": "5b5fb28f-3f30-4bdd-9a36-958d52459200", "remote_host":"ahost", "remote_port":4032}}`
		}

	case "shared-storage":
		switch ch.Role {
		case RoleDecode:
			if stream, ok := completionRequest["stream"].(bool); ok && stream {
				ch.serveStream(w, r)
				return
			}
			rawResponse = `{"id":"chatcmpl-abc123","object":"chat.completion","created":1699000000,"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}]}`
		case RolePrefill:
			rawResponse = `{}`
		}

	default:
		// Default case for unspecified connector (used for basic tests)
		rawResponse = `{"id":"chatcmpl-default","object":"chat.completion","created":1699000000,"choices":[]}`
	}

	var completionResponse map[string]any
	if err := json.Unmarshal([]byte(rawResponse), &completionResponse); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(err.Error())) //nolint:all
		return
	}

	ch.mu.Lock()
	ch.CompletionResponses = append(ch.CompletionResponses, completionResponse)
	ch.mu.Unlock()

	w.Write([]byte(rawResponse)) //nolint:all
}

// serveStream answers with a small SSE chunk sequence the way a serving
// engine streams a chat completion.
func (ch *ChatCompletionHandler) serveStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	chunks := []string{
		`data: {"id":"chatcmpl-abc123","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-abc123","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"!"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}
	flusher, _ := w.(http.Flusher)
	for i, chunk := range chunks {
		w.Write([]byte(chunk + "\n\n")) //nolint:all
		if flusher != nil {
			flusher.Flush()
		}
		if i == 0 && ch.HoldStreamOpen {
			<-r.Context().Done()
			return
		}
	}
}
