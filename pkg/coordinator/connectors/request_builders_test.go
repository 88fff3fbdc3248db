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

package connectors_test

import (
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/connectors"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/keys"
	. "github.com/onsi/ginkgo/v2" //nolint:revive
	. "github.com/onsi/gomega"    //nolint:revive
)

var _ = Describe("DefaultRequestBuilder", func() {
	var factory *connectors.DefaultRequestBuilderFactory

	BeforeEach(func() {
		factory = &connectors.DefaultRequestBuilderFactory{}
	})

	Describe("PreparePrefillRequest", func() {
		It("should set stream=false, max_tokens=1, max_completion_tokens=1 and remove stream_options", func() {
			original := map[string]any{
				"model":                              "test-model",
				keys.RequestFieldStream:              true,
				keys.RequestFieldStreamOptions:       map[string]any{"include_usage": true},
				keys.RequestFieldMaxTokens:           50,
				keys.RequestFieldMaxCompletionTokens: 100,
			}

			builder := factory.New()
			prefill := builder.PreparePrefillRequest(original)

			Expect(prefill[keys.RequestFieldStream]).To(BeFalse())
			Expect(prefill[keys.RequestFieldMaxTokens]).To(Equal(1))
			Expect(prefill[keys.RequestFieldMaxCompletionTokens]).To(Equal(1))
			Expect(prefill).ToNot(HaveKey(keys.RequestFieldStreamOptions))
			Expect(prefill["model"]).To(Equal("test-model"))
		})

		It("should not modify the original request", func() {
			original := map[string]any{
				"model":                              "test-model",
				keys.RequestFieldStream:              true,
				keys.RequestFieldStreamOptions:       map[string]any{"include_usage": true},
				keys.RequestFieldMaxTokens:           50,
				keys.RequestFieldMaxCompletionTokens: 100,
			}

			builder := factory.New()
			builder.PreparePrefillRequest(original)

			Expect(original[keys.RequestFieldStream]).To(BeTrue())
			Expect(original[keys.RequestFieldMaxTokens]).To(Equal(50))
			Expect(original[keys.RequestFieldMaxCompletionTokens]).To(Equal(100))
			Expect(original).To(HaveKey(keys.RequestFieldStreamOptions))
		})
	})

	Describe("PrepareDecodeRequest", func() {
		It("should restore the fields the prefill leg overrode", func() {
			original := map[string]any{
				"model":                              "test-model",
				keys.RequestFieldStream:              true,
				keys.RequestFieldStreamOptions:       map[string]any{"include_usage": true},
				keys.RequestFieldMaxTokens:           50,
				keys.RequestFieldMaxCompletionTokens: 100,
			}

			builder := factory.New()
			builder.PreparePrefillRequest(original)
			decode := builder.PrepareDecodeRequest(original, map[string]any{})

			Expect(decode[keys.RequestFieldStream]).To(BeTrue())
			Expect(decode[keys.RequestFieldStreamOptions]).To(HaveKeyWithValue("include_usage", true))
			Expect(decode[keys.RequestFieldMaxTokens]).To(Equal(50))
			Expect(decode[keys.RequestFieldMaxCompletionTokens]).To(Equal(100))
		})

		It("should drop fields that were absent in the original request", func() {
			original := map[string]any{
				"model": "test-model",
			}

			builder := factory.New()
			builder.PreparePrefillRequest(original)
			decode := builder.PrepareDecodeRequest(original, map[string]any{})

			Expect(decode).ToNot(HaveKey(keys.RequestFieldStream))
			Expect(decode).ToNot(HaveKey(keys.RequestFieldStreamOptions))
			Expect(decode).ToNot(HaveKey(keys.RequestFieldMaxTokens))
			Expect(decode).ToNot(HaveKey(keys.RequestFieldMaxCompletionTokens))
		})
	})
})

var _ = Describe("NIXLV2RequestBuilder", func() {
	var factory *connectors.NIXLV2RequestBuilderFactory

	BeforeEach(func() {
		factory = &connectors.NIXLV2RequestBuilderFactory{}
	})

	Describe("PreparePrefillRequest", func() {
		It("should request remote decode with cleared hand-off fields", func() {
			original := map[string]any{
				"model":                    "test-model",
				keys.RequestFieldStream:    true,
				keys.RequestFieldMaxTokens: 50,
			}

			builder := factory.New()
			prefill := builder.PreparePrefillRequest(original)

			Expect(prefill).To(HaveKey(keys.RequestFieldKVTransferParams))
			params, ok := prefill[keys.RequestFieldKVTransferParams].(map[string]any)
			Expect(ok).To(BeTrue())

			Expect(params).To(HaveKeyWithValue(keys.RequestFieldDoRemoteDecode, true))
			Expect(params).To(HaveKeyWithValue(keys.RequestFieldDoRemotePrefill, false))
			Expect(params).To(HaveKeyWithValue(keys.RequestFieldRemoteEngineID, BeNil()))
			Expect(params).To(HaveKeyWithValue(keys.RequestFieldRemoteBlockIDs, BeNil()))
			Expect(params).To(HaveKeyWithValue(keys.RequestFieldRemoteHost, BeNil()))
			Expect(params).To(HaveKeyWithValue(keys.RequestFieldRemotePort, BeNil()))

			Expect(prefill[keys.RequestFieldStream]).To(BeFalse())
			Expect(prefill[keys.RequestFieldMaxTokens]).To(Equal(1))
		})
	})

	Describe("PrepareDecodeRequest", func() {
		It("should carry the prefill response's kv_transfer_params into the decode request", func() {
			original := map[string]any{
				"model":                    "test-model",
				keys.RequestFieldStream:    true,
				keys.RequestFieldMaxTokens: 50,
			}
			prefillResponse := map[string]any{
				keys.RequestFieldKVTransferParams: map[string]any{
					keys.RequestFieldRemoteBlockIDs: []any{1.0, 2.0, 3.0},
					keys.RequestFieldRemoteEngineID: "5b5fb28f-3f30-4bdd-9a36-958d52459200",
					keys.RequestFieldRemoteHost:     "ahost",
					keys.RequestFieldRemotePort:     4032.0,
				},
			}

			builder := factory.New()
			builder.PreparePrefillRequest(original)
			decode := builder.PrepareDecodeRequest(original, prefillResponse)

			Expect(decode[keys.RequestFieldKVTransferParams]).To(Equal(prefillResponse[keys.RequestFieldKVTransferParams]))
			Expect(decode[keys.RequestFieldStream]).To(BeTrue())
			Expect(decode[keys.RequestFieldMaxTokens]).To(Equal(50))
		})
	})
})

var _ = Describe("Kind", func() {
	It("should validate supported kinds", func() {
		Expect(connectors.KindNIXLV2.Validate()).To(Succeed())
		Expect(connectors.KindSharedStorage.Validate()).To(Succeed())
	})

	It("should reject unknown kinds", func() {
		Expect(connectors.Kind("lmcache").Validate()).ToNot(Succeed())
		Expect(connectors.Kind("").Validate()).ToNot(Succeed())
	})
})
