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

package proxy_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/common"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/connectors"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/gate"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/keys"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/proxy"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/coordinator/request"
	coordinatormetrics "github.com/llm-d/llm-d-pd-coordinator/pkg/metrics/coordinator"
	"github.com/llm-d/llm-d-pd-coordinator/pkg/telemetry"

	"github.com/llm-d/llm-d-pd-coordinator/test/mock"
	. "github.com/onsi/ginkgo/v2" // nolint:revive
	. "github.com/onsi/gomega"    // nolint:revive
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

type coordinatorTestInfo struct {
	ctx            context.Context
	cancelFn       context.CancelFunc
	stoppedCh      chan struct{}
	decodeBackend  *httptest.Server
	decodeHandler  *mock.ChatCompletionHandler
	prefillBackend *httptest.Server
	prefillHandler *mock.ChatCompletionHandler
	decodeURL      *url.URL
	proxy          *proxy.Server
}

func newTestContext() context.Context {
	logger := zap.New(
		zap.WriteTo(GinkgoWriter),
		zap.UseDevMode(true),
	)
	log.SetLogger(logger)
	ctx := context.Background()
	return log.IntoContext(ctx, logger)
}

func coordinatorTestSetup(kind connectors.Kind) *coordinatorTestInfo {
	testInfo := coordinatorTestInfo{}

	testInfo.ctx = newTestContext()
	testInfo.ctx, testInfo.cancelFn = context.WithCancel(testInfo.ctx)
	testInfo.stoppedCh = make(chan struct{})

	// Decoder
	testInfo.decodeHandler = &mock.ChatCompletionHandler{
		Connector: kind.String(),
		Role:      mock.RoleDecode,
	}
	testInfo.decodeBackend = httptest.NewServer(testInfo.decodeHandler)
	DeferCleanup(testInfo.decodeBackend.Close)

	// Prefiller
	testInfo.prefillHandler = &mock.ChatCompletionHandler{
		Connector: kind.String(),
		Role:      mock.RolePrefill,
	}
	testInfo.prefillBackend = httptest.NewServer(testInfo.prefillHandler)
	DeferCleanup(testInfo.prefillBackend.Close)

	// Coordinator
	decodeURL, err := url.Parse(testInfo.decodeBackend.URL)
	Expect(err).ToNot(HaveOccurred())
	testInfo.decodeURL = decodeURL

	cfg := proxy.Config{
		Connector: kind,
		Gate: gate.Thresholds{
			HitRatioCutoff:        0.8,
			SmallInputCutoffBytes: 1024,
		},
	}
	testInfo.proxy, err = proxy.NewProxy("0", decodeURL, cfg, telemetry.NewNoop()) // port 0 to automatically choose one that's available.
	Expect(err).ToNot(HaveOccurred())

	return &testInfo
}

func (ti *coordinatorTestInfo) start(validator *proxy.AllowlistValidator) string {
	go func() {
		defer GinkgoRecover()

		err := ti.proxy.Start(ti.ctx, nil, validator)
		Expect(err).ToNot(HaveOccurred())

		ti.stoppedCh <- struct{}{}
	}()

	time.Sleep(1 * time.Second)
	Expect(ti.proxy.Addr()).ToNot(BeNil())
	return "http://" + ti.proxy.Addr().String()
}

func (ti *coordinatorTestInfo) stop() {
	ti.cancelFn()
	<-ti.stoppedCh
}

func (ti *coordinatorTestInfo) prefillHostPort() string {
	return ti.prefillBackend.URL[len("http://"):]
}

// requestsTotal reads the finalized-request counter for one label set.
func requestsTotal(kind connectors.Kind, decision request.Decision, outcome request.Outcome) float64 {
	return testutil.ToFloat64(coordinatormetrics.RequestsTotal.WithLabelValues(
		kind.String(), decision.String(), outcome.String()))
}

// histogramSampleCount reads the observation count of one histogram child.
func histogramSampleCount(vec *prometheus.HistogramVec, labels ...string) uint64 {
	observer, err := vec.GetMetricWithLabelValues(labels...)
	Expect(err).ToNot(HaveOccurred())
	m := &dto.Metric{}
	Expect(observer.(prometheus.Metric).Write(m)).To(Succeed())
	return m.GetHistogram().GetSampleCount()
}

var connectorKinds = []connectors.Kind{connectors.KindSharedStorage, connectors.KindNIXLV2}

var _ = Describe("Coordinator request workflow", func() {

	for _, kind := range connectorKinds {
		When(fmt.Sprintf("running with the %s connector", kind.String()), func() {
			It("should run prefill then decode and restore overridden fields", func() {
				testInfo := coordinatorTestSetup(kind)
				baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
				defer testInfo.stop()

				//nolint:goconst
				body := `{
					"model": "Qwen/Qwen2-0.5B",
					"messages": [
					  {"role": "user", "content": "Hello"}
					],
					"max_tokens": 50,
					"max_completion_tokens": 100
				}`

				req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
				Expect(err).ToNot(HaveOccurred())
				req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

				rp, err := http.DefaultClient.Do(req)
				Expect(err).ToNot(HaveOccurred())

				if rp.StatusCode != 200 {
					bp, _ := io.ReadAll(rp.Body) //nolint:all
					Fail(string(bp))
				}

				By("verifying the prefill leg generated a single token")
				Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 1))
				Expect(testInfo.prefillHandler.CompletionRequests).To(HaveLen(1))
				prefillReq := testInfo.prefillHandler.CompletionRequests[0]
				Expect(prefillReq).To(HaveKeyWithValue(keys.RequestFieldMaxTokens, BeNumerically("==", 1)))
				Expect(prefillReq).To(HaveKeyWithValue(keys.RequestFieldMaxCompletionTokens, BeNumerically("==", 1)))

				By("verifying the decode leg got the original limits back")
				Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 1))
				Expect(testInfo.decodeHandler.CompletionRequests).To(HaveLen(1))
				decodeReq := testInfo.decodeHandler.CompletionRequests[0]
				Expect(decodeReq).To(HaveKeyWithValue(keys.RequestFieldMaxTokens, BeNumerically("==", 50)))
				Expect(decodeReq).To(HaveKeyWithValue(keys.RequestFieldMaxCompletionTokens, BeNumerically("==", 100)))

				By("verifying the timing headers are reported")
				Expect(rp.Header.Get(keys.ResponseHeaderPrefillDurationMs)).ToNot(BeEmpty())
				Expect(rp.Header.Get(keys.ResponseHeaderTrueTTFTMs)).ToNot(BeEmpty())
				Expect(rp.Header.Get(keys.ResponseHeaderPrefillPodURL)).To(Equal(testInfo.prefillHostPort()))
			})
		})
	}

	When("the scorer reports a cache hit above the cutoff", func() {
		It("should skip the prefill leg for small inputs", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}], "max_tokens": 50}`

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())
			req.Header.Add(common.CacheHitRatioHeader, "0.95")

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusOK))

			Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 0))
			Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 1))

			By("verifying the decode request passed through untouched")
			decodeReq := testInfo.decodeHandler.CompletionRequests[0]
			Expect(decodeReq).To(HaveKeyWithValue(keys.RequestFieldMaxTokens, BeNumerically("==", 50)))
			Expect(decodeReq).ToNot(HaveKey(keys.RequestFieldKVTransferParams))

			By("verifying no prefill timing is reported")
			Expect(rp.Header.Get(keys.ResponseHeaderPrefillDurationMs)).To(BeEmpty())
			Expect(rp.Header.Get(keys.ResponseHeaderTrueTTFTMs)).ToNot(BeEmpty())
		})
	})

	When("the scorer reports a cache hit below the cutoff", func() {
		It("should run the prefill leg", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}]}`

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())
			req.Header.Add(common.CacheHitRatioHeader, "0.2")

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusOK))

			Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 1))
			Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 1))
		})
	})

	When("no prefill worker is provided", func() {
		It("should serve decode-only", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}]}`

			rp, err := http.Post(baseAddr+proxy.ChatCompletionsPath, "application/json", strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusOK))

			Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 0))
			Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 1))
		})
	})

	When("the prefill worker fails", func() {
		It("should relay the failure and never dispatch decode", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			testInfo.prefillHandler.FailWithStatus = http.StatusInternalServerError
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}]}`

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())

			Expect(rp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 1))
			Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 0))
		})
	})

	When("the inbound request carries an unsampled traceparent", func() {
		It("should propagate the trace context to both workers", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}]}`

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())
			req.Header.Add("traceparent", "00-"+traceID+"-00f067aa0ba902b7-00")

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusOK))

			Expect(testInfo.prefillHandler.RequestHeaders).To(HaveLen(1))
			Expect(testInfo.prefillHandler.RequestHeaders[0].Get("traceparent")).To(ContainSubstring(traceID))

			Expect(testInfo.decodeHandler.RequestHeaders).To(HaveLen(1))
			Expect(testInfo.decodeHandler.RequestHeaders[0].Get("traceparent")).To(ContainSubstring(traceID))
		})
	})

	When("the client requests a streamed completion", func() {
		It("should relay the SSE stream untouched", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}], "stream": true}`

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusOK))
			Expect(rp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			b, err := io.ReadAll(rp.Body)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(b)).To(ContainSubstring("chat.completion.chunk"))
			Expect(string(b)).To(ContainSubstring("data: [DONE]"))

			By("verifying the prefill leg was not streamed")
			Expect(testInfo.prefillHandler.CompletionRequests).To(HaveLen(1))
			Expect(testInfo.prefillHandler.CompletionRequests[0]).To(HaveKeyWithValue(keys.RequestFieldStream, BeFalse()))
		})
	})

	When("the client disconnects while the decode stream is open", func() {
		It("should finalize with a cancelled outcome and keep serving", func() {
			kind := connectors.KindNIXLV2
			testInfo := coordinatorTestSetup(kind)
			testInfo.decodeHandler.HoldStreamOpen = true
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			cancelledBefore := requestsTotal(kind, request.DecisionPrefillDecode, request.OutcomeCancelled)
			decodeObservedBefore := histogramSampleCount(coordinatormetrics.DecodeDurationMilliseconds, kind.String())

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}], "stream": true}`

			clientCtx, disconnect := context.WithCancel(context.Background())
			defer disconnect()
			req, err := http.NewRequestWithContext(clientCtx, http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusOK))

			By("reading the first chunk, then walking away mid-stream")
			buf := make([]byte, 64)
			_, err = rp.Body.Read(buf)
			Expect(err).ToNot(HaveOccurred())
			disconnect()

			By("verifying the request still finalized with a cancelled outcome")
			Eventually(func() float64 {
				return requestsTotal(kind, request.DecisionPrefillDecode, request.OutcomeCancelled)
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(cancelledBefore + 1))

			By("verifying the decode stage duration was still observed")
			Expect(histogramSampleCount(coordinatormetrics.DecodeDurationMilliseconds, kind.String())).
				To(Equal(decodeObservedBefore + 1))

			By("verifying the coordinator survives the disconnect and serves the next request")
			followUp := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello again"}]}`
			req2, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(followUp))
			Expect(err).ToNot(HaveOccurred())
			req2.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

			rp2, err := http.DefaultClient.Do(req2)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp2.StatusCode).To(Equal(http.StatusOK))
		})
	})

	When("the request body is not valid JSON", func() {
		It("should respond with 400 without dispatching", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			baseAddr := testInfo.start(proxy.NewDisabledAllowlistValidator())
			defer testInfo.stop()

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader("{not json"))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusBadRequest))

			Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 0))
			Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 0))
		})
	})

	When("SSRF protection is enabled", func() {
		It("should reject a prefill target missing from the allowlist", func() {
			testInfo := coordinatorTestSetup(connectors.KindNIXLV2)
			validator := proxy.NewAllowlistValidator(true, []string{"allowed-host:1234"})
			baseAddr := testInfo.start(validator)
			defer testInfo.stop()

			body := `{"model": "Qwen/Qwen2-0.5B", "messages": [{"role": "user", "content": "Hello"}]}`

			req, err := http.NewRequest(http.MethodPost, baseAddr+proxy.ChatCompletionsPath, strings.NewReader(body))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Add(common.PrefillPodHeader, testInfo.prefillHostPort())

			rp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(rp.StatusCode).To(Equal(http.StatusForbidden))

			Expect(testInfo.prefillHandler.RequestCount.Load()).To(BeNumerically("==", 0))
			Expect(testInfo.decodeHandler.RequestCount.Load()).To(BeNumerically("==", 0))
		})
	})
})

var _ = Describe("NewProxy", func() {
	It("should reject invalid gate thresholds", func() {
		decodeURL, err := url.Parse("http://localhost:8001")
		Expect(err).ToNot(HaveOccurred())

		cfg := proxy.Config{
			Connector: connectors.KindNIXLV2,
			Gate:      gate.Thresholds{HitRatioCutoff: 1.5},
		}
		_, err = proxy.NewProxy("0", decodeURL, cfg, telemetry.NewNoop())
		Expect(err).To(HaveOccurred())
	})

	It("should reject an unknown connector", func() {
		decodeURL, err := url.Parse("http://localhost:8001")
		Expect(err).ToNot(HaveOccurred())

		cfg := proxy.Config{Connector: connectors.Kind("bogus")}
		_, err = proxy.NewProxy("0", decodeURL, cfg, telemetry.NewNoop())
		Expect(err).To(HaveOccurred())
	})
})
