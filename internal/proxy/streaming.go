package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vllm-project/llm-router/internal/logging"
	"github.com/vllm-project/llm-router/internal/metrics"
	"github.com/vllm-project/llm-router/internal/policy"
	"github.com/vllm-project/llm-router/internal/registry"
)

const routedToHeader = "x-vllm-routed-to"

// forward streams the client's request to targetURL and the response back
// to the client verbatim, preserving SSE chunk framing (spec.md §4.6,
// §8 S6). It is a thin wrapper around httputil.ReverseProxy, the same
// library the rest of this codebase's proxy surfaces use: ReverseProxy
// already strips hop-by-hop headers on both legs and, with FlushInterval
// set to -1, flushes every write immediately instead of buffering. The
// proxy's Transport dials with f.connectTimeout so a black-holed backend
// fails fast instead of riding out http.DefaultTransport's 30s default.
func (f *Front) forward(c *gin.Context, targetURL, model string) {
	target, err := url.Parse(targetURL)
	if err != nil {
		f.metrics.RequestsFailedTotal.WithLabelValues(targetURL, string(metrics.FailureConnect)).Inc()
		openAIError(c, http.StatusBadGateway, "upstream_error", "invalid backend URL")
		return
	}

	done := f.tracker.Start(targetURL)
	f.metrics.InflightRequests.WithLabelValues(targetURL).Inc()
	connectStart := time.Now()
	headersSent := false
	aborted := false

	defer func() {
		f.metrics.InflightRequests.WithLabelValues(targetURL).Dec()
		done()
		if aborted {
			f.metrics.ClientAbortedTotal.WithLabelValues(targetURL).Inc()
		}
	}()

	reqID := c.GetHeader(logging.RequestIDHeader)
	if reqID == "" {
		reqID = uuid.New().String()
	}

	rp := &httputil.ReverseProxy{
		FlushInterval: -1,
		Transport:     f.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Header.Set(logging.RequestIDHeader, reqID)
		},
		ModifyResponse: func(resp *http.Response) error {
			f.metrics.ConnectDuration.WithLabelValues(targetURL).Observe(time.Since(connectStart).Seconds())
			resp.Header.Set(routedToHeader, targetURL)
			headersSent = true
			f.metrics.RequestsTotal.WithLabelValues(targetURL, model).Inc()
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if r.Context().Err() != nil {
				aborted = true
				return
			}
			if headersSent {
				// Mid-stream failure: bytes already sent to the client stay sent;
				// no failover, no further writes (spec.md §4.6).
				return
			}
			f.metrics.RequestsFailedTotal.WithLabelValues(targetURL, string(metrics.FailureConnect)).Inc()
			f.logger.Warn("upstream connect failed", zap.String("backend", targetURL), zap.Error(err))
			openAIError(c, http.StatusBadGateway, "upstream_error", "failed to reach backend")
		},
	}

	c.Writer.Header().Set(routedToHeader, targetURL)
	rp.ServeHTTP(c.Writer, c.Request)
	if c.Request.Context().Err() != nil {
		aborted = true
	}
}

// serveDisaggregated implements the disaggregated-prefill hand-off
// (spec.md §4.4): the prefill backend is sent the request first so it can
// populate its KV cache, then the decode backend is streamed back to the
// client. Neither backend's own wire protocol for this hand-off is
// specified upstream, so the router marks each leg with an
// x-disaggregation-phase header and otherwise forwards the identical body.
func (f *Front) serveDisaggregated(c *gin.Context, d *policy.Disaggregated, prefill registry.Endpoint, candidates []registry.Endpoint, req policy.Request) {
	decode, err := d.PrepareDecode(candidates, req)
	if err != nil {
		openAIError(c, http.StatusServiceUnavailable, "no_candidate", "no decode backend is currently available")
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		openAIError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	prefillDone := f.tracker.Start(prefill.URL)
	prefillReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, prefill.URL+c.Request.URL.Path, bytes.NewReader(raw))
	if err != nil {
		prefillDone()
		openAIError(c, http.StatusBadGateway, "upstream_error", "failed to build prefill request")
		return
	}
	prefillReq.Header = c.Request.Header.Clone()
	prefillReq.Header.Set("x-disaggregation-phase", "prefill")

	client := &http.Client{Timeout: f.connectTimeout * 4, Transport: f.transport}
	resp, doErr := client.Do(prefillReq)
	prefillDone()
	if doErr != nil {
		f.metrics.RequestsFailedTotal.WithLabelValues(prefill.URL, string(metrics.FailureConnect)).Inc()
		openAIError(c, http.StatusBadGateway, "upstream_error", "prefill backend unreachable")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	c.Request.Header.Set("x-disaggregation-phase", "decode")
	f.forward(c, decode.URL, req.Model)
}
