// Package nodes implements one executor per node kind. Every executor
// satisfies runtime.Handler: it reads its input from ctx.Payload(), performs
// its work, and returns a runtime.Result classifying the outcome. None of
// them ACK the queue or touch retry bookkeeping directly — that discipline
// lives in the dispatcher/processor.
package nodes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swiftgrid/worker/internal/pkg/httpx"
	"github.com/swiftgrid/worker/internal/runtime"
)

// HTTPExecutor handles the "HTTP" node kind: a single outbound HTTP request
// with method/url/headers/body taken from the node payload.
type HTTPExecutor struct {
	Client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{Timeout: 60 * time.Second}}
}

func (e *HTTPExecutor) Type() string { return "HTTP" }

func (e *HTTPExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	method, _ := p["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url, _ := p["url"].(string)
	if url == "" {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("http node: missing url")}
	}

	var body io.Reader
	if b, ok := p["body"]; ok && b != nil {
		raw, err := json.Marshal(b)
		if err != nil {
			return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("http node: encode body: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(c.Ctx, method, url, body)
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("http node: build request: %w", err)}
	}
	if headers, ok := p["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		if c.Cancelled() {
			// The run was cancelled out from under this request; the client
			// surfaces that as a context.Canceled transport error, which
			// IsRetryableError would otherwise happily classify as retryable.
			return runtime.Result{Outcome: runtime.OutcomeCancel}
		}
		if httpx.IsRetryableError(err) {
			return runtime.Result{Outcome: runtime.OutcomeRetry, Err: err}
		}
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
		delay := httpx.RetryAfterDuration(resp, 2*time.Second, 5*time.Minute)
		return runtime.Result{
			Outcome:    runtime.OutcomeRetry,
			RetryAfter: delay,
			Err:        fmt.Errorf("http node: retryable status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return runtime.Result{
			Outcome: runtime.OutcomeFail,
			Err:     fmt.Errorf("http node: status %d: %s", resp.StatusCode, truncate(string(respBody), 500)),
		}
	}

	var decoded interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = string(respBody)
		}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        decoded,
	}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
