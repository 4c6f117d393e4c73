package client

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// RequestRoundTripper applies the pass-through settings of a Config to
// requests sent by clients that do not expose them directly, such as
// langchaingo's OpenAI client.
type RequestRoundTripper struct {
	Base       http.RoundTripper
	Headers    map[string]string
	ExtraBody  map[string]any // merged into JSON request bodies
	MaxRetries int            // retries on 429, 5xx and transport errors
	Debug      bool

	// Backoff returns the wait before retry attempt n (1-based).
	// Nil uses exponential backoff from 500ms capped at 8s.
	Backoff func(attempt int) time.Duration
}

// NewRequestRoundTripper builds a transport from the pass-through fields of cfg.
func NewRequestRoundTripper(base http.RoundTripper, cfg Config) *RequestRoundTripper {
	return &RequestRoundTripper{
		Base:       base,
		Headers:    cfg.Headers,
		ExtraBody:  cfg.ExtraBody,
		MaxRetries: max(cfg.MaxRetries, 0),
		Debug:      cfg.Debug,
	}
}

// RoundTrip implements http.RoundTripper
func (t *RequestRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = t.mergeExtraBody(b)
	}
	if t.Debug {
		slog.Debug("llm request", "method", req.Method, "url", req.URL.String(), "body", RedactBody(body))
	}

	for attempt := 0; ; attempt++ {
		out := req.Clone(req.Context())
		for k, v := range t.Headers {
			out.Header.Set(k, v)
		}
		if body != nil {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
			out.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}

		start := time.Now()
		resp, err := base.RoundTrip(out)
		if attempt >= t.MaxRetries || !shouldRetry(resp, err) || req.Context().Err() != nil {
			if t.Debug && err == nil {
				slog.Debug("llm response", "url", req.URL.String(), "status", resp.StatusCode, "duration", time.Since(start))
			}
			return resp, err
		}

		wait := t.backoff(attempt + 1)
		if resp != nil {
			if d, ok := retryAfter(resp); ok {
				wait = d
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		slog.Debug("llm request retrying", "url", req.URL.String(), "attempt", attempt+1, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// mergeExtraBody sets every extra field at the top level of a JSON body.
// Non-JSON bodies are sent unchanged.
func (t *RequestRoundTripper) mergeExtraBody(body []byte) []byte {
	if len(t.ExtraBody) == 0 || !gjson.ValidBytes(body) {
		return body
	}
	for k, v := range t.ExtraBody {
		b, err := sjson.SetBytes(body, escapePath(k), v)
		if err != nil {
			slog.Warn("extra body field skipped", "field", k, "error", err)
			continue
		}
		body = b
	}
	return body
}

func (t *RequestRoundTripper) backoff(attempt int) time.Duration {
	if t.Backoff != nil {
		return t.Backoff(attempt)
	}
	d := retryBaseDelay << (attempt - 1)
	if d <= 0 || d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, retryMaxDelay), true
}

// escapePath makes a top-level key safe to use as an sjson path.
func escapePath(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}
