package client

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// redactedFields are request body paths never written to logs.
var redactedFields = []string{"api_key", "user"}

// DebugMiddleware logs every request and response exchanged with the API.
// Bodies are logged with sensitive fields redacted.
func DebugMiddleware(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(b))
		body = b
	}

	start := time.Now()
	slog.Debug("llm request", "method", req.Method, "url", req.URL.String(), "body", RedactBody(body))

	resp, err := next(req)
	if err != nil {
		slog.Debug("llm request failed", "url", req.URL.String(), "error", err, "duration", time.Since(start))
		return resp, err
	}
	slog.Debug("llm response", "url", req.URL.String(), "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}

// RedactBody masks sensitive fields in a JSON request body.
// Message contents are replaced by their length.
func RedactBody(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return string(body)
	}
	out := body
	for _, field := range redactedFields {
		if gjson.GetBytes(out, field).Exists() {
			if b, err := sjson.SetBytes(out, field, "***"); err == nil {
				out = b
			}
		}
	}
	gjson.GetBytes(body, "messages").ForEach(func(key, value gjson.Result) bool {
		path := "messages." + key.String() + ".content"
		if c := value.Get("content"); c.Type == gjson.String {
			if b, err := sjson.SetBytes(out, path, len(c.String())); err == nil {
				out = b
			}
		}
		return true
	})
	return string(out)
}
