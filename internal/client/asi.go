package client

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"asi-llm/internal/config"
	"asi-llm/internal/types"

	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is the ASI model used when none is given.
	DefaultModel = config.DefaultASIModel
	// DefaultAPIBase is the ASI OpenAI-compatible endpoint.
	DefaultAPIBase = config.DefaultASIAPIBase
	// EnvAPIKey is consulted when no key is passed explicitly.
	EnvAPIKey = config.EnvASIAPIKey

	defaultTemperature   = 0.1
	defaultContextWindow = 3900
	defaultTimeout       = 120 * time.Second
	defaultMaxRetries    = 3
)

// ASI is an OpenAILike client preconfigured for the ASI API.
type ASI struct {
	*OpenAILike
}

// ASIOption configures NewASI.
type ASIOption func(*Config)

// WithModel sets the model name. An empty name keeps the default.
func WithModel(model string) ASIOption {
	return func(c *Config) {
		if model != "" {
			c.Model = model
		}
	}
}

// WithAPIKey sets the API key. An empty key falls back to ASI_API_KEY.
func WithAPIKey(key string) ASIOption {
	return func(c *Config) { c.APIKey = key }
}

// WithAPIBase sets the endpoint. An empty base keeps the default.
func WithAPIBase(base string) ASIOption {
	return func(c *Config) {
		if base != "" {
			c.APIBase = base
		}
	}
}

// WithChatModel marks the model as chat (true) or completion-only (false).
func WithChatModel(isChat bool) ASIOption {
	return func(c *Config) { c.IsChatModel = isChat }
}

// WithFunctionCallingModel enables tool calls.
func WithFunctionCallingModel(enabled bool) ASIOption {
	return func(c *Config) { c.IsFunctionCallingModel = enabled }
}

// WithTemperature sets the sampling temperature. Negative leaves it to the server.
func WithTemperature(t float64) ASIOption {
	return func(c *Config) { c.Temperature = t }
}

// WithMaxTokens caps generated tokens.
func WithMaxTokens(n int) ASIOption {
	return func(c *Config) { c.MaxTokens = n }
}

// WithContextWindow overrides the context window reported in Metadata.
func WithContextWindow(n int) ASIOption {
	return func(c *Config) { c.ContextWindow = n }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ASIOption {
	return func(c *Config) { c.Timeout = d }
}

// WithMaxRetries sets how often the client retries transient failures.
func WithMaxRetries(n int) ASIOption {
	return func(c *Config) { c.MaxRetries = n }
}

// WithMaxConcurrency limits in-flight requests.
func WithMaxConcurrency(n int) ASIOption {
	return func(c *Config) { c.MaxConcurrency = n }
}

// WithExtraBody merges fields into every request body.
func WithExtraBody(extra map[string]any) ASIOption {
	return func(c *Config) {
		if c.ExtraBody == nil {
			c.ExtraBody = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			c.ExtraBody[k] = v
		}
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) ASIOption {
	return func(c *Config) {
		if c.Headers == nil {
			c.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ASIOption {
	return func(c *Config) { c.HTTPClient = hc }
}

// WithDebug logs redacted requests at debug level.
func WithDebug(enabled bool) ASIOption {
	return func(c *Config) { c.Debug = enabled }
}

// WithRequestOptions passes raw openai-go options through to the client.
func WithRequestOptions(opts ...option.RequestOption) ASIOption {
	return func(c *Config) { c.RequestOptions = append(c.RequestOptions, opts...) }
}

// NewASI creates an ASI client. The API key is taken from WithAPIKey or the
// ASI_API_KEY environment variable; if neither is set a *types.ConfigError
// wrapping types.ErrMissingAPIKey is returned.
func NewASI(opts ...ASIOption) (*ASI, error) {
	cfg := Config{
		Model:          DefaultModel,
		APIBase:        DefaultAPIBase,
		IsChatModel:    true,
		Temperature:    defaultTemperature,
		ContextWindow:  defaultContextWindow,
		Timeout:        defaultTimeout,
		MaxRetries:     defaultMaxRetries,
		MaxConcurrency: 0,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	key, err := ResolveAPIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key

	return &ASI{OpenAILike: NewOpenAILike(cfg)}, nil
}

// NewASIFromConfig creates an ASI client from the llm section of the config file.
func NewASIFromConfig(cfg config.LLMConfig) (*ASI, error) {
	opts := []ASIOption{
		WithModel(cfg.Model),
		WithAPIKey(cfg.APIKey),
		WithAPIBase(cfg.APIBase),
		WithChatModel(cfg.IsChatModel),
		WithFunctionCallingModel(cfg.IsFunctionCallingModel),
		WithTemperature(cfg.Temperature),
		WithMaxTokens(cfg.MaxTokens),
		WithMaxConcurrency(cfg.MaxConcurrency),
		WithExtraBody(cfg.ExtraBody),
		WithHeaders(cfg.Headers),
		WithDebug(cfg.Debug),
	}
	if cfg.ContextWindow > 0 {
		opts = append(opts, WithContextWindow(cfg.ContextWindow))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(cfg.MaxRetries))
	}
	return NewASI(opts...)
}

// ResolveAPIKey returns key, or the ASI_API_KEY environment variable when key
// is blank. Surrounding whitespace is trimmed from either source.
func ResolveAPIKey(key string) (string, error) {
	if key = strings.TrimSpace(key); key != "" {
		return key, nil
	}
	if env := strings.TrimSpace(os.Getenv(EnvAPIKey)); env != "" {
		return env, nil
	}
	return "", types.NewConfigError("api_key",
		fmt.Errorf("%w: set it using WithAPIKey or the %s environment variable", types.ErrMissingAPIKey, EnvAPIKey))
}

// ClassName identifies the implementation.
func (a *ASI) ClassName() string {
	return "ASI"
}
