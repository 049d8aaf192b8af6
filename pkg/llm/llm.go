// Package llm wraps the provider SDKs behind a single Adapter
// interface so the fallback chain can treat every (model, credential)
// pair uniformly. Adapters are stateless: the API key travels in the
// request because consecutive chain steps may use different
// credentials for the same provider.
package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/docpipe/internal/model"
)

// Provider names as stored in reference data.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 1024
)

// CallRequest is one generation attempt against a provider.
type CallRequest struct {
	Provider      string
	Model         string
	System        string
	Prompt        string
	MaxTokens     int
	Temperature   *float64 // nil means 0.0: extraction wants determinism
	TopP          *float64
	StopSequences []string
	APIKey        string
	Timeout       time.Duration

	// FileURI references a provider-side uploaded file, set only when
	// the provider supports file attachments.
	FileURI  string
	FileMIME string
}

func (r *CallRequest) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultTimeout
}

func (r *CallRequest) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}

func (r *CallRequest) temperature() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return 0.0
}

// Result is a completed generation.
type Result struct {
	Text             string
	Model            string
	StopReason       string
	TokensPrompt     int
	TokensCompletion int
}

// Adapter executes one generation against a provider. Failures are
// always *model.ProviderError so callers can branch on the sub-code.
type Adapter interface {
	Call(ctx context.Context, req CallRequest) (*Result, error)
}

// UploadedFile is a document handle usable in later calls. For
// providers without a file API the handle is inline: the preprocessed
// text is embedded in the prompt instead.
type UploadedFile struct {
	Provider  string
	URI       string
	MIMEType  string
	LocalPath string
	Inline    bool
}

// Uploader is implemented by adapters whose provider has a file API.
type Uploader interface {
	Upload(ctx context.Context, apiKey, path string) (*UploadedFile, error)
}

// Registry holds one adapter per provider plus a per-provider rate
// limiter applied before every call.
type Registry struct {
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
}

// NewRegistry builds a registry with all supported providers. rps
// bounds the sustained request rate per provider; zero disables
// limiting.
func NewRegistry(rps float64) *Registry {
	r := &Registry{
		adapters: map[string]Adapter{
			ProviderAnthropic: &anthropicAdapter{},
			ProviderOpenAI:    &openaiAdapter{},
			ProviderGoogle:    &googleAdapter{},
		},
		limiters: make(map[string]*rate.Limiter),
	}
	if rps > 0 {
		for name := range r.adapters {
			r.limiters[name] = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
	return r
}

// Call dispatches a request to its provider's adapter, honoring the
// provider rate limit and the request timeout.
func (r *Registry) Call(ctx context.Context, req CallRequest) (*Result, error) {
	adapter, ok := r.adapters[req.Provider]
	if !ok {
		return nil, &model.ProviderError{
			Code:    model.ProviderErrAPI,
			Message: "unsupported provider " + req.Provider,
		}
	}
	if lim := r.limiters[req.Provider]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, &model.ProviderError{
				Code:    model.ProviderErrTimeout,
				Message: "rate limiter wait: " + err.Error(),
				Err:     err,
			}
		}
	}
	return adapter.Call(ctx, req)
}

// Upload registers a document with the provider's file API when it has
// one. Providers without one get an inline handle and the document
// text is substituted into the prompt at call time.
func (r *Registry) Upload(ctx context.Context, provider, apiKey, path string) (*UploadedFile, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, &model.ProviderError{
			Code:    model.ProviderErrAPI,
			Message: "unsupported provider " + provider,
		}
	}
	if up, ok := adapter.(Uploader); ok {
		return up.Upload(ctx, apiKey, path)
	}
	return &UploadedFile{Provider: provider, LocalPath: path, Inline: true}, nil
}

// classifyStatus maps an HTTP status to a provider error sub-code.
func classifyStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return model.ProviderErrAuth
	case status == 408 || status == 504:
		return model.ProviderErrTimeout
	case status == 429:
		return model.ProviderErrRateLimit
	default:
		return model.ProviderErrAPI
	}
}

// wrapTransport classifies context and transport failures that never
// produced an HTTP status.
func wrapTransport(err error) *model.ProviderError {
	code := model.ProviderErrAPI
	if errors.Is(err, context.DeadlineExceeded) {
		code = model.ProviderErrTimeout
	}
	return &model.ProviderError{Code: code, Message: err.Error(), Err: err}
}
