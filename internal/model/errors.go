package model

import "fmt"

// Provider error sub-codes carried by ProviderError.
const (
	ProviderErrAuth      = "AUTH_FAIL"
	ProviderErrTimeout   = "TIMEOUT"
	ProviderErrRateLimit = "RATE_LIMIT"
	ProviderErrAPI       = "API_ERROR"
)

// PreProcessError means the document could not be converted to text.
type PreProcessError struct {
	Path string
	Err  error
}

func (e *PreProcessError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.Path, e.Err)
}

func (e *PreProcessError) Unwrap() error { return e.Err }

// TemplateNotFoundError means no active prompt template exists for the
// agent's document type.
type TemplateNotFoundError struct {
	AgentCode string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("no prompt template bound to agent %s", e.AgentCode)
}

// TemplateRenderError means a bound template failed to render.
type TemplateRenderError struct {
	TemplateID string
	Err        error
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("render template %s: %v", e.TemplateID, e.Err)
}

func (e *TemplateRenderError) Unwrap() error { return e.Err }

// ProviderError means an LLM adapter call failed. Code is one of the
// ProviderErr* sub-codes.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient enough to retry
// the same step (subject to the step's MaxRetries budget).
func (e *ProviderError) Retryable() bool {
	return e.Code == ProviderErrTimeout || e.Code == ProviderErrRateLimit
}

// ValidationError means a model response failed to parse as structured
// JSON.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ChainExhaustedError means every step in an agent's fallback chain was
// skipped or failed.
type ChainExhaustedError struct {
	AgentCode string
	LastErr   error
	// Attempted counts steps that produced an LLM call; Retries counts
	// extra intra-step attempts beyond the first, across all steps.
	Attempted int
	Retries   int
}

func (e *ChainExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("fallback chain exhausted for agent %s: last error: %v", e.AgentCode, e.LastErr)
	}
	return fmt.Sprintf("fallback chain exhausted for agent %s: no attemptable steps", e.AgentCode)
}

func (e *ChainExhaustedError) Unwrap() error { return e.LastErr }

// ExtractionFailedError is a pipeline-level failure: no agents
// configured, no active agents, all agents failed, or no uploaded file
// available for an agent.
type ExtractionFailedError struct {
	Code    string
	Message string
}

func (e *ExtractionFailedError) Error() string { return e.Message }
