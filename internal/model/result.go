package model

import "time"

// StepResult is what the fallback manager returns for the first step
// whose response validated. StepIndex is the 1-based position in the
// original chain, not relative to the preferred-model start offset.
type StepResult struct {
	Data             map[string]any `json:"data"`
	ModelUsed        string         `json:"model_used"`
	Provider         string         `json:"provider"`
	TokensPrompt     int            `json:"tokens_prompt"`
	TokensCompletion int            `json:"tokens_completion"`
	CostUSD          float64        `json:"cost_usd"`
	LatencyMS        int64          `json:"latency_ms"`
	StepIndex        int            `json:"step_index"`
	CredentialID     string         `json:"credential_id"`
}

// ExtractionResult is the orchestrator's success outcome: the merged
// field dict across all succeeding agents plus aggregate accounting.
// Partial success (some agents failed) is still a success result.
type ExtractionResult struct {
	RequestID       string         `json:"request_id"`
	DocType         string         `json:"doc_type"`
	Data            map[string]any `json:"data"`
	AgentsTotal     int            `json:"agents_total"`
	AgentsSucceeded int            `json:"agents_succeeded"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	TotalLatencyMS  int64          `json:"total_latency_ms"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ExtractionError is the structured error payload callers receive when
// a run fails as a whole. The orchestrator never raises; every failure
// path is converted into one of these (and mirrored into the audit
// trail under the same code/message).
type ExtractionError struct {
	RequestID    string    `json:"request_id"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	FailedAtStep int       `json:"failed_at_step,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Error codes carried on ExtractionError.
const (
	ErrCodePreprocessFailed = "PREPROCESS_FAILED"
	ErrCodeExtractionFailed = "EXTRACTION_FAILED"
	ErrCodeUnknown          = "UNKNOWN_ERROR"
)
