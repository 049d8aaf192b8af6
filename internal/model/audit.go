package model

import "time"

// AuditStatus tags one pipeline lifecycle event.
type AuditStatus string

const (
	AuditRequestStarted      AuditStatus = "REQUEST_STARTED"
	AuditPreprocessStarted   AuditStatus = "PREPROCESS_STARTED"
	AuditPreprocessCompleted AuditStatus = "PREPROCESS_COMPLETED"
	AuditPreprocessFailed    AuditStatus = "PREPROCESS_FAILED"
	AuditAgentStarted        AuditStatus = "AGENT_STARTED"
	AuditAgentCompleted      AuditStatus = "AGENT_COMPLETED"
	AuditAgentFailed         AuditStatus = "AGENT_FAILED"
	AuditLLMCallStarted      AuditStatus = "LLM_CALL_STARTED"
	AuditLLMCallSuccess      AuditStatus = "LLM_CALL_SUCCESS"
	AuditLLMCallFailed       AuditStatus = "LLM_CALL_FAILED"
	AuditValidationStarted   AuditStatus = "VALIDATION_STARTED"
	AuditValidationSuccess   AuditStatus = "VALIDATION_SUCCESS"
	AuditValidationFailed    AuditStatus = "VALIDATION_FAILED"
	AuditExtractionCompleted AuditStatus = "EXTRACTION_COMPLETED"
	AuditExtractionFailed    AuditStatus = "EXTRACTION_FAILED"
	AuditUnknownError        AuditStatus = "UNKNOWN_ERROR"
)

// AuditEvent is one append-only row in the extraction audit trail. Rows
// are never updated or deleted; the state of a request is reconstructed
// by reading all rows for a request_id in StepSeqNo order. Reference
// FKs are nullable because different event kinds populate different
// subsets.
type AuditEvent struct {
	ID               string      `json:"id"`
	RequestID        string      `json:"request_id"`
	ExternalID       *string     `json:"external_id,omitempty"`
	DocTypeID        *string     `json:"doc_type_id,omitempty"`
	AgentID          *string     `json:"agent_id,omitempty"`
	ChainID          *string     `json:"chain_id,omitempty"`
	TemplateID       *string     `json:"template_id,omitempty"`
	StepSeqNo        int         `json:"step_seq_no"`
	ModelID          *string     `json:"model_id,omitempty"`
	CredentialID     *string     `json:"credential_id,omitempty"`
	StepID           *string     `json:"step_id,omitempty"`
	Status           AuditStatus `json:"status"`
	TokensPrompt     int         `json:"tokens_prompt"`
	TokensCompletion int         `json:"tokens_completion"`
	CostUSD          float64     `json:"cost_usd"`
	LatencyMS        int64       `json:"latency_ms"`
	ErrorMessage     *string     `json:"error_message,omitempty"`
	DocumentIntakeID *string     `json:"document_intake_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}
