package model

import "time"

// DocumentType is a named document category (e.g. "CIOMS", "AER") that
// drives which extraction agents apply. Reference data: created via
// configuration, read-only at extraction time.
type DocumentType struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// PromptTemplate is versioned prompt text bound to a DocumentType,
// carrying generation parameters. Immutable during a run.
type PromptTemplate struct {
	ID          string    `json:"id"`
	DocTypeID   string    `json:"doc_type_id"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Body        string    `json:"body"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
	Language    string    `json:"language,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// LLMModel identifies a generative model at a provider.
type LLMModel struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	IsDeprecated bool   `json:"is_deprecated"`
}

// LLMCredential holds a provider-scoped API key, encrypted at rest.
// The plaintext key only ever exists transiently inside the fallback
// manager for the duration of a single call.
type LLMCredential struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Name      string `json:"name"`
	APIKeyEnc []byte `json:"-"`
	IsActive  bool   `json:"is_active"`
}

// FallbackStep binds one (model, credential) pair within a chain, with
// per-step override knobs. MaxRetries counts intra-step retries beyond
// the first attempt; zero preserves one-attempt-per-step.
type FallbackStep struct {
	ID                  string   `json:"id"`
	ChainID             string   `json:"chain_id"`
	SeqNo               int      `json:"seq_no"`
	ModelID             string   `json:"model_id"`
	CredentialID        string   `json:"credential_id"`
	MaxRetries          int      `json:"max_retries"`
	RetryDelayMS        int      `json:"retry_delay_ms"`
	TemperatureOverride *float64 `json:"temperature_override,omitempty"`
	MaxTokensOverride   *int     `json:"max_tokens_override,omitempty"`
	StopSequences       []string `json:"stop_sequences,omitempty"`

	// Hydrated on read; nil when the referenced row is missing.
	Model      *LLMModel      `json:"model,omitempty"`
	Credential *LLMCredential `json:"credential,omitempty"`
}

// FallbackChain is an ordered list of fallback steps. Step SeqNo values
// are unique within a chain and strictly define attempt order.
// MaxTotalRetries is informational and not enforced by the walker.
type FallbackChain struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	MaxTotalRetries int            `json:"max_total_retries"`
	Steps           []FallbackStep `json:"steps"` // ascending SeqNo
}

// ExtractionAgent extracts one logical section of a document type. It
// binds exactly one prompt template and one fallback chain; SequenceNo
// is unique within the document type and defines cross-agent order.
type ExtractionAgent struct {
	ID             string `json:"id"`
	DocTypeID      string `json:"doc_type_id"`
	Code           string `json:"code"`
	SequenceNo     int    `json:"sequence_no"`
	IsActive       bool   `json:"is_active"`
	PreferredModel string `json:"preferred_model,omitempty"`
	TemplateID     string `json:"template_id"`
	ChainID        string `json:"chain_id"`

	// Hydrated on read.
	Template *PromptTemplate `json:"template,omitempty"`
	Chain    *FallbackChain  `json:"chain,omitempty"`
}

// StepForModel returns the index of the first step whose hydrated model
// name matches name, or -1 if no step matches.
func (c *FallbackChain) StepForModel(name string) int {
	if c == nil || name == "" {
		return -1
	}
	for i, step := range c.Steps {
		if step.Model != nil && step.Model.Name == name {
			return i
		}
	}
	return -1
}
