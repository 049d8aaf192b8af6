// Package fallback walks an agent's ordered (model, credential) chain
// until one step yields a schema-valid response. Step failures never
// propagate: each failed or skipped step advances to the next, and
// only full exhaustion surfaces an error.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docpipe/internal/audit"
	"github.com/sells-group/docpipe/internal/cost"
	"github.com/sells-group/docpipe/internal/model"
	"github.com/sells-group/docpipe/internal/resilience"
	"github.com/sells-group/docpipe/internal/secrets"
	"github.com/sells-group/docpipe/internal/validate"
	"github.com/sells-group/docpipe/pkg/llm"
)

// StepOutcome classifies what happened to one chain step.
type StepOutcome string

const (
	OutcomeSuccess             StepOutcome = "SUCCESS"
	OutcomeFailed              StepOutcome = "FAILED"
	OutcomeSkippedDeprecated   StepOutcome = "SKIPPED_DEPRECATED"
	OutcomeSkippedNoCredential StepOutcome = "SKIPPED_NO_CREDENTIAL"
)

// Caller abstracts the provider registry so tests can substitute a
// scripted adapter.
type Caller interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.Result, error)
}

// Manager executes fallback chains.
type Manager struct {
	caller    Caller
	keyring   *secrets.Keyring
	validator *validate.Validator
	costs     *cost.Calculator
	log       *zap.Logger
}

// New creates a Manager.
func New(caller Caller, keyring *secrets.Keyring, validator *validate.Validator, costs *cost.Calculator) *Manager {
	return &Manager{
		caller:    caller,
		keyring:   keyring,
		validator: validator,
		costs:     costs,
		log:       zap.L().Named("fallback"),
	}
}

// Execute walks the agent's chain starting at its preferred model and
// returns the first schema-valid result. uploads maps credential id to
// the file handle registered for that credential; entries are optional
// for providers without a file API.
//
// The returned error is always *model.ChainExhaustedError.
func (m *Manager) Execute(
	ctx context.Context,
	agent *model.ExtractionAgent,
	docType string,
	prompt string,
	uploads map[string]*llm.UploadedFile,
	auditLog *audit.Logger,
) (*model.StepResult, error) {
	chain := agent.Chain
	if chain == nil || len(chain.Steps) == 0 {
		return nil, &model.ChainExhaustedError{AgentCode: agent.Code}
	}

	start := 0
	if agent.PreferredModel != "" {
		if idx := chain.StepForModel(agent.PreferredModel); idx >= 0 {
			start = idx
		} else {
			m.log.Warn("preferred model not in chain, starting from first step",
				zap.String("agent", agent.Code),
				zap.String("preferred_model", agent.PreferredModel),
				zap.String("chain", chain.Name))
		}
	}

	var lastErr error
	attempted := 0
	retries := 0
	for i := start; i < len(chain.Steps); i++ {
		step := &chain.Steps[i]
		stepIndex := i + 1 // position in the full chain, for reporting

		outcome, result, stepRetries, err := m.runStep(ctx, agent, docType, prompt, step, stepIndex, uploads, auditLog)
		retries += stepRetries
		switch outcome {
		case OutcomeSuccess:
			return result, nil
		case OutcomeFailed:
			attempted++
			lastErr = err
		case OutcomeSkippedDeprecated, OutcomeSkippedNoCredential:
			// already logged by runStep
		}
	}

	return nil, &model.ChainExhaustedError{
		AgentCode: agent.Code,
		LastErr:   lastErr,
		Attempted: attempted,
		Retries:   retries,
	}
}

func (m *Manager) runStep(
	ctx context.Context,
	agent *model.ExtractionAgent,
	docType string,
	prompt string,
	step *model.FallbackStep,
	stepIndex int,
	uploads map[string]*llm.UploadedFile,
	auditLog *audit.Logger,
) (StepOutcome, *model.StepResult, int, error) {
	if step.Model == nil || step.Model.IsDeprecated {
		m.log.Info("skipping step: model deprecated or missing",
			zap.String("agent", agent.Code),
			zap.Int("step", stepIndex))
		return OutcomeSkippedDeprecated, nil, 0, nil
	}
	if step.Credential == nil || !step.Credential.IsActive {
		m.log.Info("skipping step: credential inactive or missing",
			zap.String("agent", agent.Code),
			zap.Int("step", stepIndex),
			zap.String("model", step.Model.Name))
		return OutcomeSkippedNoCredential, nil, 0, nil
	}

	apiKey, err := m.keyring.Open(step.Credential.APIKeyEnc)
	if err != nil {
		m.log.Warn("skipping step: credential decryption failed",
			zap.String("agent", agent.Code),
			zap.Int("step", stepIndex),
			zap.String("credential", step.Credential.Name),
			zap.Error(err))
		return OutcomeSkippedNoCredential, nil, 0, nil
	}

	req := m.buildRequest(agent, prompt, step, apiKey, uploads)

	auditLog.Event(ctx, model.AuditLLMCallStarted,
		audit.WithAgent(agent),
		audit.WithStep(step),
	)

	started := time.Now()
	callAttempts := 0
	result, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    step.MaxRetries + 1,
		InitialBackoff: time.Duration(step.RetryDelayMS) * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry: func(err error) bool {
			var provErr *model.ProviderError
			return errors.As(err, &provErr) && provErr.Retryable()
		},
		OnRetry: resilience.RetryLogger("fallback", agent.Code+"/"+step.Model.Name),
	}, func(ctx context.Context) (*llm.Result, error) {
		callAttempts++
		return m.caller.Call(ctx, req)
	})
	latencyMS := time.Since(started).Milliseconds()
	stepRetries := callAttempts - 1

	if err != nil {
		auditLog.Event(ctx, model.AuditLLMCallFailed,
			audit.WithAgent(agent),
			audit.WithStep(step),
			audit.WithLatency(latencyMS),
			audit.WithError(err),
		)
		return OutcomeFailed, nil, stepRetries, err
	}

	callCost := m.costs.TokenCost(step.Model.Name, result.TokensPrompt, result.TokensCompletion)
	auditLog.Event(ctx, model.AuditLLMCallSuccess,
		audit.WithAgent(agent),
		audit.WithStep(step),
		audit.WithUsage(result.TokensPrompt, result.TokensCompletion, callCost),
		audit.WithLatency(latencyMS),
	)

	auditLog.Event(ctx, model.AuditValidationStarted,
		audit.WithAgent(agent),
		audit.WithStep(step),
	)
	data, err := m.validator.Validate(result.Text, docType, agent.Code)
	if err != nil {
		// A response that fails validation counts as a failed call:
		// the step burned tokens without producing usable output.
		auditLog.Event(ctx, model.AuditValidationFailed,
			audit.WithAgent(agent),
			audit.WithStep(step),
			audit.WithError(err),
		)
		auditLog.Event(ctx, model.AuditLLMCallFailed,
			audit.WithAgent(agent),
			audit.WithStep(step),
			audit.WithLatency(latencyMS),
			audit.WithError(err),
		)
		return OutcomeFailed, nil, stepRetries, err
	}
	auditLog.Event(ctx, model.AuditValidationSuccess,
		audit.WithAgent(agent),
		audit.WithStep(step),
		audit.WithMessage(fmt.Sprintf("%d fields extracted", validate.FieldCount(data))),
	)

	return OutcomeSuccess, &model.StepResult{
		Data:             data,
		ModelUsed:        step.Model.Name,
		Provider:         step.Model.Provider,
		TokensPrompt:     result.TokensPrompt,
		TokensCompletion: result.TokensCompletion,
		CostUSD:          callCost,
		LatencyMS:        latencyMS,
		StepIndex:        stepIndex,
		CredentialID:     step.CredentialID,
	}, stepRetries, nil
}

func (m *Manager) buildRequest(
	agent *model.ExtractionAgent,
	prompt string,
	step *model.FallbackStep,
	apiKey string,
	uploads map[string]*llm.UploadedFile,
) llm.CallRequest {
	req := llm.CallRequest{
		Provider:      step.Model.Provider,
		Model:         step.Model.Name,
		Prompt:        prompt,
		APIKey:        apiKey,
		StopSequences: step.StopSequences,
	}

	if tpl := agent.Template; tpl != nil {
		req.MaxTokens = tpl.MaxTokens
		temp := tpl.Temperature
		req.Temperature = &temp
		topP := tpl.TopP
		req.TopP = &topP
	}
	if step.TemperatureOverride != nil {
		req.Temperature = step.TemperatureOverride
	}
	if step.MaxTokensOverride != nil {
		req.MaxTokens = *step.MaxTokensOverride
	}

	if file := uploads[step.CredentialID]; file != nil && !file.Inline {
		req.FileURI = file.URI
		req.FileMIME = file.MIMEType
	}
	return req
}
