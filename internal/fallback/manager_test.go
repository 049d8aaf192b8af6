package fallback

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docpipe/internal/audit"
	"github.com/sells-group/docpipe/internal/cost"
	"github.com/sells-group/docpipe/internal/model"
	"github.com/sells-group/docpipe/internal/secrets"
	"github.com/sells-group/docpipe/internal/store/storetest"
	"github.com/sells-group/docpipe/internal/validate"
	"github.com/sells-group/docpipe/pkg/llm"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// scriptedCaller returns queued responses per model name and records
// every request it receives.
type scriptedCaller struct {
	responses map[string][]scriptedResponse
	calls     []llm.CallRequest
}

type scriptedResponse struct {
	result *llm.Result
	err    error
}

func (c *scriptedCaller) Call(_ context.Context, req llm.CallRequest) (*llm.Result, error) {
	c.calls = append(c.calls, req)
	queue := c.responses[req.Model]
	if len(queue) == 0 {
		return nil, &model.ProviderError{Code: model.ProviderErrAPI, Message: "unscripted model " + req.Model}
	}
	next := queue[0]
	c.responses[req.Model] = queue[1:]
	return next.result, next.err
}

func (c *scriptedCaller) modelsCalled() []string {
	out := make([]string, len(c.calls))
	for i, call := range c.calls {
		out[i] = call.Model
	}
	return out
}

func validJSON(fields string) *llm.Result {
	return &llm.Result{
		Text:             "```json\n{" + fields + "}\n```",
		TokensPrompt:     100,
		TokensCompletion: 50,
	}
}

type fixture struct {
	manager *Manager
	caller  *scriptedCaller
	store   *storetest.Fake
	audit   *audit.Logger
	agent   *model.ExtractionAgent
	keyring *secrets.Keyring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keyring, err := secrets.NewKeyring(testMasterKey)
	require.NoError(t, err)

	caller := &scriptedCaller{responses: make(map[string][]scriptedResponse)}
	manager := New(caller, keyring, validate.New(), cost.NewCalculator(cost.DefaultRates()))

	st := storetest.New()
	f := &fixture{
		manager: manager,
		caller:  caller,
		store:   st,
		audit:   audit.New(st, "req-1"),
		keyring: keyring,
	}
	f.agent = f.buildAgent(t, "primary-model", "backup-model")
	return f
}

// buildAgent wires a hydrated agent whose chain has one step per model
// name, each with its own active credential.
func (f *fixture) buildAgent(t *testing.T, models ...string) *model.ExtractionAgent {
	t.Helper()
	chain := &model.FallbackChain{ID: "ch-1", Name: "test-chain"}
	for i, name := range models {
		enc, err := f.keyring.Seal("key-for-" + name)
		require.NoError(t, err)
		chain.Steps = append(chain.Steps, model.FallbackStep{
			ID:           "st-" + name,
			ChainID:      "ch-1",
			SeqNo:        i + 1,
			ModelID:      "m-" + name,
			CredentialID: "cr-" + name,
			Model:        &model.LLMModel{ID: "m-" + name, Name: name, Provider: "anthropic"},
			Credential:   &model.LLMCredential{ID: "cr-" + name, Provider: "anthropic", Name: name, APIKeyEnc: enc, IsActive: true},
		})
	}
	return &model.ExtractionAgent{
		ID:         "ag-1",
		Code:       "patient_info",
		ChainID:    "ch-1",
		TemplateID: "tpl-1",
		Template:   &model.PromptTemplate{ID: "tpl-1", MaxTokens: 2048, Temperature: 0.0, TopP: 1.0},
		Chain:      chain,
	}
}

func (f *fixture) execute(t *testing.T) (*model.StepResult, error) {
	t.Helper()
	return f.manager.Execute(context.Background(), f.agent, "CIOMS", "extract fields", nil, f.audit)
}

func TestExecute_FirstStepSucceeds(t *testing.T) {
	f := newFixture(t)
	f.caller.responses["primary-model"] = []scriptedResponse{{result: validJSON(`"patient":"J. Doe"`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "primary-model", result.ModelUsed)
	assert.Equal(t, 1, result.StepIndex)
	assert.Equal(t, "cr-primary-model", result.CredentialID)
	assert.Equal(t, map[string]any{"patient": "J. Doe"}, result.Data)
	assert.Zero(t, result.CostUSD, "unknown model prices as zero")
	assert.Equal(t, []string{"primary-model"}, f.caller.modelsCalled(), "no further steps after a valid result")

	statuses := f.store.Statuses("req-1")
	assert.Equal(t, []model.AuditStatus{
		model.AuditLLMCallStarted,
		model.AuditLLMCallSuccess,
		model.AuditValidationStarted,
		model.AuditValidationSuccess,
	}, statuses)
}

func TestExecute_ValidationSuccessCarriesFieldCount(t *testing.T) {
	f := newFixture(t)
	f.caller.responses["primary-model"] = []scriptedResponse{
		{result: validJSON(`"patient":"J. Doe","dose":"10mg","onset":"day 1"`)},
	}

	_, err := f.execute(t)
	require.NoError(t, err)

	events, err := f.store.ListAuditEvents(context.Background(), "req-1")
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Status == model.AuditValidationSuccess {
			found = true
			require.NotNil(t, ev.ErrorMessage)
			assert.Equal(t, "3 fields extracted", *ev.ErrorMessage)
		}
	}
	assert.True(t, found, "validation success event recorded")
}

func TestExecute_FallsBackOnProviderError(t *testing.T) {
	f := newFixture(t)
	f.caller.responses["primary-model"] = []scriptedResponse{
		{err: &model.ProviderError{Code: model.ProviderErrAuth, Message: "bad key"}},
	}
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"dose":"10mg"`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)
	assert.Equal(t, 2, result.StepIndex)
	assert.Equal(t, []string{"primary-model", "backup-model"}, f.caller.modelsCalled())

	statuses := f.store.Statuses("req-1")
	assert.Contains(t, statuses, model.AuditLLMCallFailed)
	assert.Equal(t, model.AuditValidationSuccess, statuses[len(statuses)-1])
}

func TestExecute_RetriesTransientErrorsWithinStep(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain.Steps[0].MaxRetries = 2
	f.agent.Chain.Steps[0].RetryDelayMS = 1
	f.caller.responses["primary-model"] = []scriptedResponse{
		{err: &model.ProviderError{Code: model.ProviderErrRateLimit, Message: "429"}},
		{err: &model.ProviderError{Code: model.ProviderErrTimeout, Message: "deadline"}},
		{result: validJSON(`"ok":true`)},
	}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "primary-model", result.ModelUsed)
	assert.Equal(t, []string{"primary-model", "primary-model", "primary-model"}, f.caller.modelsCalled())
}

func TestExecute_NoRetryForNonRetryableError(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain.Steps[0].MaxRetries = 3
	f.agent.Chain.Steps[0].RetryDelayMS = 1
	f.caller.responses["primary-model"] = []scriptedResponse{
		{err: &model.ProviderError{Code: model.ProviderErrAuth, Message: "401"}},
	}
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)
	// AUTH_FAIL must not consume the retry budget.
	assert.Equal(t, []string{"primary-model", "backup-model"}, f.caller.modelsCalled())
}

func TestExecute_SkipsDeprecatedModel(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain.Steps[0].Model.IsDeprecated = true
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)
	assert.Equal(t, []string{"backup-model"}, f.caller.modelsCalled(), "deprecated model never called")
}

func TestExecute_SkipsInactiveCredential(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain.Steps[0].Credential.IsActive = false
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)
	assert.Equal(t, []string{"backup-model"}, f.caller.modelsCalled())
}

func TestExecute_SkipsUndecryptableCredential(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain.Steps[0].Credential.APIKeyEnc = []byte("garbage")
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)
}

func TestExecute_PreferredModelStartsMidChain(t *testing.T) {
	f := newFixture(t)
	f.agent.PreferredModel = "backup-model"
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)
	assert.Equal(t, 2, result.StepIndex, "step index reflects position in the full chain")
	assert.Equal(t, []string{"backup-model"}, f.caller.modelsCalled(), "steps before the preferred model are not attempted")
}

func TestExecute_UnknownPreferredModelStartsAtFirstStep(t *testing.T) {
	f := newFixture(t)
	f.agent.PreferredModel = "model-nobody-knows"
	f.caller.responses["primary-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "primary-model", result.ModelUsed)
	assert.Equal(t, 1, result.StepIndex)
}

func TestExecute_ValidationFailureAdvancesChain(t *testing.T) {
	f := newFixture(t)
	f.caller.responses["primary-model"] = []scriptedResponse{
		{result: &llm.Result{Text: "I could not find any structured data, sorry."}},
	}
	f.caller.responses["backup-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	result, err := f.execute(t)
	require.NoError(t, err)
	assert.Equal(t, "backup-model", result.ModelUsed)

	statuses := f.store.Statuses("req-1")
	assert.Contains(t, statuses, model.AuditValidationFailed)
	assert.Contains(t, statuses, model.AuditLLMCallFailed)
}

func TestExecute_ChainExhausted(t *testing.T) {
	f := newFixture(t)
	f.caller.responses["primary-model"] = []scriptedResponse{
		{err: &model.ProviderError{Code: model.ProviderErrAuth, Message: "401"}},
	}
	f.caller.responses["backup-model"] = []scriptedResponse{
		{err: &model.ProviderError{Code: model.ProviderErrAPI, Message: "500"}},
	}

	result, err := f.execute(t)
	assert.Nil(t, result)
	var exhausted *model.ChainExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "patient_info", exhausted.AgentCode)
	assert.Equal(t, 2, exhausted.Attempted)
	require.NotNil(t, exhausted.LastErr)
	assert.Contains(t, exhausted.LastErr.Error(), "500")
}

func TestExecute_AllStepsSkippedIsExhaustion(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain.Steps[0].Model.IsDeprecated = true
	f.agent.Chain.Steps[1].Credential = nil

	result, err := f.execute(t)
	assert.Nil(t, result)
	var exhausted *model.ChainExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Zero(t, exhausted.Attempted)
	assert.Nil(t, exhausted.LastErr)
	assert.Empty(t, f.caller.calls)
}

func TestExecute_EmptyChain(t *testing.T) {
	f := newFixture(t)
	f.agent.Chain = &model.FallbackChain{ID: "ch-empty"}

	_, err := f.execute(t)
	var exhausted *model.ChainExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, strings.Contains(err.Error(), "patient_info"))
}

func TestExecute_DecryptedKeyReachesAdapter(t *testing.T) {
	f := newFixture(t)
	f.caller.responses["primary-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	_, err := f.execute(t)
	require.NoError(t, err)
	require.Len(t, f.caller.calls, 1)
	assert.Equal(t, "key-for-primary-model", f.caller.calls[0].APIKey)
	assert.Equal(t, 2048, f.caller.calls[0].MaxTokens)
	require.NotNil(t, f.caller.calls[0].Temperature)
	assert.Equal(t, 0.0, *f.caller.calls[0].Temperature)
}

func TestExecute_StepOverridesApplied(t *testing.T) {
	f := newFixture(t)
	temp := 0.3
	maxTok := 512
	f.agent.Chain.Steps[0].TemperatureOverride = &temp
	f.agent.Chain.Steps[0].MaxTokensOverride = &maxTok
	f.agent.Chain.Steps[0].StopSequences = []string{"END"}
	f.caller.responses["primary-model"] = []scriptedResponse{{result: validJSON(`"ok":true`)}}

	_, err := f.execute(t)
	require.NoError(t, err)
	call := f.caller.calls[0]
	assert.Equal(t, 512, call.MaxTokens)
	assert.Equal(t, 0.3, *call.Temperature)
	assert.Equal(t, []string{"END"}, call.StopSequences)
}
