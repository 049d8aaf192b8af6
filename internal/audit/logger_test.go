package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docpipe/internal/model"
	"github.com/sells-group/docpipe/internal/store/storetest"
)

func TestLogger_EventSequencing(t *testing.T) {
	st := storetest.New()
	l := New(st, "req-1")
	ctx := context.Background()

	l.Event(ctx, model.AuditRequestStarted)
	l.Event(ctx, model.AuditPreprocessStarted)
	l.Event(ctx, model.AuditPreprocessCompleted)

	events, err := st.ListAuditEvents(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.StepSeqNo, "sequence must increase by exactly one")
		assert.Equal(t, "req-1", ev.RequestID)
	}
	assert.Equal(t, model.AuditRequestStarted, events[0].Status)
	assert.Equal(t, model.AuditPreprocessCompleted, events[2].Status)
}

func TestLogger_IndependentRequestsSequenceSeparately(t *testing.T) {
	st := storetest.New()
	ctx := context.Background()

	a := New(st, "req-a")
	b := New(st, "req-b")
	a.Event(ctx, model.AuditRequestStarted)
	b.Event(ctx, model.AuditRequestStarted)
	a.Event(ctx, model.AuditPreprocessStarted)

	eventsA, _ := st.ListAuditEvents(ctx, "req-a")
	eventsB, _ := st.ListAuditEvents(ctx, "req-b")
	require.Len(t, eventsA, 2)
	require.Len(t, eventsB, 1)
	assert.Equal(t, 2, eventsA[1].StepSeqNo)
	assert.Equal(t, 1, eventsB[0].StepSeqNo)
}

func TestLogger_NeverRaisesOnPersistenceFailure(t *testing.T) {
	st := storetest.New()
	st.InsertErr = errors.New("connection reset")
	l := New(st, "req-1")

	// Must not panic or surface the failure.
	l.Event(context.Background(), model.AuditRequestStarted)

	events, err := st.ListAuditEvents(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLogger_SequenceFailureFallsBackToLocalCounter(t *testing.T) {
	st := storetest.New()
	st.NextSeqErr = errors.New("db down")
	l := New(st, "req-1")
	ctx := context.Background()

	l.Event(ctx, model.AuditRequestStarted)
	l.Event(ctx, model.AuditPreprocessStarted)

	events, err := st.ListAuditEvents(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].StepSeqNo)
	assert.Equal(t, 2, events[1].StepSeqNo)
}

func TestLogger_LookupCacheHitsAndMisses(t *testing.T) {
	st := storetest.New()
	st.DocTypes["CIOMS"] = &model.DocumentType{ID: "dt-1", Code: "CIOMS", IsActive: true}
	l := New(st, "req-1")
	ctx := context.Background()

	l.SetDocType(ctx, "CIOMS")
	require.NotNil(t, l.docTypeID)
	assert.Equal(t, "dt-1", *l.docTypeID)

	// Second hit and repeated misses must not touch the store again.
	l.SetDocType(ctx, "CIOMS")
	l.SetDocType(ctx, "GHOST")
	l.SetDocType(ctx, "GHOST")
	assert.Nil(t, l.docTypeID)
	assert.Equal(t, 2, st.LookupRequests)
	assert.Equal(t, 1, st.LookupMisses)
}

func TestLogger_SetDocTypeStampsEvents(t *testing.T) {
	st := storetest.New()
	st.DocTypes["CIOMS"] = &model.DocumentType{ID: "dt-1", Code: "CIOMS", IsActive: true}
	l := New(st, "req-1")
	ctx := context.Background()

	l.SetDocType(ctx, "CIOMS")
	l.SetExternalID("case-42")
	l.Event(ctx, model.AuditRequestStarted)

	events, _ := st.ListAuditEvents(ctx, "req-1")
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DocTypeID)
	assert.Equal(t, "dt-1", *events[0].DocTypeID)
	require.NotNil(t, events[0].ExternalID)
	assert.Equal(t, "case-42", *events[0].ExternalID)
}

func TestLogger_EventOptions(t *testing.T) {
	st := storetest.New()
	l := New(st, "req-1")
	ctx := context.Background()

	agent := &model.ExtractionAgent{ID: "ag-1", Code: "patient_info", ChainID: "ch-1", TemplateID: "tpl-1"}
	step := &model.FallbackStep{ID: "st-1", ModelID: "m-1", CredentialID: "cr-1"}

	l.Event(ctx, model.AuditLLMCallSuccess,
		WithAgent(agent),
		WithStep(step),
		WithUsage(1200, 340, 0.0051),
		WithLatency(860),
	)
	l.Event(ctx, model.AuditLLMCallFailed,
		WithAgent(agent),
		WithStep(step),
		WithError(&model.ProviderError{Code: model.ProviderErrTimeout, Message: "deadline exceeded"}),
	)

	events, _ := st.ListAuditEvents(ctx, "req-1")
	require.Len(t, events, 2)

	ok := events[0]
	assert.Equal(t, "ag-1", *ok.AgentID)
	assert.Equal(t, "ch-1", *ok.ChainID)
	assert.Equal(t, "tpl-1", *ok.TemplateID)
	assert.Equal(t, "st-1", *ok.StepID)
	assert.Equal(t, "m-1", *ok.ModelID)
	assert.Equal(t, "cr-1", *ok.CredentialID)
	assert.Equal(t, 1200, ok.TokensPrompt)
	assert.Equal(t, 340, ok.TokensCompletion)
	assert.InDelta(t, 0.0051, ok.CostUSD, 1e-9)
	assert.Equal(t, int64(860), ok.LatencyMS)
	assert.Nil(t, ok.ErrorMessage)

	failed := events[1]
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "TIMEOUT")
}

func TestLogger_Failure(t *testing.T) {
	st := storetest.New()
	l := New(st, "req-1")
	ctx := context.Background()

	res := l.Failure(ctx, model.ErrCodeExtractionFailed, "all fallback steps failed", 3, 2)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, model.ErrCodeExtractionFailed, res.ErrorCode)
	assert.Equal(t, 3, res.FailedAtStep)
	assert.Equal(t, 2, res.RetryCount)
	assert.False(t, res.CreatedAt.IsZero())

	unknown := l.Failure(ctx, "", "boom", 0, 0)
	assert.Equal(t, model.ErrCodeUnknown, unknown.ErrorCode)
}

func TestLogger_FailurePersistsAuditRow(t *testing.T) {
	st := storetest.New()
	l := New(st, "req-1")
	ctx := context.Background()

	l.Event(ctx, model.AuditRequestStarted)
	res := l.Failure(ctx, model.ErrCodeExtractionFailed, "no active agents for document type CIOMS", 0, 0)
	require.NotNil(t, res)

	events, err := st.ListAuditEvents(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, model.AuditExtractionFailed, last.Status)
	require.NotNil(t, last.ErrorMessage)
	assert.Equal(t, res.ErrorMessage, *last.ErrorMessage)
	assert.Equal(t, 2, last.StepSeqNo)
}

func TestLogger_FailureSurvivesPersistenceFailure(t *testing.T) {
	st := storetest.New()
	st.InsertErr = errors.New("connection reset")
	l := New(st, "req-1")

	res := l.Failure(context.Background(), model.ErrCodeExtractionFailed, "boom", 0, 0)
	require.NotNil(t, res)
	assert.Equal(t, model.ErrCodeExtractionFailed, res.ErrorCode)
}
