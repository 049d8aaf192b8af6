package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docpipe/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetAgentByCode_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM extraction_agents WHERE code = \$1`).
		WithArgs("no-such-agent").
		WillReturnError(pgx.ErrNoRows)

	agent, err := s.GetAgentByCode(context.Background(), "no-such-agent")
	require.NoError(t, err)
	assert.Nil(t, agent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAgentByCode(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id", "doc_type_id", "code", "sequence_no", "is_active", "preferred_model", "template_id", "chain_id"}).
		AddRow("ag-1", "dt-1", "patient_info", 10, true, "claude-haiku-4-5-20251001", "tpl-1", "ch-1")
	mock.ExpectQuery(`FROM extraction_agents WHERE code = \$1`).
		WithArgs("patient_info").
		WillReturnRows(rows)

	agent, err := s.GetAgentByCode(context.Background(), "patient_info")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "ag-1", agent.ID)
	assert.Equal(t, 10, agent.SequenceNo)
	assert.Equal(t, "claude-haiku-4-5-20251001", agent.PreferredModel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDocumentTypeByCode_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM doc_types WHERE code = \$1`).
		WithArgs("UNREGISTERED").
		WillReturnError(pgx.ErrNoRows)

	dt, err := s.GetDocumentTypeByCode(context.Background(), "UNREGISTERED")
	require.NoError(t, err)
	assert.Nil(t, dt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NextSeq_Monotonic(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	for i := 1; i <= 3; i++ {
		mock.ExpectQuery(`INSERT INTO audit_sequences`).
			WithArgs("req-1").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(i))
	}

	for want := 1; want <= 3; want++ {
		got, err := s.NextSeq(context.Background(), "req-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAuditEvent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO extraction_audit`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ev := &model.AuditEvent{
		RequestID: "req-1",
		StepSeqNo: 1,
		Status:    model.AuditRequestStarted,
	}
	err := s.InsertAuditEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID, "insert should assign an id")
	assert.False(t, ev.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAuditEvents(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	cols := []string{
		"id", "request_id", "external_id", "doc_type_id", "agent_id", "chain_id", "template_id",
		"step_seq_no", "model_id", "credential_id", "step_id", "status",
		"tokens_prompt", "tokens_completion", "cost_usd", "latency_ms",
		"error_message", "document_intake_id", "created_at", "updated_at",
	}
	rows := pgxmock.NewRows(cols).
		AddRow("ev-1", "req-1", nil, nil, nil, nil, nil, 1, nil, nil, nil, "REQUEST_STARTED", 0, 0, 0.0, int64(0), nil, nil, now, now).
		AddRow("ev-2", "req-1", nil, nil, nil, nil, nil, 2, nil, nil, nil, "PREPROCESS_STARTED", 0, 0, 0.0, int64(0), nil, nil, now, now)
	mock.ExpectQuery(`FROM extraction_audit WHERE request_id = \$1 ORDER BY step_seq_no`).
		WithArgs("req-1").
		WillReturnRows(rows)

	events, err := s.ListAuditEvents(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditRequestStarted, events[0].Status)
	assert.Equal(t, 1, events[0].StepSeqNo)
	assert.Equal(t, model.AuditPreprocessStarted, events[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetChain_HydratesSteps(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	chainRows := pgxmock.NewRows([]string{"id", "name", "max_total_retries"}).
		AddRow("ch-1", "default", 0)
	mock.ExpectQuery(`FROM fallback_chains WHERE id = \$1`).
		WithArgs("ch-1").
		WillReturnRows(chainRows)

	stepCols := []string{
		"id", "chain_id", "seq_no", "model_id", "credential_id",
		"max_retries", "retry_delay_ms", "temperature_override", "max_tokens_override", "stop_sequences",
		"m_id", "m_name", "m_provider", "m_is_deprecated",
		"c_id", "c_provider", "c_name", "c_api_key_enc", "c_is_active",
	}
	// The joined m_*/c_* columns are scanned into pointer destinations, so the
	// mock rows must carry pointers (pgxmock cannot convert value -> pointer).
	ptr := func(s string) *string { return &s }
	boolPtr := func(b bool) *bool { return &b }
	stepRows := pgxmock.NewRows(stepCols).
		AddRow("st-1", "ch-1", 1, "m-1", "cr-1", 0, 0, nil, nil, nil,
			ptr("m-1"), ptr("claude-haiku-4-5-20251001"), ptr("anthropic"), boolPtr(false),
			ptr("cr-1"), ptr("anthropic"), ptr("primary"), []byte{0x01}, boolPtr(true)).
		AddRow("st-2", "ch-1", 2, "m-2", "cr-2", 2, 500, nil, nil, []byte(`["END"]`),
			ptr("m-2"), ptr("gpt-4o-mini"), ptr("openai"), boolPtr(false),
			ptr("cr-2"), ptr("openai"), ptr("backup"), []byte{0x02}, boolPtr(true))
	mock.ExpectQuery(`FROM fallback_steps s`).
		WithArgs("ch-1").
		WillReturnRows(stepRows)

	chain, err := s.getChain(context.Background(), "ch-1")
	require.NoError(t, err)
	require.NotNil(t, chain)
	require.Len(t, chain.Steps, 2)

	first := chain.Steps[0]
	require.NotNil(t, first.Model)
	assert.Equal(t, "claude-haiku-4-5-20251001", first.Model.Name)
	require.NotNil(t, first.Credential)
	assert.Equal(t, "anthropic", first.Credential.Provider)

	second := chain.Steps[1]
	assert.Equal(t, 2, second.MaxRetries)
	assert.Equal(t, 500, second.RetryDelayMS)
	assert.Equal(t, []string{"END"}, second.StopSequences)
	require.NotNil(t, second.Model)
	assert.Equal(t, "openai", second.Model.Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}
