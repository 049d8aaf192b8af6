package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docpipe/internal/model"
)

// pgxPool is the subset of pgxpool.Pool the store uses; pgxmock
// satisfies it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    pgxPool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS doc_types (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	code        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_active   BOOLEAN NOT NULL DEFAULT true,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prompt_templates (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	doc_type_id TEXT NOT NULL REFERENCES doc_types(id),
	name        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	body        TEXT NOT NULL,
	temperature DOUBLE PRECISION NOT NULL DEFAULT 0.0,
	top_p       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	max_tokens  INTEGER NOT NULL DEFAULT 1024,
	language    TEXT NOT NULL DEFAULT '',
	is_active   BOOLEAN NOT NULL DEFAULT true,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS llm_models (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name          TEXT NOT NULL UNIQUE,
	provider      TEXT NOT NULL,
	is_deprecated BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS llm_credentials (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider    TEXT NOT NULL,
	name        TEXT NOT NULL,
	api_key_enc BYTEA NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS fallback_chains (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name              TEXT NOT NULL,
	max_total_retries INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fallback_steps (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	chain_id             TEXT NOT NULL REFERENCES fallback_chains(id),
	seq_no               INTEGER NOT NULL,
	model_id             TEXT NOT NULL REFERENCES llm_models(id),
	credential_id        TEXT NOT NULL REFERENCES llm_credentials(id),
	max_retries          INTEGER NOT NULL DEFAULT 0,
	retry_delay_ms       INTEGER NOT NULL DEFAULT 0,
	temperature_override DOUBLE PRECISION,
	max_tokens_override  INTEGER,
	stop_sequences       JSONB,
	UNIQUE (chain_id, seq_no)
);

CREATE TABLE IF NOT EXISTS extraction_agents (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	doc_type_id     TEXT NOT NULL REFERENCES doc_types(id),
	code            TEXT NOT NULL UNIQUE,
	sequence_no     INTEGER NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT true,
	preferred_model TEXT NOT NULL DEFAULT '',
	template_id     TEXT NOT NULL REFERENCES prompt_templates(id),
	chain_id        TEXT NOT NULL REFERENCES fallback_chains(id),
	UNIQUE (doc_type_id, sequence_no)
);

CREATE TABLE IF NOT EXISTS extraction_audit (
	id                 TEXT PRIMARY KEY,
	request_id         TEXT NOT NULL,
	external_id        TEXT,
	doc_type_id        TEXT,
	agent_id           TEXT,
	chain_id           TEXT,
	template_id        TEXT,
	step_seq_no        INTEGER NOT NULL,
	model_id           TEXT,
	credential_id      TEXT,
	step_id            TEXT,
	status             TEXT NOT NULL,
	tokens_prompt      INTEGER NOT NULL DEFAULT 0,
	tokens_completion  INTEGER NOT NULL DEFAULT 0,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	error_message      TEXT,
	document_intake_id TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_sequences (
	request_id TEXT PRIMARY KEY,
	value      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_request_id ON extraction_audit(request_id, step_seq_no);
CREATE INDEX IF NOT EXISTS idx_agents_doc_type ON extraction_agents(doc_type_id, sequence_no);
CREATE INDEX IF NOT EXISTS idx_steps_chain ON fallback_steps(chain_id, seq_no);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetDocumentTypeByCode(ctx context.Context, code string) (*model.DocumentType, error) {
	var dt model.DocumentType
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, description, is_active, created_at FROM doc_types WHERE code = $1`,
		code,
	).Scan(&dt.ID, &dt.Code, &dt.Description, &dt.IsActive, &dt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get doc type %s", code)
	}
	return &dt, nil
}

func (s *PostgresStore) GetAgentByCode(ctx context.Context, code string) (*model.ExtractionAgent, error) {
	var a model.ExtractionAgent
	err := s.pool.QueryRow(ctx,
		`SELECT id, doc_type_id, code, sequence_no, is_active, preferred_model, template_id, chain_id
		 FROM extraction_agents WHERE code = $1`,
		code,
	).Scan(&a.ID, &a.DocTypeID, &a.Code, &a.SequenceNo, &a.IsActive, &a.PreferredModel, &a.TemplateID, &a.ChainID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get agent %s", code)
	}
	return &a, nil
}

func (s *PostgresStore) ListAgentsByDocType(ctx context.Context, docTypeID string) ([]model.ExtractionAgent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, doc_type_id, code, sequence_no, is_active, preferred_model, template_id, chain_id
		 FROM extraction_agents WHERE doc_type_id = $1 ORDER BY sequence_no`,
		docTypeID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list agents")
	}
	defer rows.Close()

	var agents []model.ExtractionAgent
	for rows.Next() {
		var a model.ExtractionAgent
		if err := rows.Scan(&a.ID, &a.DocTypeID, &a.Code, &a.SequenceNo, &a.IsActive, &a.PreferredModel, &a.TemplateID, &a.ChainID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent")
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list agents iterate")
	}

	// Hydrate templates and chains. Chains are shared across agents, so
	// fetch each distinct id once.
	templates := make(map[string]*model.PromptTemplate)
	chains := make(map[string]*model.FallbackChain)
	for i := range agents {
		a := &agents[i]
		tpl, ok := templates[a.TemplateID]
		if !ok {
			tpl, err = s.getTemplate(ctx, a.TemplateID)
			if err != nil {
				return nil, err
			}
			templates[a.TemplateID] = tpl
		}
		a.Template = tpl

		chain, ok := chains[a.ChainID]
		if !ok {
			chain, err = s.getChain(ctx, a.ChainID)
			if err != nil {
				return nil, err
			}
			chains[a.ChainID] = chain
		}
		a.Chain = chain
	}
	return agents, nil
}

func (s *PostgresStore) getTemplate(ctx context.Context, id string) (*model.PromptTemplate, error) {
	var t model.PromptTemplate
	err := s.pool.QueryRow(ctx,
		`SELECT id, doc_type_id, name, version, body, temperature, top_p, max_tokens, language, is_active, created_at
		 FROM prompt_templates WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.DocTypeID, &t.Name, &t.Version, &t.Body, &t.Temperature, &t.TopP, &t.MaxTokens, &t.Language, &t.IsActive, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get template %s", id)
	}
	return &t, nil
}

func (s *PostgresStore) getChain(ctx context.Context, id string) (*model.FallbackChain, error) {
	var c model.FallbackChain
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, max_total_retries FROM fallback_chains WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.MaxTotalRetries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get chain %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.chain_id, s.seq_no, s.model_id, s.credential_id,
		        s.max_retries, s.retry_delay_ms, s.temperature_override, s.max_tokens_override, s.stop_sequences,
		        m.id, m.name, m.provider, m.is_deprecated,
		        c.id, c.provider, c.name, c.api_key_enc, c.is_active
		 FROM fallback_steps s
		 LEFT JOIN llm_models m ON m.id = s.model_id
		 LEFT JOIN llm_credentials c ON c.id = s.credential_id
		 WHERE s.chain_id = $1
		 ORDER BY s.seq_no`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get chain steps %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var step model.FallbackStep
		var stopSeqJSON []byte
		var mID, mName, mProvider *string
		var mDeprecated *bool
		var cID, cProvider, cName *string
		var cKey []byte
		var cActive *bool

		if err := rows.Scan(
			&step.ID, &step.ChainID, &step.SeqNo, &step.ModelID, &step.CredentialID,
			&step.MaxRetries, &step.RetryDelayMS, &step.TemperatureOverride, &step.MaxTokensOverride, &stopSeqJSON,
			&mID, &mName, &mProvider, &mDeprecated,
			&cID, &cProvider, &cName, &cKey, &cActive,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan step")
		}

		if len(stopSeqJSON) > 0 {
			if err := json.Unmarshal(stopSeqJSON, &step.StopSequences); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stop sequences")
			}
		}
		if mID != nil {
			step.Model = &model.LLMModel{ID: *mID, Name: *mName, Provider: *mProvider, IsDeprecated: *mDeprecated}
		}
		if cID != nil {
			step.Credential = &model.LLMCredential{ID: *cID, Provider: *cProvider, Name: *cName, APIKeyEnc: cKey, IsActive: *cActive}
		}
		c.Steps = append(c.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: chain steps iterate")
	}
	return &c, nil
}

func (s *PostgresStore) CreateDocumentType(ctx context.Context, dt *model.DocumentType) error {
	if dt.ID == "" {
		dt.ID = uuid.New().String()
	}
	if dt.CreatedAt.IsZero() {
		dt.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO doc_types (id, code, description, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		dt.ID, dt.Code, dt.Description, dt.IsActive, dt.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert doc type %s", dt.Code)
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *model.LLMModel) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_models (id, name, provider, is_deprecated) VALUES ($1, $2, $3, $4)`,
		m.ID, m.Name, m.Provider, m.IsDeprecated,
	)
	return eris.Wrapf(err, "postgres: insert model %s", m.Name)
}

func (s *PostgresStore) CreateCredential(ctx context.Context, c *model.LLMCredential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_credentials (id, provider, name, api_key_enc, is_active) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Provider, c.Name, c.APIKeyEnc, c.IsActive,
	)
	return eris.Wrapf(err, "postgres: insert credential %s", c.Name)
}

func (s *PostgresStore) CreatePromptTemplate(ctx context.Context, t *model.PromptTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompt_templates (id, doc_type_id, name, version, body, temperature, top_p, max_tokens, language, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.DocTypeID, t.Name, t.Version, t.Body, t.Temperature, t.TopP, t.MaxTokens, t.Language, t.IsActive, t.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert template %s", t.Name)
}

func (s *PostgresStore) CreateChain(ctx context.Context, chain *model.FallbackChain) error {
	if chain.ID == "" {
		chain.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fallback_chains (id, name, max_total_retries) VALUES ($1, $2, $3)`,
		chain.ID, chain.Name, chain.MaxTotalRetries,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert chain %s", chain.Name)
	}

	for i := range chain.Steps {
		step := &chain.Steps[i]
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.ChainID = chain.ID

		var stopSeqJSON []byte
		if len(step.StopSequences) > 0 {
			stopSeqJSON, err = json.Marshal(step.StopSequences)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal stop sequences")
			}
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO fallback_steps (id, chain_id, seq_no, model_id, credential_id, max_retries, retry_delay_ms, temperature_override, max_tokens_override, stop_sequences)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			step.ID, step.ChainID, step.SeqNo, step.ModelID, step.CredentialID,
			step.MaxRetries, step.RetryDelayMS, step.TemperatureOverride, step.MaxTokensOverride, stopSeqJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert step %d of chain %s", step.SeqNo, chain.Name)
		}
	}
	return nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.ExtractionAgent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_agents (id, doc_type_id, code, sequence_no, is_active, preferred_model, template_id, chain_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DocTypeID, a.Code, a.SequenceNo, a.IsActive, a.PreferredModel, a.TemplateID, a.ChainID,
	)
	return eris.Wrapf(err, "postgres: insert agent %s", a.Code)
}

func (s *PostgresStore) NextSeq(ctx context.Context, requestID string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_sequences (request_id, value) VALUES ($1, 1)
		 ON CONFLICT (request_id) DO UPDATE SET value = audit_sequences.value + 1
		 RETURNING value`,
		requestID,
	).Scan(&seq)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: next seq for %s", requestID)
	}
	return seq, nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_audit
		 (id, request_id, external_id, doc_type_id, agent_id, chain_id, template_id,
		  step_seq_no, model_id, credential_id, step_id, status,
		  tokens_prompt, tokens_completion, cost_usd, latency_ms,
		  error_message, document_intake_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		ev.ID, ev.RequestID, ev.ExternalID, ev.DocTypeID, ev.AgentID, ev.ChainID, ev.TemplateID,
		ev.StepSeqNo, ev.ModelID, ev.CredentialID, ev.StepID, string(ev.Status),
		ev.TokensPrompt, ev.TokensCompletion, ev.CostUSD, ev.LatencyMS,
		ev.ErrorMessage, ev.DocumentIntakeID, ev.CreatedAt, ev.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert audit event %s", ev.Status)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, requestID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, external_id, doc_type_id, agent_id, chain_id, template_id,
		        step_seq_no, model_id, credential_id, step_id, status,
		        tokens_prompt, tokens_completion, cost_usd, latency_ms,
		        error_message, document_intake_id, created_at, updated_at
		 FROM extraction_audit WHERE request_id = $1 ORDER BY step_seq_no`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit events")
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var status string
		if err := rows.Scan(
			&ev.ID, &ev.RequestID, &ev.ExternalID, &ev.DocTypeID, &ev.AgentID, &ev.ChainID, &ev.TemplateID,
			&ev.StepSeqNo, &ev.ModelID, &ev.CredentialID, &ev.StepID, &status,
			&ev.TokensPrompt, &ev.TokensCompletion, &ev.CostUSD, &ev.LatencyMS,
			&ev.ErrorMessage, &ev.DocumentIntakeID, &ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		ev.Status = model.AuditStatus(status)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list audit events iterate")
}
