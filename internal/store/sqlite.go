package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docpipe/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. Used for
// single-node deployments and CLI runs without a Postgres instance.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the SQLite database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	// Single writer; WAL keeps readers unblocked during audit writes.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", p)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS doc_types (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_templates (
	id          TEXT PRIMARY KEY,
	doc_type_id TEXT NOT NULL REFERENCES doc_types(id),
	name        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	body        TEXT NOT NULL,
	temperature REAL NOT NULL DEFAULT 0.0,
	top_p       REAL NOT NULL DEFAULT 1.0,
	max_tokens  INTEGER NOT NULL DEFAULT 1024,
	language    TEXT NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_models (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	provider      TEXT NOT NULL,
	is_deprecated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS llm_credentials (
	id          TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	name        TEXT NOT NULL,
	api_key_enc BLOB NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS fallback_chains (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	max_total_retries INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fallback_steps (
	id                   TEXT PRIMARY KEY,
	chain_id             TEXT NOT NULL REFERENCES fallback_chains(id),
	seq_no               INTEGER NOT NULL,
	model_id             TEXT NOT NULL REFERENCES llm_models(id),
	credential_id        TEXT NOT NULL REFERENCES llm_credentials(id),
	max_retries          INTEGER NOT NULL DEFAULT 0,
	retry_delay_ms       INTEGER NOT NULL DEFAULT 0,
	temperature_override REAL,
	max_tokens_override  INTEGER,
	stop_sequences       TEXT,
	UNIQUE (chain_id, seq_no)
);

CREATE TABLE IF NOT EXISTS extraction_agents (
	id              TEXT PRIMARY KEY,
	doc_type_id     TEXT NOT NULL REFERENCES doc_types(id),
	code            TEXT NOT NULL UNIQUE,
	sequence_no     INTEGER NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 1,
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
	cost_usd           REAL NOT NULL DEFAULT 0,
	latency_ms         INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT,
	document_intake_id TEXT,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_sequences (
	request_id TEXT PRIMARY KEY,
	value      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_request_id ON extraction_audit(request_id, step_seq_no);
CREATE INDEX IF NOT EXISTS idx_agents_doc_type ON extraction_agents(doc_type_id, sequence_no);
CREATE INDEX IF NOT EXISTS idx_steps_chain ON fallback_steps(chain_id, seq_no);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetDocumentTypeByCode(ctx context.Context, code string) (*model.DocumentType, error) {
	var dt model.DocumentType
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, description, is_active, created_at FROM doc_types WHERE code = ?`,
		code,
	).Scan(&dt.ID, &dt.Code, &dt.Description, &dt.IsActive, &dt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get doc type %s", code)
	}
	return &dt, nil
}

func (s *SQLiteStore) GetAgentByCode(ctx context.Context, code string) (*model.ExtractionAgent, error) {
	var a model.ExtractionAgent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, doc_type_id, code, sequence_no, is_active, preferred_model, template_id, chain_id
		 FROM extraction_agents WHERE code = ?`,
		code,
	).Scan(&a.ID, &a.DocTypeID, &a.Code, &a.SequenceNo, &a.IsActive, &a.PreferredModel, &a.TemplateID, &a.ChainID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get agent %s", code)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAgentsByDocType(ctx context.Context, docTypeID string) ([]model.ExtractionAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_type_id, code, sequence_no, is_active, preferred_model, template_id, chain_id
		 FROM extraction_agents WHERE doc_type_id = ? ORDER BY sequence_no`,
		docTypeID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list agents")
	}
	defer rows.Close()

	var agents []model.ExtractionAgent
	for rows.Next() {
		var a model.ExtractionAgent
		if err := rows.Scan(&a.ID, &a.DocTypeID, &a.Code, &a.SequenceNo, &a.IsActive, &a.PreferredModel, &a.TemplateID, &a.ChainID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent")
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list agents iterate")
	}

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

func (s *SQLiteStore) getTemplate(ctx context.Context, id string) (*model.PromptTemplate, error) {
	var t model.PromptTemplate
	err := s.db.QueryRowContext(ctx,
		`SELECT id, doc_type_id, name, version, body, temperature, top_p, max_tokens, language, is_active, created_at
		 FROM prompt_templates WHERE id = ?`,
		id,
	).Scan(&t.ID, &t.DocTypeID, &t.Name, &t.Version, &t.Body, &t.Temperature, &t.TopP, &t.MaxTokens, &t.Language, &t.IsActive, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get template %s", id)
	}
	return &t, nil
}

func (s *SQLiteStore) getChain(ctx context.Context, id string) (*model.FallbackChain, error) {
	var c model.FallbackChain
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_total_retries FROM fallback_chains WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Name, &c.MaxTotalRetries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get chain %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.chain_id, s.seq_no, s.model_id, s.credential_id,
		        s.max_retries, s.retry_delay_ms, s.temperature_override, s.max_tokens_override, s.stop_sequences,
		        m.id, m.name, m.provider, m.is_deprecated,
		        c.id, c.provider, c.name, c.api_key_enc, c.is_active
		 FROM fallback_steps s
		 LEFT JOIN llm_models m ON m.id = s.model_id
		 LEFT JOIN llm_credentials c ON c.id = s.credential_id
		 WHERE s.chain_id = ?
		 ORDER BY s.seq_no`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get chain steps %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var step model.FallbackStep
		var stopSeqJSON *string
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
			return nil, eris.Wrap(err, "sqlite: scan step")
		}

		if stopSeqJSON != nil && *stopSeqJSON != "" {
			if err := json.Unmarshal([]byte(*stopSeqJSON), &step.StopSequences); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stop sequences")
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
		return nil, eris.Wrap(err, "sqlite: chain steps iterate")
	}
	return &c, nil
}

func (s *SQLiteStore) CreateDocumentType(ctx context.Context, dt *model.DocumentType) error {
	if dt.ID == "" {
		dt.ID = uuid.New().String()
	}
	if dt.CreatedAt.IsZero() {
		dt.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doc_types (id, code, description, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		dt.ID, dt.Code, dt.Description, dt.IsActive, dt.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert doc type %s", dt.Code)
}

func (s *SQLiteStore) CreateModel(ctx context.Context, m *model.LLMModel) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_models (id, name, provider, is_deprecated) VALUES (?, ?, ?, ?)`,
		m.ID, m.Name, m.Provider, m.IsDeprecated,
	)
	return eris.Wrapf(err, "sqlite: insert model %s", m.Name)
}

func (s *SQLiteStore) CreateCredential(ctx context.Context, c *model.LLMCredential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_credentials (id, provider, name, api_key_enc, is_active) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Provider, c.Name, c.APIKeyEnc, c.IsActive,
	)
	return eris.Wrapf(err, "sqlite: insert credential %s", c.Name)
}

func (s *SQLiteStore) CreatePromptTemplate(ctx context.Context, t *model.PromptTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_templates (id, doc_type_id, name, version, body, temperature, top_p, max_tokens, language, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DocTypeID, t.Name, t.Version, t.Body, t.Temperature, t.TopP, t.MaxTokens, t.Language, t.IsActive, t.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert template %s", t.Name)
}

func (s *SQLiteStore) CreateChain(ctx context.Context, chain *model.FallbackChain) error {
	if chain.ID == "" {
		chain.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fallback_chains (id, name, max_total_retries) VALUES (?, ?, ?)`,
		chain.ID, chain.Name, chain.MaxTotalRetries,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert chain %s", chain.Name)
	}

	for i := range chain.Steps {
		step := &chain.Steps[i]
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.ChainID = chain.ID

		var stopSeqJSON *string
		if len(step.StopSequences) > 0 {
			buf, err := json.Marshal(step.StopSequences)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal stop sequences")
			}
			enc := string(buf)
			stopSeqJSON = &enc
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO fallback_steps (id, chain_id, seq_no, model_id, credential_id, max_retries, retry_delay_ms, temperature_override, max_tokens_override, stop_sequences)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.ChainID, step.SeqNo, step.ModelID, step.CredentialID,
			step.MaxRetries, step.RetryDelayMS, step.TemperatureOverride, step.MaxTokensOverride, stopSeqJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert step %d of chain %s", step.SeqNo, chain.Name)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.ExtractionAgent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_agents (id, doc_type_id, code, sequence_no, is_active, preferred_model, template_id, chain_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DocTypeID, a.Code, a.SequenceNo, a.IsActive, a.PreferredModel, a.TemplateID, a.ChainID,
	)
	return eris.Wrapf(err, "sqlite: insert agent %s", a.Code)
}

func (s *SQLiteStore) NextSeq(ctx context.Context, requestID string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO audit_sequences (request_id, value) VALUES (?, 1)
		 ON CONFLICT (request_id) DO UPDATE SET value = value + 1
		 RETURNING value`,
		requestID,
	).Scan(&seq)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: next seq for %s", requestID)
	}
	return seq, nil
}

func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_audit
		 (id, request_id, external_id, doc_type_id, agent_id, chain_id, template_id,
		  step_seq_no, model_id, credential_id, step_id, status,
		  tokens_prompt, tokens_completion, cost_usd, latency_ms,
		  error_message, document_intake_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RequestID, ev.ExternalID, ev.DocTypeID, ev.AgentID, ev.ChainID, ev.TemplateID,
		ev.StepSeqNo, ev.ModelID, ev.CredentialID, ev.StepID, string(ev.Status),
		ev.TokensPrompt, ev.TokensCompletion, ev.CostUSD, ev.LatencyMS,
		ev.ErrorMessage, ev.DocumentIntakeID, ev.CreatedAt, ev.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert audit event %s", ev.Status)
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, requestID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, external_id, doc_type_id, agent_id, chain_id, template_id,
		        step_seq_no, model_id, credential_id, step_id, status,
		        tokens_prompt, tokens_completion, cost_usd, latency_ms,
		        error_message, document_intake_id, created_at, updated_at
		 FROM extraction_audit WHERE request_id = ? ORDER BY step_seq_no`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit events")
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
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		ev.Status = model.AuditStatus(status)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list audit events iterate")
}
