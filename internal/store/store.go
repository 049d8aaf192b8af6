package store

import (
	"context"

	"github.com/sells-group/docpipe/internal/model"
)

// Store defines the persistence interface for the extraction pipeline.
// Reference data (doc types, agents, chains, credentials, templates) is
// read-only at run time; audit events are append-only and never mutated.
//
// Lookup methods return (nil, nil) when the row does not exist, so
// callers can distinguish "missing" from infrastructure failure.
type Store interface {
	// Reference data reads
	GetDocumentTypeByCode(ctx context.Context, code string) (*model.DocumentType, error)
	GetAgentByCode(ctx context.Context, code string) (*model.ExtractionAgent, error)
	// ListAgentsByDocType returns all agents for a document type with
	// template, chain, steps, step models and step credentials hydrated,
	// so the run path performs no further reference lookups.
	ListAgentsByDocType(ctx context.Context, docTypeID string) ([]model.ExtractionAgent, error)

	// Reference data writes (configuration/seeding only, never the run path)
	CreateDocumentType(ctx context.Context, dt *model.DocumentType) error
	CreateModel(ctx context.Context, m *model.LLMModel) error
	CreateCredential(ctx context.Context, c *model.LLMCredential) error
	CreatePromptTemplate(ctx context.Context, t *model.PromptTemplate) error
	CreateChain(ctx context.Context, chain *model.FallbackChain) error
	CreateAgent(ctx context.Context, a *model.ExtractionAgent) error

	// Audit trail
	// NextSeq atomically allocates the next step sequence number for a
	// request. Safe under concurrent writers for the same request_id.
	NextSeq(ctx context.Context, requestID string) (int, error)
	InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error
	ListAuditEvents(ctx context.Context, requestID string) ([]model.AuditEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
