// Package audit records the extraction pipeline's append-only event
// trail. Loggers are scoped to a single request: one instance carries
// the request id, the running sequence and a cache of reference-data
// lookups for the lifetime of that request.
//
// Audit writes must never break the pipeline. Every persistence or
// lookup failure is logged and swallowed; callers treat every method
// here as infallible.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docpipe/internal/model"
	"github.com/sells-group/docpipe/internal/store"
)

// Logger writes audit events for one extraction request.
type Logger struct {
	store store.Store
	log   *zap.Logger

	requestID  string
	externalID *string
	docTypeID  *string
	intakeID   *string

	mu      sync.Mutex
	idCache map[string]*string // "<kind>:<code>" -> resolved id, nil cached on miss
	lastSeq int                // local fallback when sequence allocation fails
}

// New creates a request-scoped audit logger.
func New(st store.Store, requestID string) *Logger {
	return &Logger{
		store:     st,
		log:       zap.L().Named("audit").With(zap.String("request_id", requestID)),
		requestID: requestID,
		idCache:   make(map[string]*string),
	}
}

// SetExternalID attaches the caller-supplied correlation id to all
// subsequent events.
func (l *Logger) SetExternalID(id string) {
	if id == "" {
		return
	}
	l.externalID = &id
}

// SetDocumentIntake attaches the intake record id once the document
// has been registered.
func (l *Logger) SetDocumentIntake(id string) {
	if id == "" {
		return
	}
	l.intakeID = &id
}

// SetDocType resolves the document type code and pins its id on all
// subsequent events. A failed resolution is logged once and cached so
// the store is not re-queried for the same miss.
func (l *Logger) SetDocType(ctx context.Context, code string) {
	l.docTypeID = l.resolve(ctx, "doc_type", code, func() (*string, error) {
		dt, err := l.store.GetDocumentTypeByCode(ctx, code)
		if err != nil || dt == nil {
			return nil, err
		}
		return &dt.ID, nil
	})
}

func (l *Logger) resolve(ctx context.Context, kind, code string, fetch func() (*string, error)) *string {
	if code == "" {
		return nil
	}
	key := kind + ":" + code

	l.mu.Lock()
	if id, ok := l.idCache[key]; ok {
		l.mu.Unlock()
		return id
	}
	l.mu.Unlock()

	id, err := fetch()
	if err != nil {
		l.log.Warn("audit lookup failed",
			zap.String("kind", kind),
			zap.String("code", code),
			zap.Error(err))
	} else if id == nil {
		l.log.Warn("audit lookup miss",
			zap.String("kind", kind),
			zap.String("code", code))
	}

	l.mu.Lock()
	l.idCache[key] = id
	l.mu.Unlock()
	return id
}

// Option decorates a single audit event before it is persisted.
type Option func(*model.AuditEvent)

// WithAgent stamps the event with the agent and its bound chain and
// template ids.
func WithAgent(a *model.ExtractionAgent) Option {
	return func(ev *model.AuditEvent) {
		if a == nil {
			return
		}
		ev.AgentID = &a.ID
		if a.ChainID != "" {
			ev.ChainID = &a.ChainID
		}
		if a.TemplateID != "" {
			ev.TemplateID = &a.TemplateID
		}
	}
}

// WithStep stamps the event with the fallback step and its model and
// credential ids.
func WithStep(s *model.FallbackStep) Option {
	return func(ev *model.AuditEvent) {
		if s == nil {
			return
		}
		ev.StepID = &s.ID
		if s.ModelID != "" {
			ev.ModelID = &s.ModelID
		}
		if s.CredentialID != "" {
			ev.CredentialID = &s.CredentialID
		}
	}
}

// WithUsage records token counts and computed cost.
func WithUsage(prompt, completion int, costUSD float64) Option {
	return func(ev *model.AuditEvent) {
		ev.TokensPrompt = prompt
		ev.TokensCompletion = completion
		ev.CostUSD = costUSD
	}
}

// WithLatency records wall-clock duration of the step in milliseconds.
func WithLatency(ms int64) Option {
	return func(ev *model.AuditEvent) {
		ev.LatencyMS = ms
	}
}

// WithError records the failure message on the event.
func WithError(err error) Option {
	return func(ev *model.AuditEvent) {
		if err == nil {
			return
		}
		msg := err.Error()
		ev.ErrorMessage = &msg
	}
}

// WithMessage records a failure message that is not backed by an
// error value.
func WithMessage(msg string) Option {
	return func(ev *model.AuditEvent) {
		if msg == "" {
			return
		}
		ev.ErrorMessage = &msg
	}
}

// Event persists one audit row with the next sequence number for this
// request. It never returns an error: sequence allocation falls back
// to a local counter and failed inserts are logged and dropped.
func (l *Logger) Event(ctx context.Context, status model.AuditStatus, opts ...Option) {
	ev := &model.AuditEvent{
		RequestID:        l.requestID,
		ExternalID:       l.externalID,
		DocTypeID:        l.docTypeID,
		DocumentIntakeID: l.intakeID,
		Status:           status,
	}
	for _, opt := range opts {
		opt(ev)
	}

	seq, err := l.store.NextSeq(ctx, l.requestID)
	l.mu.Lock()
	if err != nil {
		l.lastSeq++
		seq = l.lastSeq
	} else {
		l.lastSeq = seq
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Error("audit sequence allocation failed, using local counter",
			zap.String("status", string(status)),
			zap.Error(err))
	}
	ev.StepSeqNo = seq

	if err := l.store.InsertAuditEvent(ctx, ev); err != nil {
		l.log.Error("audit event dropped",
			zap.String("status", string(status)),
			zap.Int("step_seq_no", seq),
			zap.Error(err))
	}
}

// Failure records a terminal failure in the audit trail and builds the
// error result returned to the caller. The audit row carries the error
// code as its status and the same message, so the trail always explains
// why a request failed. Never raises.
func (l *Logger) Failure(ctx context.Context, code, message string, failedAtStep, retryCount int) *model.ExtractionError {
	if code == "" {
		code = model.ErrCodeUnknown
	}
	l.Event(ctx, model.AuditStatus(code), WithMessage(message))
	return &model.ExtractionError{
		RequestID:    l.requestID,
		ErrorCode:    code,
		ErrorMessage: message,
		FailedAtStep: failedAtStep,
		RetryCount:   retryCount,
		CreatedAt:    time.Now().UTC(),
	}
}

// Trail returns every audit event recorded for this request, in
// sequence order.
func (l *Logger) Trail(ctx context.Context) ([]model.AuditEvent, error) {
	return l.store.ListAuditEvents(ctx, l.requestID)
}
