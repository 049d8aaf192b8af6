// Package orchestrator drives a full extraction request: preprocess
// the document, run every active agent for the document type in
// sequence, and merge the per-agent results. Partial success is a
// normal outcome; the orchestrator itself never returns a Go error,
// only a typed failure result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docpipe/internal/audit"
	"github.com/sells-group/docpipe/internal/model"
	"github.com/sells-group/docpipe/internal/preprocess"
	"github.com/sells-group/docpipe/internal/secrets"
	"github.com/sells-group/docpipe/internal/store"
	"github.com/sells-group/docpipe/pkg/llm"
)

// documentTextPlaceholder marks where the preprocessed text lands in a
// rendered prompt template.
const documentTextPlaceholder = "{document_text}"

// maxConcurrentUploads bounds the provider file upload fan-out.
const maxConcurrentUploads = 4

type preprocessor interface {
	Process(path string) (*preprocess.Document, error)
}

type executor interface {
	Execute(ctx context.Context, agent *model.ExtractionAgent, docType, prompt string, uploads map[string]*llm.UploadedFile, auditLog *audit.Logger) (*model.StepResult, error)
}

type uploader interface {
	Upload(ctx context.Context, provider, apiKey, path string) (*llm.UploadedFile, error)
}

// Orchestrator coordinates one extraction request end to end.
type Orchestrator struct {
	store    store.Store
	pre      preprocessor
	executor executor
	uploader uploader
	keyring  *secrets.Keyring
	log      *zap.Logger
}

// New creates an Orchestrator.
func New(st store.Store, pre preprocessor, exec executor, up uploader, keyring *secrets.Keyring) *Orchestrator {
	return &Orchestrator{
		store:    st,
		pre:      pre,
		executor: exec,
		uploader: up,
		keyring:  keyring,
		log:      zap.L().Named("orchestrator"),
	}
}

// RunRequest describes one document to extract.
type RunRequest struct {
	FilePath   string
	DocType    string
	ExternalID string
	RequestID  string // generated when empty
	IntakeID   string
}

// Run executes the pipeline. Exactly one of the returns is non-nil.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (res *model.ExtractionResult, failure *model.ExtractionError) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	auditLog := audit.New(o.store, requestID)
	auditLog.SetExternalID(req.ExternalID)
	auditLog.SetDocumentIntake(req.IntakeID)

	// The pipeline must hand back a failure result rather than crash,
	// whatever goes wrong inside.
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("extraction panicked",
				zap.String("request_id", requestID),
				zap.Any("panic", r))
			res = nil
			failure = auditLog.Failure(ctx, model.ErrCodeUnknown, fmt.Sprintf("internal failure: %v", r), 0, 0)
		}
	}()

	auditLog.Event(ctx, model.AuditRequestStarted)

	auditLog.Event(ctx, model.AuditPreprocessStarted)
	doc, err := o.pre.Process(req.FilePath)
	if err != nil {
		o.log.Warn("preprocess failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, auditLog.Failure(ctx, model.ErrCodePreprocessFailed, err.Error(), 0, 0)
	}
	auditLog.Event(ctx, model.AuditPreprocessCompleted)

	docType, err := o.store.GetDocumentTypeByCode(ctx, req.DocType)
	if err != nil {
		return nil, o.fail(ctx, auditLog, requestID, &model.ExtractionFailedError{
			Code:    model.ErrCodeExtractionFailed,
			Message: "document type lookup: " + err.Error(),
		}, 0, 0)
	}
	if docType == nil {
		return nil, o.fail(ctx, auditLog, requestID, &model.ExtractionFailedError{
			Code:    model.ErrCodeExtractionFailed,
			Message: "unknown document type " + req.DocType,
		}, 0, 0)
	}
	auditLog.SetDocType(ctx, req.DocType)

	agents, err := o.store.ListAgentsByDocType(ctx, docType.ID)
	if err != nil {
		return nil, o.fail(ctx, auditLog, requestID, &model.ExtractionFailedError{
			Code:    model.ErrCodeExtractionFailed,
			Message: "agent lookup: " + err.Error(),
		}, 0, 0)
	}
	if len(agents) == 0 {
		return nil, o.fail(ctx, auditLog, requestID, &model.ExtractionFailedError{
			Code:    model.ErrCodeExtractionFailed,
			Message: "no agents configured for document type " + req.DocType,
		}, 0, 0)
	}

	active := agents[:0:0]
	for _, a := range agents {
		if a.IsActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return nil, o.fail(ctx, auditLog, requestID, &model.ExtractionFailedError{
			Code:    model.ErrCodeExtractionFailed,
			Message: "no active agents for document type " + req.DocType,
		}, 0, 0)
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].SequenceNo < active[j].SequenceNo })

	uploads := o.uploadForCredentials(ctx, active, req.FilePath)

	merged := make(map[string]any)
	succeeded := 0
	var totalCost float64
	var totalLatency int64
	var lastExhausted *model.ChainExhaustedError

	for i := range active {
		agent := &active[i]
		auditLog.Event(ctx, model.AuditAgentStarted, audit.WithAgent(agent))

		prompt, err := renderPrompt(agent, doc.Text)
		if err != nil {
			auditLog.Event(ctx, model.AuditAgentFailed, audit.WithAgent(agent), audit.WithError(err))
			o.log.Warn("agent failed",
				zap.String("request_id", requestID),
				zap.String("agent", agent.Code),
				zap.Error(err))
			continue
		}

		result, err := o.executor.Execute(ctx, agent, req.DocType, prompt, uploads, auditLog)
		if err != nil {
			auditLog.Event(ctx, model.AuditAgentFailed, audit.WithAgent(agent), audit.WithError(err))
			o.log.Warn("agent failed",
				zap.String("request_id", requestID),
				zap.String("agent", agent.Code),
				zap.Error(err))
			var exhausted *model.ChainExhaustedError
			if errors.As(err, &exhausted) {
				lastExhausted = exhausted
			}
			continue
		}

		// Later agents win on key collisions.
		for k, v := range result.Data {
			merged[k] = v
		}
		succeeded++
		totalCost += result.CostUSD
		totalLatency += result.LatencyMS
		auditLog.Event(ctx, model.AuditAgentCompleted,
			audit.WithAgent(agent),
			audit.WithUsage(result.TokensPrompt, result.TokensCompletion, result.CostUSD),
			audit.WithLatency(result.LatencyMS),
		)
	}

	if succeeded == 0 {
		failedAt, retries := 0, 0
		if lastExhausted != nil {
			failedAt = lastExhausted.Attempted
			retries = lastExhausted.Retries
		}
		return nil, o.fail(ctx, auditLog, requestID, &model.ExtractionFailedError{
			Code:    model.ErrCodeExtractionFailed,
			Message: fmt.Sprintf("all %d agents failed for document type %s", len(active), req.DocType),
		}, failedAt, retries)
	}

	auditLog.Event(ctx, model.AuditExtractionCompleted,
		audit.WithUsage(0, 0, totalCost),
		audit.WithLatency(totalLatency),
	)
	o.log.Info("extraction completed",
		zap.String("request_id", requestID),
		zap.String("doc_type", req.DocType),
		zap.Int("agents_total", len(active)),
		zap.Int("agents_succeeded", succeeded),
		zap.Float64("total_cost_usd", totalCost))

	return &model.ExtractionResult{
		RequestID:       requestID,
		DocType:         req.DocType,
		Data:            merged,
		AgentsTotal:     len(active),
		AgentsSucceeded: succeeded,
		TotalCostUSD:    totalCost,
		TotalLatencyMS:  totalLatency,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// fail logs a pipeline-level failure and converts it to the
// caller-facing error payload, recording it in the audit trail under
// the same code and message.
func (o *Orchestrator) fail(ctx context.Context, auditLog *audit.Logger, requestID string, ferr *model.ExtractionFailedError, failedAtStep, retryCount int) *model.ExtractionError {
	o.log.Warn("extraction failed",
		zap.String("request_id", requestID),
		zap.String("error_code", ferr.Code),
		zap.Error(ferr))
	return auditLog.Failure(ctx, ferr.Code, ferr.Message, failedAtStep, retryCount)
}

// uploadForCredentials registers the document once per unique
// credential across all active agents' chains. Upload failures are
// non-fatal: the rendered prompt always carries the document text.
func (o *Orchestrator) uploadForCredentials(ctx context.Context, agents []model.ExtractionAgent, path string) map[string]*llm.UploadedFile {
	type target struct {
		credential *model.LLMCredential
		provider   string
	}
	targets := make(map[string]target)
	for i := range agents {
		chain := agents[i].Chain
		if chain == nil {
			continue
		}
		for j := range chain.Steps {
			step := &chain.Steps[j]
			if step.Credential == nil || !step.Credential.IsActive || step.Model == nil {
				continue
			}
			if _, seen := targets[step.CredentialID]; !seen {
				targets[step.CredentialID] = target{credential: step.Credential, provider: step.Model.Provider}
			}
		}
	}

	uploads := make(map[string]*llm.UploadedFile, len(targets))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for credID, tgt := range targets {
		g.Go(func() error {
			apiKey, err := o.keyring.Open(tgt.credential.APIKeyEnc)
			if err != nil {
				o.log.Warn("upload skipped: credential decryption failed",
					zap.String("credential", tgt.credential.Name),
					zap.Error(err))
				return nil
			}
			file, err := o.uploader.Upload(gctx, tgt.provider, apiKey, path)
			if err != nil {
				o.log.Warn("document upload failed",
					zap.String("provider", tgt.provider),
					zap.String("credential", tgt.credential.Name),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			uploads[credID] = file
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return uploads
}

// renderPrompt substitutes the document text into the agent's bound
// template.
func renderPrompt(agent *model.ExtractionAgent, docText string) (string, error) {
	tpl := agent.Template
	if tpl == nil || !tpl.IsActive {
		return "", &model.TemplateNotFoundError{AgentCode: agent.Code}
	}
	if !strings.Contains(tpl.Body, documentTextPlaceholder) {
		return "", &model.TemplateRenderError{
			TemplateID: tpl.ID,
			Err:        fmt.Errorf("template body lacks %s placeholder", documentTextPlaceholder),
		}
	}
	prompt := strings.ReplaceAll(tpl.Body, documentTextPlaceholder, docText)
	if tpl.Language != "" {
		prompt = strings.ReplaceAll(prompt, "{language}", tpl.Language)
	}
	return prompt, nil
}
