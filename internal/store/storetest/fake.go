// Package storetest provides an in-memory Store for unit tests of the
// packages built on top of the persistence layer.
package storetest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sells-group/docpipe/internal/model"
)

// Fake is an in-memory Store. Error hooks let tests inject
// infrastructure failures on specific operations.
type Fake struct {
	mu sync.Mutex

	DocTypes    map[string]*model.DocumentType // by code
	Agents      map[string]*model.ExtractionAgent
	Models      map[string]*model.LLMModel // by name
	Credentials map[string]*model.LLMCredential
	Templates   map[string]*model.PromptTemplate
	Chains      map[string]*model.FallbackChain

	Events []model.AuditEvent
	seqs   map[string]int

	// Error hooks. When set, the corresponding operation fails.
	NextSeqErr     error
	InsertErr      error
	LookupErr      error
	ListAgentsErr  error
	LookupMisses   int // counts lookups that returned (nil, nil)
	LookupRequests int // counts all lookup calls hitting the fake
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		DocTypes:    make(map[string]*model.DocumentType),
		Agents:      make(map[string]*model.ExtractionAgent),
		Models:      make(map[string]*model.LLMModel),
		Credentials: make(map[string]*model.LLMCredential),
		Templates:   make(map[string]*model.PromptTemplate),
		Chains:      make(map[string]*model.FallbackChain),
		seqs:        make(map[string]int),
	}
}

func (f *Fake) GetDocumentTypeByCode(_ context.Context, code string) (*model.DocumentType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LookupRequests++
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	dt, ok := f.DocTypes[code]
	if !ok {
		f.LookupMisses++
		return nil, nil
	}
	return dt, nil
}

func (f *Fake) GetAgentByCode(_ context.Context, code string) (*model.ExtractionAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LookupRequests++
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	a, ok := f.Agents[code]
	if !ok {
		f.LookupMisses++
		return nil, nil
	}
	return a, nil
}

func (f *Fake) ListAgentsByDocType(_ context.Context, docTypeID string) ([]model.ExtractionAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListAgentsErr != nil {
		return nil, f.ListAgentsErr
	}
	var agents []model.ExtractionAgent
	for _, a := range f.Agents {
		if a.DocTypeID == docTypeID {
			agents = append(agents, *a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].SequenceNo < agents[j].SequenceNo })
	return agents, nil
}

func (f *Fake) CreateDocumentType(_ context.Context, dt *model.DocumentType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dt.ID == "" {
		dt.ID = uuid.New().String()
	}
	f.DocTypes[dt.Code] = dt
	return nil
}

func (f *Fake) CreateModel(_ context.Context, m *model.LLMModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	f.Models[m.Name] = m
	return nil
}

func (f *Fake) CreateCredential(_ context.Context, c *model.LLMCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	f.Credentials[c.ID] = c
	return nil
}

func (f *Fake) CreatePromptTemplate(_ context.Context, t *model.PromptTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	f.Templates[t.ID] = t
	return nil
}

func (f *Fake) CreateChain(_ context.Context, chain *model.FallbackChain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chain.ID == "" {
		chain.ID = uuid.New().String()
	}
	f.Chains[chain.ID] = chain
	return nil
}

func (f *Fake) CreateAgent(_ context.Context, a *model.ExtractionAgent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	f.Agents[a.Code] = a
	return nil
}

func (f *Fake) NextSeq(_ context.Context, requestID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NextSeqErr != nil {
		return 0, f.NextSeqErr
	}
	f.seqs[requestID]++
	return f.seqs[requestID], nil
}

func (f *Fake) InsertAuditEvent(_ context.Context, ev *model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InsertErr != nil {
		return f.InsertErr
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	f.Events = append(f.Events, *ev)
	return nil
}

func (f *Fake) ListAuditEvents(_ context.Context, requestID string) ([]model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditEvent
	for _, ev := range f.Events {
		if ev.RequestID == requestID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepSeqNo < out[j].StepSeqNo })
	return out, nil
}

func (f *Fake) Migrate(context.Context) error { return nil }
func (f *Fake) Close() error                  { return nil }

// Statuses returns the ordered status tags recorded for a request.
func (f *Fake) Statuses(requestID string) []model.AuditStatus {
	events, _ := f.ListAuditEvents(context.Background(), requestID)
	out := make([]model.AuditStatus, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}
