// Package preprocess converts incoming documents to plain text before
// any agent runs. PDF pages go through pdfcpu content extraction; text
// files pass through as-is.
package preprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/sells-group/docpipe/internal/model"
)

// Document is a preprocessed input ready for extraction.
type Document struct {
	SourcePath string
	Text       string
	MIMEType   string
	PageCount  int
}

// Processor converts source documents to plain text.
type Processor struct {
	tempDir string
	log     *zap.Logger
}

// New creates a Processor using a scratch directory under the system
// temp dir.
func New() *Processor {
	tempDir := filepath.Join(os.TempDir(), "docpipe-preprocess")
	_ = os.MkdirAll(tempDir, 0o755)
	return &Processor{
		tempDir: tempDir,
		log:     zap.L().Named("preprocess"),
	}
}

// Process reads path and returns its text content. Every failure mode
// (missing file, unreadable PDF, empty result) surfaces as
// *model.PreProcessError so the orchestrator can report one error code.
func (p *Processor) Process(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &model.PreProcessError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &model.PreProcessError{Path: path, Err: fmt.Errorf("is a directory")}
	}

	var doc *Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		doc, err = p.processPDF(path)
	default:
		doc, err = p.processText(path)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(doc.Text) == "" {
		return nil, &model.PreProcessError{Path: path, Err: fmt.Errorf("no text content")}
	}
	p.log.Info("document preprocessed",
		zap.String("path", path),
		zap.String("mime_type", doc.MIMEType),
		zap.Int("pages", doc.PageCount),
		zap.Int("text_bytes", len(doc.Text)))
	return doc, nil
}

func (p *Processor) processText(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.PreProcessError{Path: path, Err: err}
	}
	if !utf8.Valid(raw) {
		return nil, &model.PreProcessError{Path: path, Err: fmt.Errorf("not valid UTF-8 text")}
	}
	return &Document{
		SourcePath: path,
		Text:       string(raw),
		MIMEType:   "text/plain",
		PageCount:  1,
	}, nil
}

func (p *Processor) processPDF(path string) (*Document, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return nil, &model.PreProcessError{Path: path, Err: err}
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp(p.tempDir, "pages_")
	if err != nil {
		return nil, &model.PreProcessError{Path: path, Err: err}
	}
	defer os.RemoveAll(outDir)

	conf := pdfmodel.NewDefaultConfiguration()
	if err := api.ExtractContentFile(path, outDir, nil, conf); err != nil {
		return nil, &model.PreProcessError{Path: path, Err: err}
	}

	// pdfcpu writes one content file per page. File naming varies by
	// version, so parse the page number out of each name.
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, &model.PreProcessError{Path: path, Err: err}
	}
	pageTexts := make(map[int]string, pageCount)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var pageNum int
		name := entry.Name()
		if _, err := fmt.Sscanf(name, "page_%d", &pageNum); err != nil {
			if _, err := fmt.Sscanf(name, "Content_page_%d", &pageNum); err != nil {
				continue
			}
		}
		content, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			p.log.Warn("skipping unreadable page content",
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		pageTexts[pageNum] = string(content)
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if pageNum > 1 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(pageTexts[pageNum])
	}

	return &Document{
		SourcePath: path,
		Text:       builder.String(),
		MIMEType:   "application/pdf",
		PageCount:  pageCount,
	}, nil
}
