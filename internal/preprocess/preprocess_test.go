package preprocess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docpipe/internal/model"
)

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestProcess_PlainTextPassthrough(t *testing.T) {
	p := New()
	path := writeTemp(t, "case.txt", []byte("Patient experienced headache after dose."))

	doc, err := p.Process(path)
	require.NoError(t, err)
	assert.Equal(t, "Patient experienced headache after dose.", doc.Text)
	assert.Equal(t, "text/plain", doc.MIMEType)
	assert.Equal(t, 1, doc.PageCount)
	assert.Equal(t, path, doc.SourcePath)
}

func TestProcess_MissingFile(t *testing.T) {
	p := New()

	_, err := p.Process(filepath.Join(t.TempDir(), "absent.txt"))
	var preErr *model.PreProcessError
	require.ErrorAs(t, err, &preErr)
	assert.Contains(t, preErr.Path, "absent.txt")
}

func TestProcess_EmptyDocument(t *testing.T) {
	p := New()
	path := writeTemp(t, "empty.txt", []byte("   \n\t  "))

	_, err := p.Process(path)
	var preErr *model.PreProcessError
	require.ErrorAs(t, err, &preErr)
	assert.Contains(t, err.Error(), "no text content")
}

func TestProcess_Directory(t *testing.T) {
	p := New()

	_, err := p.Process(t.TempDir())
	var preErr *model.PreProcessError
	require.ErrorAs(t, err, &preErr)
}

func TestProcess_BinaryGarbage(t *testing.T) {
	p := New()
	path := writeTemp(t, "blob.bin", []byte{0xff, 0xfe, 0x00, 0x81})

	_, err := p.Process(path)
	var preErr *model.PreProcessError
	require.ErrorAs(t, err, &preErr)
}

func TestProcess_CorruptPDF(t *testing.T) {
	p := New()
	path := writeTemp(t, "broken.pdf", []byte("%PDF-1.7 not really a pdf"))

	_, err := p.Process(path)
	var preErr *model.PreProcessError
	require.ErrorAs(t, err, &preErr)
}
