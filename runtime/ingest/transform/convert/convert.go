// Package convert renders materialized files as markdown ahead of
// chunking. Converters are registered per MIME type; the package ships
// plain-text, markdown, CSV, JSON, XML, and HTML converters, and rich
// formats (docx, pdf, images) plug into the same registry from outside.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/transform"
)

// Name is the method reference DAG nodes use for this transformer.
const Name = "file_converter"

// Converter renders one file's content as markdown.
type Converter interface {
	Convert(ctx context.Context, data []byte) (string, error)
}

// Func adapts a function to the Converter interface.
type Func func(ctx context.Context, data []byte) (string, error)

// Convert calls f.
func (f Func) Convert(ctx context.Context, data []byte) (string, error) {
	return f(ctx, data)
}

var (
	regMu      sync.RWMutex
	converters = make(map[string]Converter)
)

// Register installs a converter for a MIME type, replacing any previous
// registration. Parameters and case are normalized away, so
// "Text/HTML; charset=utf-8" and "text/html" share one slot.
func Register(mimeType string, c Converter) {
	key := normalizeMime(mimeType)
	if key == "" || c == nil {
		return
	}
	regMu.Lock()
	defer regMu.Unlock()
	converters[key] = c
}

// Lookup returns the converter registered for a MIME type.
func Lookup(mimeType string) (Converter, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	c, ok := converters[normalizeMime(mimeType)]
	return c, ok
}

// Mimes returns the registered MIME types in sorted order.
func Mimes() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	mimes := make([]string, 0, len(converters))
	for m := range converters {
		mimes = append(mimes, m)
	}
	sort.Strings(mimes)
	return mimes
}

// FileConverter is the transformer that folds converted markdown into file
// entities under transform.MarkdownKey. Files already carrying markdown and
// non-file records pass through unchanged; a file whose MIME type has no
// registered converter is an error, which the pipeline counts as a skipped
// entity rather than a failed job.
type FileConverter struct{}

var _ transform.Transformer = (*FileConverter)(nil)

// New returns the file converter.
func New() *FileConverter { return &FileConverter{} }

// Transform implements transform.Transformer.
func (c *FileConverter) Transform(ctx context.Context, rec entity.Record) ([]entity.Record, error) {
	file, ok := rec.(*entity.File)
	if !ok {
		return []entity.Record{rec}, nil
	}
	if md, ok := file.Payload[transform.MarkdownKey].(string); ok && md != "" {
		return []entity.Record{file}, nil
	}
	mimeType := normalizeMime(file.MimeType)
	if mimeType == "" {
		mimeType = mimeFromPath(file.LocalPath)
	}
	if mimeType == "" {
		return nil, fmt.Errorf("convert %s: file has no mime type", file.EntityID)
	}
	conv, ok := Lookup(mimeType)
	if !ok {
		return nil, fmt.Errorf("convert %s: no converter registered for %q", file.EntityID, mimeType)
	}
	if file.LocalPath == "" {
		return nil, fmt.Errorf("convert %s: file not materialized", file.EntityID)
	}
	data, err := os.ReadFile(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", file.EntityID, err)
	}
	md, err := conv.Convert(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", file.EntityID, err)
	}
	if file.Payload == nil {
		file.Payload = make(map[string]any, 1)
	}
	file.Payload[transform.MarkdownKey] = md
	return []entity.Record{file}, nil
}

func normalizeMime(mimeType string) string {
	m := strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

// extMimes resolves files whose sources report no MIME type. Fixed rather
// than mime.TypeByExtension so behavior does not vary with the host's mime
// database.
var extMimes = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".json":     "application/json",
	".xml":      "application/xml",
	".html":     "text/html",
	".htm":      "text/html",
}

func mimeFromPath(path string) string {
	return extMimes[strings.ToLower(filepath.Ext(path))]
}
