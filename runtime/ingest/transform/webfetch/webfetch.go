// Package webfetch turns URL-bearing entities into materialized file
// entities: it fetches the page, converts it to markdown, and writes the
// result under the job's temp root so downstream chunking works on it like
// any other file.
package webfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/transform"
	"github.com/weftworks/loom/runtime/ingest/transform/convert"
)

const (
	// Name is the method reference DAG nodes use for this transformer.
	Name = "web_fetcher"

	// FileType is the entity type of emitted files.
	FileType = "WebFile"

	// URLKey is the payload key carrying the page address.
	URLKey = "url"

	// maxFetchBytes caps how much of a response body is read.
	maxFetchBytes = 32 << 20
)

// Fetcher fetches web pages and emits file entities in their place.
type Fetcher struct {
	client *http.Client
	retry  retry.Config
}

var _ transform.Transformer = (*Fetcher)(nil)

// New returns a fetcher. A nil client gets a 60s-timeout default; fetches
// follow the adapter retry baseline.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{client: client, retry: source.RetryBaseline()}
}

// Transform fetches the entity's URL and replaces the entity with a file
// carrying the converted markdown. File and chunk records pass through
// unchanged; an entity without a url payload key is an error.
func (f *Fetcher) Transform(ctx context.Context, rec entity.Record) ([]entity.Record, error) {
	switch rec.(type) {
	case *entity.File, *entity.Chunk:
		return []entity.Record{rec}, nil
	}
	core := rec.Core()
	pageURL, _ := core.Payload[URLKey].(string)
	if pageURL == "" {
		return nil, fmt.Errorf("fetch %s: payload has no %q key", core.EntityID, URLKey)
	}

	body, mimeType, err := f.fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", core.EntityID, err)
	}

	content := body
	outMime := mimeType
	var markdown string
	if conv, ok := convert.Lookup(mimeType); ok {
		md, err := conv.Convert(ctx, body)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", core.EntityID, err)
		}
		markdown = md
		content = []byte(md)
		outMime = "text/markdown"
	}

	fileUUID := uuid.NewString()
	name := fileName(core, pageURL, markdown != "")
	dir := transform.TempDir(ctx)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", core.EntityID, err)
	}
	localPath := filepath.Join(dir, fileUUID+"-"+name)
	if err := os.WriteFile(localPath, content, 0o600); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", core.EntityID, err)
	}

	crumbs := make([]entity.Breadcrumb, 0, len(core.Breadcrumbs)+1)
	crumbs = append(crumbs, core.Breadcrumbs...)
	crumbs = append(crumbs, entity.Breadcrumb{ID: core.EntityID, Name: name, Type: core.Type})

	sum := sha256.Sum256(content)
	payload := map[string]any{
		"name": name,
		URLKey: pageURL,
	}
	if markdown != "" {
		payload[transform.MarkdownKey] = markdown
	}
	file := &entity.File{
		Entity: entity.Entity{
			EntityID:           core.EntityID + "_file",
			Type:               FileType,
			Breadcrumbs:        crumbs,
			Payload:            payload,
			SourceName:         core.SourceName,
			SyncID:             core.SyncID,
			SyncJobID:          core.SyncJobID,
			SourceConnectionID: core.SourceConnectionID,
			ParentEntityID:     core.EntityID,
		},
		DownloadURL: pageURL,
		FileUUID:    fileUUID,
		LocalPath:   localPath,
		Checksum:    hex.EncodeToString(sum[:]),
		TotalSize:   int64(len(content)),
		MimeType:    outMime,
	}
	return []entity.Record{file}, nil
}

func (f *Fetcher) fetch(ctx context.Context, pageURL string) ([]byte, string, error) {
	var (
		body     []byte
		mimeType string
	)
	err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return err
		}
		body = data
		mimeType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if mimeType == "" {
		mimeType = "text/html"
	}
	return body, mimeType, nil
}

// fileName derives a filesystem-safe name for the fetched page from its
// title, its name, or its URL.
func fileName(core *entity.Entity, pageURL string, converted bool) string {
	name, _ := core.Payload["title"].(string)
	if name == "" {
		name, _ = core.Payload["name"].(string)
	}
	if name == "" {
		if u, err := url.Parse(pageURL); err == nil {
			name = path.Base(u.Path)
			if name == "." || name == "/" || name == "" {
				name = u.Host
			}
		}
	}
	if name == "" {
		name = "page"
	}
	name = sanitize(name)
	if converted && !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	return name
}

const maxNameLen = 64

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxNameLen {
			break
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "page"
	}
	return out
}
