// Package chunker splits converted markdown files into token-budgeted
// chunk entities for embedding.
package chunker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/transform"
)

const (
	// Name is the method reference DAG nodes use for this transformer.
	Name = "file_chunker"

	// ChunkType is the entity type of emitted chunks.
	ChunkType = "FileChunk"

	// DefaultMaxChunkTokens bounds the estimated token count of one chunk.
	DefaultMaxChunkTokens = 8192
)

// Chunker splits markdown files whose estimated token count exceeds the
// budget. Split points prefer major headers once the running chunk passes
// half the budget, any header once it passes the full budget, and paragraph
// boundaries inside oversized sections. Code fences are never split; a
// single paragraph larger than the budget is emitted unsplit.
type Chunker struct {
	maxTokens int
}

var _ transform.Transformer = (*Chunker)(nil)

// New returns a chunker with the given token budget. Non-positive budgets
// default to DefaultMaxChunkTokens.
func New(maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	return &Chunker{maxTokens: maxTokens}
}

// Transform splits file entities into FileChunk entities. Files within the
// budget, chunks, and non-file records pass through unchanged.
func (c *Chunker) Transform(ctx context.Context, rec entity.Record) ([]entity.Record, error) {
	file, ok := rec.(*entity.File)
	if !ok {
		return []entity.Record{rec}, nil
	}
	md, err := markdownContent(file)
	if err != nil {
		return nil, err
	}
	if transform.EstimateTokens(md) <= c.maxTokens {
		return []entity.Record{file}, nil
	}
	pieces := c.split(md)
	crumbs := chunkBreadcrumbs(file)
	out := make([]entity.Record, len(pieces))
	for i, p := range pieces {
		chunk := &entity.Chunk{
			Entity: entity.Entity{
				EntityID:           fmt.Sprintf("%s_chunk_%d", file.EntityID, i),
				Type:               ChunkType,
				Breadcrumbs:        crumbs,
				Payload:            map[string]any{"file_entity_id": file.EntityID},
				SourceName:         file.SourceName,
				SyncID:             file.SyncID,
				SyncJobID:          file.SyncJobID,
				SourceConnectionID: file.SourceConnectionID,
				ParentEntityID:     file.EntityID,
			},
			ChunkIndex:   i,
			TotalChunks:  len(pieces),
			Text:         p.text,
			MDHeaderPath: p.headers,
		}
		out[i] = chunk
	}
	return out, nil
}

func markdownContent(file *entity.File) (string, error) {
	if md, ok := file.Payload[transform.MarkdownKey].(string); ok && md != "" {
		return md, nil
	}
	if file.LocalPath == "" {
		return "", fmt.Errorf("file %s carries no markdown content", file.EntityID)
	}
	data, err := os.ReadFile(file.LocalPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file.LocalPath, err)
	}
	return string(data), nil
}

func chunkBreadcrumbs(file *entity.File) []entity.Breadcrumb {
	name := file.EntityID
	if n, ok := file.Payload["name"].(string); ok && n != "" {
		name = n
	}
	crumbs := make([]entity.Breadcrumb, 0, len(file.Breadcrumbs)+1)
	crumbs = append(crumbs, file.Breadcrumbs...)
	crumbs = append(crumbs, entity.Breadcrumb{ID: file.EntityID, Name: name, Type: file.Type})
	return crumbs
}

type piece struct {
	text    string
	headers []string
}

func (c *Chunker) split(md string) []piece {
	var out []piece
	for _, s := range c.splitSections(md) {
		if transform.EstimateTokens(s.text) <= c.maxTokens {
			out = append(out, s)
			continue
		}
		out = append(out, c.splitParagraphs(s)...)
	}
	return out
}

type headerRef struct {
	level int
	title string
}

// splitSections breaks the document at header lines. Major headers (levels
// 1 and 2) cut once the running section passes half the budget; any header
// cuts once it passes the full budget. Sections may still exceed the budget
// when headers are sparse; splitParagraphs handles those.
func (c *Chunker) splitSections(md string) []piece {
	var (
		sections []piece
		cur      []string
		curChars int
		stack    []headerRef
		curPath  []string
		inFence  bool
	)
	flush := func(nextPath []string) {
		if len(cur) > 0 {
			sections = append(sections, piece{text: strings.Join(cur, "\n"), headers: curPath})
			cur = nil
			curChars = 0
		}
		curPath = nextPath
	}
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence {
			if level, title, ok := parseHeader(line); ok {
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, headerRef{level: level, title: title})
				path := headerTitles(stack)
				curTok := curChars / 3
				switch {
				case curTok > c.maxTokens:
					flush(path)
				case level <= 2 && curTok > c.maxTokens/2:
					flush(path)
				case len(cur) == 0:
					curPath = path
				}
			}
		}
		cur = append(cur, line)
		curChars += len(line) + 1
	}
	flush(nil)
	return sections
}

// splitParagraphs packs blank-line separated paragraphs into budget-sized
// pieces. Fenced code blocks count as a single paragraph. A paragraph that
// alone exceeds the budget becomes its own piece.
func (c *Chunker) splitParagraphs(s piece) []piece {
	var (
		out      []piece
		cur      []string
		curChars int
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, piece{text: strings.Join(cur, "\n\n"), headers: s.headers})
			cur = nil
			curChars = 0
		}
	}
	for _, para := range paragraphs(s.text) {
		next := curChars + len(para)
		if len(cur) > 0 {
			next += 2
		}
		if len(cur) > 0 && next/3 > c.maxTokens {
			flush()
			next = len(para)
		}
		cur = append(cur, para)
		curChars = next
	}
	flush()
	return out
}

func paragraphs(text string) []string {
	var (
		paras   []string
		cur     []string
		inFence bool
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			cur = append(cur, line)
			continue
		}
		if trimmed == "" && !inFence {
			if len(cur) > 0 {
				paras = append(paras, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paras = append(paras, strings.Join(cur, "\n"))
	}
	return paras
}

func parseHeader(line string) (level int, title string, ok bool) {
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i == 0 || i > 6 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	return i, strings.TrimSpace(line[i+1:]), true
}

func headerTitles(stack []headerRef) []string {
	titles := make([]string, len(stack))
	for i, h := range stack {
		titles[i] = h.title
	}
	return titles
}
