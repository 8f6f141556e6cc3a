// Package sourcetest provides a scripted in-memory source for pipeline
// tests and local development. The script fixes the emitted entities and
// can inject per-item latency and mid-stream failures; the source counts
// emissions so tests can observe backpressure.
package sourcetest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/source"
)

// Script fixes the behavior of a scripted source.
type Script struct {
	// Name reported by the source. Defaults to "sourcetest".
	Name string
	// Entities are emitted in order.
	Entities []entity.Record
	// PerItemDelay is slept before each emission when positive.
	PerItemDelay time.Duration
	// FailAfter injects an error after that many successful emissions
	// when positive.
	FailAfter int
	// FailErr is the injected error. Required when FailAfter is set.
	FailErr error
	// NextCursor is returned by Cursor after a run.
	NextCursor json.RawMessage
	// AuthErr is returned by ValidateAuth when set.
	AuthErr error
}

// Source replays a script. It implements source.Source, source.CursorAware
// and source.AuthValidator.
type Source struct {
	script  Script
	emitted atomic.Int64
	loaded  atomic.Pointer[json.RawMessage]
}

var (
	_ source.Source        = (*Source)(nil)
	_ source.CursorAware   = (*Source)(nil)
	_ source.AuthValidator = (*Source)(nil)
)

// New builds a scripted source.
func New(script Script) *Source {
	if script.Name == "" {
		script.Name = "sourcetest"
	}
	return &Source{script: script}
}

// Name implements source.Source.
func (s *Source) Name() string { return s.script.Name }

// Generate replays the script. Emission honors ctx and the consumer's
// backpressure; the failure injection fires after FailAfter successful
// emissions.
func (s *Source) Generate(ctx context.Context, emit source.Emit) error {
	for _, rec := range s.script.Entities {
		if s.script.FailAfter > 0 && int(s.emitted.Load()) >= s.script.FailAfter {
			return s.script.FailErr
		}
		if s.script.PerItemDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.script.PerItemDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(rec); err != nil {
			return err
		}
		s.emitted.Add(1)
	}
	return nil
}

// Emitted reports how many entities have been emitted so far. Tests use it
// to assert the backpressure bound while the consumer is paused.
func (s *Source) Emitted() int { return int(s.emitted.Load()) }

// LoadCursor records the cursor handed to the source.
func (s *Source) LoadCursor(cursor json.RawMessage) error {
	c := make(json.RawMessage, len(cursor))
	copy(c, cursor)
	s.loaded.Store(&c)
	return nil
}

// LoadedCursor returns the cursor passed to LoadCursor, or nil.
func (s *Source) LoadedCursor() json.RawMessage {
	if p := s.loaded.Load(); p != nil {
		return *p
	}
	return nil
}

// Cursor returns the script's next cursor.
func (s *Source) Cursor() json.RawMessage { return s.script.NextCursor }

// ValidateAuth returns the scripted auth error.
func (s *Source) ValidateAuth(context.Context) error { return s.script.AuthErr }

// Records builds n plain entities named seq-0..seq-n-1 with the given type
// and a one-field payload. Convenience for pipeline tests.
func Records(entityType string, n int) []entity.Record {
	recs := make([]entity.Record, 0, n)
	for i := 0; i < n; i++ {
		id := "seq-" + strconv.Itoa(i)
		recs = append(recs, &entity.Entity{
			EntityID: id,
			Type:     entityType,
			Payload:  map[string]any{"body": "entity body " + id},
		})
	}
	return recs
}
