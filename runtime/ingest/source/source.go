// Package source defines the adapter contract for pulling entities out of
// upstream systems and a registry resolving adapters by name. Adapters are
// constructed once per sync job with decrypted credentials and per-source
// settings; they emit a lazy, finite, consume-once sequence of entities.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Emit delivers one entity to the consumer. It blocks while the pipeline
// applies backpressure and returns an error once the consumer has stopped;
// adapters must then return promptly from Generate.
type Emit func(entity.Record) error

// Source pulls entities from one upstream system.
//
// Generate must emit every reachable entity exactly once per invocation,
// keep parents ahead of children that reference them, and produce
// deterministic entity IDs for identical upstream state. Transient
// upstream failures are retried inside the adapter (RetryBaseline);
// unrecoverable per-item failures are either skipped and logged or
// returned, per source policy. A Source is consumed once and never
// restarted.
type Source interface {
	// Name identifies the adapter (the integration short name).
	Name() string
	// Generate streams entities to emit until the source is exhausted,
	// ctx is cancelled, or emit reports the consumer is gone.
	Generate(ctx context.Context, emit Emit) error
}

// CursorAware is implemented by sources that support incremental pulls.
// LoadCursor is called before Generate with the cursor persisted by the
// previous job; Cursor is called after a fully flushed run and its value
// persisted for the next one.
type CursorAware interface {
	LoadCursor(cursor json.RawMessage) error
	Cursor() json.RawMessage
}

// AuthValidator is implemented by sources that can cheaply verify their
// credentials before a job starts.
type AuthValidator interface {
	ValidateAuth(ctx context.Context) error
}

// Config carries everything an adapter needs at construction time.
type Config struct {
	// Credentials is the decrypted credential payload. Keys depend on the
	// integration's auth method: api_key, access_token, refresh_token,
	// url and key pairs, or a composite configuration.
	Credentials map[string]any
	// Settings holds per-source options (host, excluded tables, page
	// sizes) from the source connection.
	Settings map[string]any
	// Logger is the per-job logger. Never nil once opened through Open.
	Logger telemetry.Logger
}

// Factory constructs a source adapter.
type Factory struct {
	// New builds the adapter. Required.
	New func(ctx context.Context, cfg Config) (Source, error)
	// Capabilities advertises optional contracts the adapter implements.
	Capabilities Capabilities
}

// Capabilities describes the optional contracts of a registered source.
type Capabilities struct {
	// Cursored is set when the source implements CursorAware.
	Cursored bool
	// ValidatesAuth is set when the source implements AuthValidator.
	ValidatesAuth bool
}

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a source factory available under the given name,
// replacing any previous registration. Registrations with an empty name
// or nil constructor are ignored. Adapters register from init or from
// process wiring.
func Register(name string, f Factory) {
	if name == "" || f.New == nil {
		return
	}
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// Open resolves the named factory and constructs an adapter. A nil
// cfg.Logger is replaced with a noop logger.
func Open(ctx context.Context, name string, cfg Config) (Source, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %q not registered", name)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	src, err := f.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", name, err)
	}
	return src, nil
}

// CapabilitiesFor reports the registered capabilities for name. The second
// return is false when the name is unknown.
func CapabilitiesFor(name string) (Capabilities, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f.Capabilities, ok
}

// Names returns the registered source names in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryBaseline returns the policy adapters apply to upstream calls:
// three attempts with exponential backoff bounded between two and ten
// seconds. Upstream connectors rate limit aggressively, so the floor sits
// well above the generic default.
func RetryBaseline() retry.Config {
	return retry.Config{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}
