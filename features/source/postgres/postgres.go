// Package postgres implements the PostgreSQL source adapter. Tables are
// discovered from information_schema at run time, every row becomes a
// polymorphic table entity whose ID derives from its primary key values,
// and incremental pulls ride per-table high-water marks over an updated-at
// style column when the table has one.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Name is the registry short name.
const Name = "postgresql"

// defaultPageSize is how many rows one page query returns.
const defaultPageSize = 500

func init() {
	source.Register(Name, source.Factory{
		New: func(_ context.Context, cfg source.Config) (source.Source, error) {
			return New(cfg)
		},
		Capabilities: source.Capabilities{Cursored: true, ValidatesAuth: true},
	})
}

// Source pulls rows out of one PostgreSQL database. Connections are opened
// per entry point and released before it returns, so an abandoned adapter
// never pins a pool.
type Source struct {
	poolCfg  *pgxpool.Config
	settings settings
	logger   telemetry.Logger

	// marks holds the per-table high-water marks, keyed by schema.table and
	// valued with RFC 3339 timestamps.
	marks map[string]string
}

var (
	_ source.Source        = (*Source)(nil)
	_ source.CursorAware   = (*Source)(nil)
	_ source.AuthValidator = (*Source)(nil)
)

// New builds the adapter from decrypted credentials and per-connection
// settings. No connection is made until ValidateAuth or Generate.
func New(cfg source.Config) (*Source, error) {
	dsn, err := buildDSN(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection config: %w", err)
	}
	st, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Source{
		poolCfg:  poolCfg,
		settings: st,
		logger:   logger,
		marks:    make(map[string]string),
	}, nil
}

// Name implements source.Source.
func (s *Source) Name() string { return Name }

// ValidateAuth dials a single connection and pings it.
func (s *Source) ValidateAuth(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, s.poolCfg.ConnConfig.Copy())
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	defer conn.Close(ctx)
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Generate discovers the syncable tables and streams their rows. Tables
// without a primary key are skipped since their rows have no deterministic
// identity; rows that fail schema validation or miss key values are skipped
// and logged, never fatal.
func (s *Source) Generate(ctx context.Context, emit source.Emit) error {
	pool, err := pgxpool.NewWithConfig(ctx, s.poolCfg)
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	defer pool.Close()

	tables, err := s.discoverTables(ctx, pool)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		s.logger.Warn(ctx, "no syncable tables discovered", "schema", s.settings.schema)
		return nil
	}
	for _, tbl := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncTable(ctx, pool, tbl, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) syncTable(ctx context.Context, pool *pgxpool.Pool, tbl tableInfo, emit source.Emit) error {
	header := entity.TableHeader{
		TableName:   tbl.name,
		SchemaName:  tbl.schema,
		PrimaryKeys: tbl.primaryKeys,
	}
	crumb := entity.Breadcrumb{ID: tbl.key(), Name: tbl.name, Type: "table"}

	watermark, incremental := s.watermark(tbl)
	maxSeen := watermark

	var emitted, skipped int
	offset := 0
	for {
		page, err := s.fetchPage(ctx, pool, tbl, watermark, incremental, offset)
		if err != nil {
			return err
		}
		for _, row := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ts, ok := rowTime(row, tbl.cursorColumn); ok && ts.After(maxSeen) {
				maxSeen = ts
			}
			if err := tbl.validator.Validate(row); err != nil {
				s.logger.Warn(ctx, "row failed schema validation", "table", tbl.key(), "err", err)
				skipped++
				continue
			}
			e, err := entity.NewTableEntity(header, row)
			if err != nil {
				s.logger.Warn(ctx, "row skipped", "table", tbl.key(), "err", err)
				skipped++
				continue
			}
			e.Breadcrumbs = []entity.Breadcrumb{crumb}
			if err := emit(e); err != nil {
				return err
			}
			emitted++
		}
		if len(page) < s.settings.pageSize {
			break
		}
		offset += len(page)
	}

	if tbl.cursorColumn != "" && maxSeen.After(watermark) {
		s.marks[tbl.key()] = maxSeen.UTC().Format(time.RFC3339Nano)
	}
	s.logger.Debug(ctx, "table synced", "table", tbl.key(),
		"emitted", emitted, "skipped", skipped, "incremental", incremental)
	return nil
}

// fetchPage reads one page of rows, filtered by the watermark on
// incremental pulls and ordered by primary key for deterministic paging.
func (s *Source) fetchPage(ctx context.Context, pool *pgxpool.Pool, tbl tableInfo, watermark time.Time, incremental bool, offset int) ([]map[string]any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", pgx.Identifier{tbl.schema, tbl.name}.Sanitize())
	var args []any
	if incremental {
		fmt.Fprintf(&sb, " WHERE %s > $1", pgx.Identifier{tbl.cursorColumn}.Sanitize())
		args = append(args, watermark)
	}
	sb.WriteString(" ORDER BY ")
	for i, pk := range tbl.primaryKeys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgx.Identifier{pk}.Sanitize())
	}
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", s.settings.pageSize, offset)

	var out []map[string]any
	err := retry.Do(ctx, source.RetryBaseline(), func(ctx context.Context) error {
		rows, err := pool.Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		descs := rows.FieldDescriptions()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			row := make(map[string]any, len(vals))
			for i, d := range descs {
				row[d.Name] = normalizeValue(vals[i])
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", tbl.key(), err)
	}
	return out, nil
}

// watermark returns the stored high-water mark for the table. Tables
// without a cursor column, and marks that fail to parse, pull full.
func (s *Source) watermark(tbl tableInfo) (time.Time, bool) {
	if tbl.cursorColumn == "" {
		return time.Time{}, false
	}
	raw, ok := s.marks[tbl.key()]
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func rowTime(row map[string]any, col string) (time.Time, bool) {
	if col == "" {
		return time.Time{}, false
	}
	ts, ok := row[col].(time.Time)
	return ts, ok
}

// cursorState is the wire format of the persisted cursor.
type cursorState struct {
	Tables map[string]string `json:"tables"`
}

// LoadCursor implements source.CursorAware.
func (s *Source) LoadCursor(cursor json.RawMessage) error {
	if len(cursor) == 0 {
		return nil
	}
	var st cursorState
	if err := json.Unmarshal(cursor, &st); err != nil {
		return fmt.Errorf("postgres: decode cursor: %w", err)
	}
	for k, v := range st.Tables {
		s.marks[k] = v
	}
	return nil
}

// Cursor implements source.CursorAware.
func (s *Source) Cursor() json.RawMessage {
	if len(s.marks) == 0 {
		return nil
	}
	data, err := json.Marshal(cursorState{Tables: s.marks})
	if err != nil {
		return nil
	}
	return data
}

// settings are the per-connection options.
type settings struct {
	schema       string
	tables       []string
	exclude      map[string]struct{}
	pageSize     int
	cursorColumn string
}

func parseSettings(m map[string]any) (settings, error) {
	st := settings{schema: "public", pageSize: defaultPageSize}
	if v := stringSetting(m, "schema"); v != "" {
		st.schema = v
	}
	tables, err := stringListSetting(m, "tables")
	if err != nil {
		return settings{}, err
	}
	if !(len(tables) == 1 && tables[0] == "*") {
		st.tables = tables
	}
	exclude, err := stringListSetting(m, "exclude_tables")
	if err != nil {
		return settings{}, err
	}
	if len(exclude) > 0 {
		st.exclude = make(map[string]struct{}, len(exclude))
		for _, t := range exclude {
			st.exclude[t] = struct{}{}
		}
	}
	if v, err := intSetting(m, "page_size"); err != nil {
		return settings{}, err
	} else if v > 0 {
		st.pageSize = v
	}
	st.cursorColumn = stringSetting(m, "cursor_column")
	return st, nil
}

func buildDSN(creds map[string]any) (string, error) {
	host := stringSetting(creds, "host")
	if host == "" {
		return "", errors.New("postgres: credential host is required")
	}
	database := stringSetting(creds, "database")
	if database == "" {
		return "", errors.New("postgres: credential database is required")
	}
	user := stringSetting(creds, "user")
	if user == "" {
		return "", errors.New("postgres: credential user is required")
	}
	port, err := intSetting(creds, "port")
	if err != nil {
		return "", err
	}
	if port == 0 {
		port = 5432
	}
	sslmode := stringSetting(creds, "sslmode")
	if sslmode == "" {
		sslmode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, stringSetting(creds, "password")),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + database,
		RawQuery: url.Values{"sslmode": []string{sslmode}}.Encode(),
	}
	return u.String(), nil
}

func stringSetting(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// intSetting tolerates the numeric types a JSON or YAML settings document
// decodes to.
func intSetting(m map[string]any, key string) (int, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("postgres: setting %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("postgres: setting %q: unsupported type %T", key, v)
	}
}

// stringListSetting accepts a list of strings or one comma-separated
// string.
func stringListSetting(m map[string]any, key string) ([]string, error) {
	var out []string
	appendOne := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := m[key].(type) {
	case nil:
	case string:
		for _, item := range strings.Split(v, ",") {
			appendOne(item)
		}
	case []string:
		for _, item := range v {
			appendOne(item)
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("postgres: setting %q: element %T is not a string", key, item)
			}
			appendOne(s)
		}
	default:
		return nil, fmt.Errorf("postgres: setting %q: unsupported type %T", key, v)
	}
	return out, nil
}
