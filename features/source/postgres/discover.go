package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/source"
)

const (
	tablesQuery = `SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`

	primaryKeysQuery = `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.constraint_schema = tc.constraint_schema
WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position`

	columnsQuery = `SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`
)

// cursorColumnCandidates are matched in order against discovered columns
// when no explicit cursor column is configured.
var cursorColumnCandidates = []string{"updated_at", "modified_at", "last_modified", "last_updated"}

type tableInfo struct {
	schema       string
	name         string
	primaryKeys  []string
	cursorColumn string
	validator    *entity.TableValidator
}

func (t tableInfo) key() string { return t.schema + "." + t.name }

type columnInfo struct {
	name     string
	dataType string
	nullable bool
}

func (s *Source) discoverTables(ctx context.Context, pool *pgxpool.Pool) ([]tableInfo, error) {
	names, err := s.listTables(ctx, pool)
	if err != nil {
		return nil, err
	}
	tables := make([]tableInfo, 0, len(names))
	for _, name := range names {
		info, ok, err := s.describeTable(ctx, pool, name)
		if err != nil {
			return nil, err
		}
		if ok {
			tables = append(tables, info)
		}
	}
	return tables, nil
}

func (s *Source) listTables(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	var names []string
	err := retry.Do(ctx, source.RetryBaseline(), func(ctx context.Context) error {
		rows, err := pool.Query(ctx, tablesQuery, s.settings.schema)
		if err != nil {
			return err
		}
		defer rows.Close()
		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables in %s: %w", s.settings.schema, err)
	}
	return s.filterTables(ctx, names), nil
}

// filterTables applies the include and exclude settings. Requested tables
// that discovery never saw are logged so a typo does not silently sync
// nothing.
func (s *Source) filterTables(ctx context.Context, names []string) []string {
	discovered := make(map[string]struct{}, len(names))
	for _, n := range names {
		discovered[n] = struct{}{}
	}
	if len(s.settings.tables) > 0 {
		included := make(map[string]struct{}, len(s.settings.tables))
		for _, t := range s.settings.tables {
			if _, ok := discovered[t]; !ok {
				s.logger.Warn(ctx, "requested table not found", "schema", s.settings.schema, "table", t)
				continue
			}
			included[t] = struct{}{}
		}
		kept := names[:0]
		for _, n := range names {
			if _, ok := included[n]; ok {
				kept = append(kept, n)
			}
		}
		names = kept
	}
	if len(s.settings.exclude) > 0 {
		kept := names[:0]
		for _, n := range names {
			if _, ok := s.settings.exclude[n]; !ok {
				kept = append(kept, n)
			}
		}
		names = kept
	}
	return names
}

func (s *Source) describeTable(ctx context.Context, pool *pgxpool.Pool, name string) (tableInfo, bool, error) {
	pks, err := s.primaryKeyColumns(ctx, pool, name)
	if err != nil {
		return tableInfo{}, false, err
	}
	if len(pks) == 0 {
		s.logger.Warn(ctx, "skipping table without primary key", "schema", s.settings.schema, "table", name)
		return tableInfo{}, false, nil
	}
	cols, err := s.tableColumns(ctx, pool, name)
	if err != nil {
		return tableInfo{}, false, err
	}
	validator, err := entity.CompileTableSchema(name, schemaDoc(cols))
	if err != nil {
		return tableInfo{}, false, fmt.Errorf("postgres: table %s: %w", name, err)
	}
	info := tableInfo{
		schema:       s.settings.schema,
		name:         name,
		primaryKeys:  pks,
		cursorColumn: pickCursorColumn(s.settings.cursorColumn, cols),
		validator:    validator,
	}
	return info, true, nil
}

func (s *Source) primaryKeyColumns(ctx context.Context, pool *pgxpool.Pool, table string) ([]string, error) {
	var pks []string
	err := retry.Do(ctx, source.RetryBaseline(), func(ctx context.Context) error {
		rows, err := pool.Query(ctx, primaryKeysQuery, s.settings.schema, table)
		if err != nil {
			return err
		}
		defer rows.Close()
		pks = pks[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			pks = append(pks, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: primary keys of %s.%s: %w", s.settings.schema, table, err)
	}
	return pks, nil
}

func (s *Source) tableColumns(ctx context.Context, pool *pgxpool.Pool, table string) ([]columnInfo, error) {
	var cols []columnInfo
	err := retry.Do(ctx, source.RetryBaseline(), func(ctx context.Context) error {
		rows, err := pool.Query(ctx, columnsQuery, s.settings.schema, table)
		if err != nil {
			return err
		}
		defer rows.Close()
		cols = cols[:0]
		for rows.Next() {
			var name, dataType, nullable string
			if err := rows.Scan(&name, &dataType, &nullable); err != nil {
				return err
			}
			cols = append(cols, columnInfo{name: name, dataType: dataType, nullable: nullable == "YES"})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: columns of %s.%s: %w", s.settings.schema, table, err)
	}
	return cols, nil
}

// pickCursorColumn returns the incremental column for a table: the
// configured override when the table carries it, otherwise the first
// conventional updated-at column. Only timestamp-typed columns qualify.
func pickCursorColumn(override string, cols []columnInfo) string {
	byName := make(map[string]columnInfo, len(cols))
	for _, c := range cols {
		byName[c.name] = c
	}
	if override != "" {
		if c, ok := byName[override]; ok && isTimestampType(c.dataType) {
			return override
		}
		return ""
	}
	for _, cand := range cursorColumnCandidates {
		if c, ok := byName[cand]; ok && isTimestampType(c.dataType) {
			return cand
		}
	}
	return ""
}

func isTimestampType(dataType string) bool {
	return strings.Contains(dataType, "timestamp") || dataType == "date"
}

// schemaDoc maps column metadata onto a JSON Schema document. Values are
// validated after normalization, so the types here describe the JSON wire
// form of each column, not its PostgreSQL storage form.
func schemaDoc(cols []columnInfo) map[string]any {
	props := make(map[string]any, len(cols))
	for _, c := range cols {
		props[c.name] = columnSchema(c)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

func columnSchema(c columnInfo) map[string]any {
	var t string
	switch c.dataType {
	case "smallint", "integer", "bigint":
		t = "integer"
	case "numeric", "real", "double precision":
		t = "number"
	case "boolean":
		t = "boolean"
	case "json", "jsonb", "ARRAY":
		// Anything goes: structure is source-defined.
		return map[string]any{}
	default:
		t = "string"
	}
	if c.nullable {
		return map[string]any{"type": []any{t, "null"}}
	}
	return map[string]any{"type": t}
}

// normalizeValue converts driver value types into plain JSON-friendly Go
// values so entity payloads hash and marshal deterministically.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int16, int32, int64, float32, float64, time.Time:
		return v
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		if f, err := t.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeValue(item)
		}
		return out
	default:
		if val, ok := v.(driver.Valuer); ok {
			if out, err := val.Value(); err == nil {
				return normalizeValue(out)
			}
		}
		return fmt.Sprint(v)
	}
}
