package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TableHeader identifies a database table whose rows become polymorphic
// entities: the entity type is the table name and the entity ID derives
// from primary key values.
type TableHeader struct {
	TableName   string
	SchemaName  string
	PrimaryKeys []string
}

// NewTableEntity builds an entity from one table row. The entity ID is
// deterministic: the schema-qualified table name plus the row's primary
// key values in declared key order.
func NewTableEntity(h TableHeader, row map[string]any) (*Entity, error) {
	if h.TableName == "" {
		return nil, fmt.Errorf("table entity: missing table name")
	}
	if len(h.PrimaryKeys) == 0 {
		return nil, fmt.Errorf("table entity %s: no primary keys", h.TableName)
	}
	vals := make([]string, 0, len(h.PrimaryKeys))
	for _, pk := range h.PrimaryKeys {
		v, ok := row[pk]
		if !ok {
			return nil, fmt.Errorf("table entity %s: row missing primary key %q", h.TableName, pk)
		}
		vals = append(vals, fmt.Sprint(v))
	}
	payload := make(map[string]any, len(row)+2)
	for k, v := range row {
		payload[k] = v
	}
	payload["table_name"] = h.TableName
	payload["schema_name"] = h.SchemaName
	return &Entity{
		EntityID: fmt.Sprintf("%s.%s:%s", h.SchemaName, h.TableName, strings.Join(vals, ",")),
		Type:     h.TableName,
		Payload:  payload,
	}, nil
}

// TableValidator validates rows against a JSON Schema discovered from the
// table's column metadata.
type TableValidator struct {
	schema *jsonschema.Schema
}

// CompileTableSchema compiles doc (a JSON Schema expressed as unmarshaled
// JSON values) into a validator for the named table.
func CompileTableSchema(table string, doc any) (*TableValidator, error) {
	c := jsonschema.NewCompiler()
	resource := table + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", table, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", table, err)
	}
	return &TableValidator{schema: schema}, nil
}

// Validate checks one row against the table schema. The row is
// round-tripped through JSON so driver-specific value types validate like
// their wire form.
func (v *TableValidator) Validate(row map[string]any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return v.schema.Validate(doc)
}
