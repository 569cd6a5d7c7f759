package schema

import (
	"encoding/json"
	"fmt"

	"github.com/synctable/go-table-sync/pkg/value"
	"github.com/xeipuuv/gojsonschema"
)

var declaredTypeJSONSchema = map[DeclaredType]string{
	TypeString:  "string",
	TypeInteger: "integer",
	TypeFloat:   "number",
	TypeBoolean: "boolean",
	TypeDate:    "string",
	TypeBlob:    "string",
	TypeObject:  "object",
	TypeArray:   "array",
}

// jsonSchemaFor builds a JSON Schema document describing the shape an
// item must have to be accepted by d. gojsonschema validates data
// against a schema derived from the frozen TableDefinition.
func jsonSchemaFor(d *TableDefinition) ([]byte, error) {
	properties := map[string]interface{}{
		"id": map[string]interface{}{"type": "string"},
	}
	for name, col := range d.Columns {
		t, ok := declaredTypeJSONSchema[col.Declared]
		if !ok {
			t = "string"
		}
		properties[name] = map[string]interface{}{"type": t}
	}
	doc := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           properties,
		"required":             []string{"id"},
		"additionalProperties": true,
	}
	return json.Marshal(doc)
}

// Validator validates items against the table definitions in a Registry,
// caching the compiled gojsonschema.Schema per table.
type Validator struct {
	registry *Registry
	compiled map[string]*gojsonschema.Schema
}

func NewValidator(r *Registry) *Validator {
	return &Validator{registry: r, compiled: map[string]*gojsonschema.Schema{}}
}

func (v *Validator) schemaFor(tableName string) (*gojsonschema.Schema, error) {
	if s, ok := v.compiled[tableName]; ok {
		return s, nil
	}
	def, ok := v.registry.Get(tableName)
	if !ok {
		return nil, fmt.Errorf("schema: no table definition for %q", tableName)
	}
	raw, err := jsonSchemaFor(def)
	if err != nil {
		return nil, err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: compiling schema for %q: %w", tableName, err)
	}
	v.compiled[tableName] = compiled
	return compiled, nil
}

// Validate reports whether it conforms to tableName's declared columns.
// It returns a descriptive error listing every violation rather than
// just the first, since callers surface these as a single InvalidInput.
func (v *Validator) Validate(tableName string, it value.Item) error {
	compiled, err := v.schemaFor(tableName)
	if err != nil {
		return err
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(value.Object(it).Interface()))
	if err != nil {
		return fmt.Errorf("schema: validating item for %q: %w", tableName, err)
	}
	if result.Valid() {
		return nil
	}
	msg := fmt.Sprintf("schema: item does not match table %q:", tableName)
	for _, e := range result.Errors() {
		msg += "\n  - " + e.String()
	}
	return fmt.Errorf("%s", msg)
}
