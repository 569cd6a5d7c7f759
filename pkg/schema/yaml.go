package schema

import (
	"fmt"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
)

// yamlColumn is the wire shape of one column entry in a YAML table
// definition file.
type yamlColumn struct {
	Declared string `json:"declared"`
	Storage  string `json:"storage"`
}

// yamlTable is the wire shape of one table entry.
type yamlTable struct {
	Columns        map[string]yamlColumn `json:"columns"`
	SystemVersion  bool                  `json:"systemVersion"`
	SystemCreated  bool                  `json:"systemCreatedAt"`
	SystemUpdated  bool                  `json:"systemUpdatedAt"`
	SystemDeleted  bool                  `json:"systemDeleted"`
}

// yamlDoc is the top-level shape: table name -> table declaration.
type yamlDoc struct {
	Tables map[string]yamlTable `json:"tables"`
}

var declaredTypeNames = map[string]DeclaredType{
	"string":  TypeString,
	"integer": TypeInteger,
	"float":   TypeFloat,
	"boolean": TypeBoolean,
	"date":    TypeDate,
	"blob":    TypeBlob,
	"object":  TypeObject,
	"array":   TypeArray,
}

var storageTypeNames = map[string]StorageType{
	"text":      StorageText,
	"integer":   StorageInteger,
	"real":      StorageReal,
	"bool":      StorageBool,
	"timestamp": StorageTimestamp,
	"blob":      StorageBlob,
	"json":      StorageJSON,
}

// LoadYAML parses a YAML table-definition document (using ghodss/yaml's
// JSON-compatible decoding) and merges it over defaults with
// dario.cat/mergo before registering each table in r.
//
// defaults supplies fallback column declarations per table name; a
// document column wins over a default column of the same name because
// the defaults are merged in first (a plain mergo.Merge) and the
// document's columns are declared over them.
func LoadYAML(r *Registry, doc []byte, defaults map[string]*TableDefinition) error {
	var parsed yamlDoc
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("schema: parsing yaml table definitions: %w", err)
	}

	for name, table := range parsed.Tables {
		def := NewTableDefinition(name)
		if base, ok := defaults[def.Name]; ok {
			if err := mergo.Merge(&def.Columns, base.Columns); err != nil {
				return fmt.Errorf("schema: merging defaults for %q: %w", def.Name, err)
			}
			def.SysProps |= base.SysProps
		}
		for colName, col := range table.Columns {
			declared, ok := declaredTypeNames[col.Declared]
			if !ok {
				return fmt.Errorf("schema: table %q column %q: unknown declared type %q", def.Name, colName, col.Declared)
			}
			storage, ok := storageTypeNames[col.Storage]
			if !ok {
				return fmt.Errorf("schema: table %q column %q: unknown storage type %q", def.Name, colName, col.Storage)
			}
			def.Column(colName, declared, storage)
		}
		if table.SystemVersion {
			def.SupportsSystemProperty(SystemPropVersion)
		}
		if table.SystemCreated {
			def.SupportsSystemProperty(SystemPropCreatedAt)
		}
		if table.SystemUpdated {
			def.SupportsSystemProperty(SystemPropUpdatedAt)
		}
		if table.SystemDeleted {
			def.SupportsSystemProperty(SystemPropDeleted)
		}
		if err := r.Define(def); err != nil {
			return err
		}
	}
	return nil
}
