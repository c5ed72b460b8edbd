package config

import (
	"embed"
	"fmt"

	"github.com/cordum/stagehand/core/infra/schema"
	"gopkg.in/yaml.v3"
)

const schedulerSchemaFile = "schema/scheduler.schema.json"

//go:embed schema/*.json
var schemaFS embed.FS

// validateDocument checks a YAML document against an embedded JSON schema. An empty document is
// valid; defaults fill it in.
func validateDocument(kind, file string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	doc, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", kind, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", kind, err)
	}
	if err := schema.ValidateSchema(kind+"-config", doc, payload); err != nil {
		return fmt.Errorf("validate %s config: %w", kind, err)
	}
	return nil
}
