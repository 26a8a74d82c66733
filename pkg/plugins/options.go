package plugins

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// decodeOptions maps a plugin's options block onto a typed config struct by
// round-tripping through YAML, the same way settings loading works. Unknown
// keys are rejected: a typoed option silently ignored is a misconfigured
// pipeline that looks healthy.
func decodeOptions(options map[string]any, out any) error {
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding options: %w", err)
	}
	return nil
}

// parseSchemaOption turns a raw "schema" option into a SchemaConfig.
// Required distinguishes plugins whose data shape must be declared from
// those that default to dynamic.
func parseSchemaOption(schema map[string]any, required bool) (*contracts.SchemaConfig, error) {
	if schema == nil {
		if required {
			return nil, fmt.Errorf("missing required option %q", "schema")
		}
		return contracts.DynamicSchema(), nil
	}
	sc, err := contracts.ParseSchemaConfig(schema)
	if err != nil {
		return nil, fmt.Errorf("option %q: %w", "schema", err)
	}
	return sc, nil
}
