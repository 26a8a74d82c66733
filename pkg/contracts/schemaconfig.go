package contracts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Field specs look like "name: type" with an optional trailing "?" marking
// the field optional. Names must be identifiers; hyphens and dots are
// rejected because field names become row keys.
var fieldSpecPattern = regexp.MustCompile(`^(\w+):\s*(str|int|float|bool|any)(\?)?$`)

var supportedSpecTypes = map[string]FieldKind{
	"str":   KindString,
	"int":   KindInt,
	"float": KindFloat,
	"bool":  KindBool,
	"any":   KindAny,
}

// FieldDefinition is one declared field in a schema config.
type FieldDefinition struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// ParseFieldDefinition parses a spec like "name: str" or "score: float?".
func ParseFieldDefinition(spec string) (FieldDefinition, error) {
	spec = strings.TrimSpace(spec)
	m := fieldSpecPattern.FindStringSubmatch(spec)
	if m == nil {
		if name, typeSpec, ok := strings.Cut(spec, ":"); ok {
			typeName := strings.TrimSuffix(strings.TrimSpace(typeSpec), "?")
			if _, known := supportedSpecTypes[typeName]; !known {
				return FieldDefinition{}, fmt.Errorf(
					"unknown type %q in field spec %q, supported types: any, bool, float, int, str", typeName, spec)
			}
			return FieldDefinition{}, fmt.Errorf(
				"invalid field name %q in field spec %q: names may contain only letters, digits, and underscores",
				strings.TrimSpace(name), spec)
		}
		return FieldDefinition{}, fmt.Errorf(
			"invalid field spec %q, expected format 'field_name: type' or 'field_name: type?'", spec)
	}
	name, typeName, optional := m[1], m[2], m[3]
	if name[0] >= '0' && name[0] <= '9' {
		return FieldDefinition{}, fmt.Errorf(
			"invalid field name %q in field spec %q: names cannot start with a digit", name, spec)
	}
	return FieldDefinition{
		Name:     name,
		Kind:     supportedSpecTypes[typeName],
		Required: optional == "",
	}, nil
}

// SchemaConfig is a plugin's declared data schema. Dynamic schemas accept
// anything; explicit schemas validate against the declared field list in
// strict (exactly these) or free (at least these) mode.
//
// GuaranteedFields and RequiredFields express edge-level contracts for graph
// validation: what a producer promises downstream and what a consumer needs
// from upstream. AuditFields exist in output but carry no stability promise,
// so graph validation ignores them.
type SchemaConfig struct {
	Mode             string
	Fields           []FieldDefinition
	IsDynamic        bool
	GuaranteedFields []string
	RequiredFields   []string
	AuditFields      []string
}

// DynamicSchema returns a schema config that accepts any fields.
func DynamicSchema() *SchemaConfig {
	return &SchemaConfig{IsDynamic: true}
}

// ParseSchemaConfig builds a SchemaConfig from a decoded config map. The
// "fields" key is required and holds either the string "dynamic" or a list
// of field specs (strings, or single-key maps from unquoted YAML).
func ParseSchemaConfig(config map[string]any) (*SchemaConfig, error) {
	rawFields, ok := config["fields"]
	if !ok {
		return nil, fmt.Errorf("'fields' key is required in schema config, use 'fields: dynamic' or an explicit field list")
	}

	guaranteed, err := parseFieldNameList(config["guaranteed_fields"], "guaranteed_fields")
	if err != nil {
		return nil, err
	}
	required, err := parseFieldNameList(config["required_fields"], "required_fields")
	if err != nil {
		return nil, err
	}
	audit, err := parseFieldNameList(config["audit_fields"], "audit_fields")
	if err != nil {
		return nil, err
	}

	sc := &SchemaConfig{
		GuaranteedFields: guaranteed,
		RequiredFields:   required,
		AuditFields:      audit,
	}

	if config["mode"] == "dynamic" || rawFields == "dynamic" {
		sc.IsDynamic = true
		return sc, nil
	}

	mode, ok := config["mode"].(string)
	if !ok {
		return nil, fmt.Errorf("'mode' key is required with explicit fields, use 'mode: strict' or 'mode: free'")
	}
	if mode != "strict" && mode != "free" {
		return nil, fmt.Errorf("invalid schema mode %q, expected 'strict' or 'free'", mode)
	}
	sc.Mode = mode

	fieldList, ok := rawFields.([]any)
	if !ok {
		return nil, fmt.Errorf("schema fields must be a list, got %T", rawFields)
	}
	if len(fieldList) == 0 {
		return nil, fmt.Errorf("schema must define at least one field, use 'fields: dynamic' to accept any fields")
	}

	seen := make(map[string]bool, len(fieldList))
	for i, raw := range fieldList {
		spec, err := fieldSpecString(raw, i)
		if err != nil {
			return nil, err
		}
		def, err := ParseFieldDefinition(spec)
		if err != nil {
			return nil, err
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate field name %q in schema", def.Name)
		}
		seen[def.Name] = true
		sc.Fields = append(sc.Fields, def)
	}

	// Contract field lists must reference declared fields; a typo here would
	// otherwise become a false audit claim.
	for _, check := range []struct {
		name  string
		names []string
	}{
		{"guaranteed_fields", guaranteed},
		{"required_fields", required},
		{"audit_fields", audit},
	} {
		for _, n := range check.names {
			if !seen[n] {
				return nil, fmt.Errorf("%q contains field %q not declared in schema", check.name, n)
			}
		}
	}

	return sc, nil
}

// fieldSpecString accepts string specs and single-key maps. Unquoted YAML
// like `- id: int` decodes as a map, not a string.
func fieldSpecString(raw any, index int) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]any:
		if len(v) != 1 {
			return "", fmt.Errorf("field spec at index %d has %d keys, expected a single 'field_name: type' entry", index, len(v))
		}
		for name, typeSpec := range v {
			ts, ok := typeSpec.(string)
			if !ok {
				return "", fmt.Errorf("field spec at index %d: type must be a string, got %T", index, typeSpec)
			}
			return fmt.Sprintf("%s: %s", name, ts), nil
		}
	}
	return "", fmt.Errorf("field spec at index %d must be a string or a single-key map, got %T", index, raw)
}

func parseFieldNameList(raw any, fieldName string) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be a list of field names, got %T", fieldName, raw)
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, item := range list {
		name, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string, got %T", fieldName, i, item)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%s[%d] cannot be empty", fieldName, i)
		}
		if !isIdentifier(name) {
			return nil, fmt.Errorf("%s[%d] must contain only letters, digits, and underscores and not start with a digit, got %q", fieldName, i, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate field name %q in %q", name, fieldName)
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}

// AllowsExtraFields reports whether rows may carry fields beyond the schema.
func (s *SchemaConfig) AllowsExtraFields() bool {
	return s.IsDynamic || s.Mode == "free"
}

// EffectiveGuaranteedFields returns every field this schema promises will
// exist in output: explicit guaranteed_fields plus required declared fields.
// Optional declared fields may be omitted by the producer, so they are not
// guaranteed.
func (s *SchemaConfig) EffectiveGuaranteedFields() map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range s.GuaranteedFields {
		out[n] = struct{}{}
	}
	for _, f := range s.Fields {
		if f.Required {
			out[f.Name] = struct{}{}
		}
	}
	return out
}

// EffectiveRequiredFields returns every field this schema needs in input:
// explicit required_fields plus required declared fields.
func (s *SchemaConfig) EffectiveRequiredFields() map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range s.RequiredFields {
		out[n] = struct{}{}
	}
	for _, f := range s.Fields {
		if f.Required {
			out[f.Name] = struct{}{}
		}
	}
	return out
}

// ToMap serializes the schema for audit logging. Dynamic schemas report
// mode "dynamic" so the audit trail is unambiguous.
func (s *SchemaConfig) ToMap() map[string]any {
	var result map[string]any
	if s.IsDynamic {
		result = map[string]any{"mode": "dynamic", "fields": nil}
	} else {
		fields := make([]any, len(s.Fields))
		for i, f := range s.Fields {
			fields[i] = map[string]any{
				"name":     f.Name,
				"type":     string(f.Kind),
				"required": f.Required,
			}
		}
		result = map[string]any{"mode": s.Mode, "fields": fields}
	}
	if s.GuaranteedFields != nil {
		result["guaranteed_fields"] = toAnySlice(s.GuaranteedFields)
	}
	if s.RequiredFields != nil {
		result["required_fields"] = toAnySlice(s.RequiredFields)
	}
	if s.AuditFields != nil {
		result["audit_fields"] = toAnySlice(s.AuditFields)
	}
	return result
}

func toAnySlice(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// Contract converts the schema config into a typed contract: strict maps to
// FIXED, free to FLEXIBLE, dynamic to an empty OBSERVED contract that infers
// its fields from the first row.
func (s *SchemaConfig) Contract() (*SchemaContract, error) {
	if s.IsDynamic {
		return NewContract(ModeObserved)
	}
	mode := ModeFlexible
	if s.Mode == "strict" {
		mode = ModeFixed
	}
	fields := make([]FieldContract, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = FieldContract{
			NormalizedName: f.Name,
			OriginalName:   f.Name,
			Kind:           f.Kind,
			Required:       f.Required,
			Source:         SourceDeclared,
		}
	}
	return NewContract(mode, fields...)
}

// SortedFieldNames returns declared field names in sorted order, useful for
// stable error messages.
func (s *SchemaConfig) SortedFieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}
