package plugins

import (
	"fmt"
	"strings"
)

// NormalizationVersion identifies the header normalization algorithm. It is
// recorded alongside the resolution mapping so an exported audit trail says
// not just what the headers became but which rules produced them.
const NormalizationVersion = "1.0.0"

// FieldResolution is the outcome of header resolution at load time: the
// final field names in column order, plus the original-to-final mapping when
// normalization ran.
type FieldResolution struct {
	FinalHeaders []string

	// Mapping is original header to final field name, covering every
	// column. Nil when headers were used as-is.
	Mapping map[string]string

	// Version is NormalizationVersion when Mapping is set, else empty.
	Version string
}

// NormalizeFieldName rewrites one raw header into a field name: lowercase,
// runs of non-alphanumeric characters become single underscores, and a
// leading digit gets an "f_" prefix. Returns an error when nothing survives,
// because a silent empty name would collide with every other empty name.
func NormalizeFieldName(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "", fmt.Errorf("header %q normalizes to an empty field name", raw)
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "f_" + name
	}
	return name, nil
}

// ResolveFieldNames turns raw headers into final field names.
//
// Three modes, checked in this order:
//   - columns set: headerless file, the given names are used verbatim.
//     Mutually exclusive with normalize.
//   - normalize true: each header goes through NormalizeFieldName, then
//     mapping overrides specific normalized names. The full original-to-final
//     mapping is returned for the audit trail.
//   - neither: headers are used as-is and no mapping is recorded.
//
// Duplicate finals are rejected in every mode: two columns with one name
// would silently overwrite each other in every downstream row.
func ResolveFieldNames(rawHeaders []string, normalize bool, mapping map[string]string, columns []string) (*FieldResolution, error) {
	if columns != nil {
		if normalize {
			return nil, fmt.Errorf("columns and normalize_fields are mutually exclusive: explicit column names are already final")
		}
		if len(mapping) > 0 {
			return nil, fmt.Errorf("field_mapping requires normalize_fields")
		}
		if err := checkCollisions(columns); err != nil {
			return nil, err
		}
		return &FieldResolution{FinalHeaders: columns}, nil
	}

	if err := checkCollisions(rawHeaders); err != nil {
		return nil, fmt.Errorf("duplicate raw headers: %w", err)
	}

	if !normalize {
		if len(mapping) > 0 {
			return nil, fmt.Errorf("field_mapping requires normalize_fields")
		}
		return &FieldResolution{FinalHeaders: rawHeaders}, nil
	}

	finals := make([]string, len(rawHeaders))
	resolved := make(map[string]string, len(rawHeaders))
	normalizedSeen := make(map[string]bool, len(rawHeaders))
	for i, raw := range rawHeaders {
		name, err := NormalizeFieldName(raw)
		if err != nil {
			return nil, err
		}
		normalizedSeen[name] = true
		if override, ok := mapping[name]; ok {
			name = override
		}
		finals[i] = name
		resolved[raw] = name
	}
	for key := range mapping {
		if !normalizedSeen[key] {
			return nil, fmt.Errorf("field_mapping key %q does not match any normalized header", key)
		}
	}
	if err := checkCollisions(finals); err != nil {
		return nil, fmt.Errorf("field name collision after normalization: %w", err)
	}

	return &FieldResolution{
		FinalHeaders: finals,
		Mapping:      resolved,
		Version:      NormalizationVersion,
	}, nil
}

func checkCollisions(names []string) error {
	seen := make(map[string]int, len(names))
	for i, n := range names {
		if first, dup := seen[n]; dup {
			return fmt.Errorf("%q appears at columns %d and %d", n, first, i)
		}
		seen[n] = i
	}
	return nil
}
