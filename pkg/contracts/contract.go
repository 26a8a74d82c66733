package contracts

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/canonical"
)

// FieldContract is one field's metadata within a schema contract.
type FieldContract struct {
	NormalizedName string      `json:"normalized_name"`
	OriginalName   string      `json:"original_name"`
	Kind           FieldKind   `json:"kind"`
	Required       bool        `json:"required"`
	Source         FieldSource `json:"source"`
}

// SchemaContract is the immutable typed contract a node's rows are validated
// against. All mutating operations return a new contract; once locked, field
// types can no longer change.
type SchemaContract struct {
	mode   ContractMode
	locked bool
	fields []FieldContract
	byNorm map[string]int
	byOrig map[string]int
}

// NewContract builds a contract over the given fields in order. Duplicate
// normalized names are rejected.
func NewContract(mode ContractMode, fields ...FieldContract) (*SchemaContract, error) {
	c := &SchemaContract{
		mode:   mode,
		fields: make([]FieldContract, 0, len(fields)),
		byNorm: make(map[string]int, len(fields)),
		byOrig: make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if err := c.addField(f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *SchemaContract) addField(f FieldContract) error {
	if _, exists := c.byNorm[f.NormalizedName]; exists {
		return fmt.Errorf("duplicate field %q in contract", f.NormalizedName)
	}
	c.byNorm[f.NormalizedName] = len(c.fields)
	if f.OriginalName != "" {
		c.byOrig[f.OriginalName] = len(c.fields)
	}
	c.fields = append(c.fields, f)
	return nil
}

// ObserveRow infers an OBSERVED contract from a row. Field order is sorted
// by name so inference is deterministic regardless of map iteration.
func ObserveRow(row Row) *SchemaContract {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]FieldContract, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, FieldContract{
			NormalizedName: k,
			OriginalName:   k,
			Kind:           KindOf(row[k]),
			Required:       false,
			Source:         SourceInferred,
		})
	}
	c, err := NewContract(ModeObserved, fields...)
	if err != nil {
		// Map keys are unique, so duplicates are impossible here.
		panic(err)
	}
	return c
}

// Mode returns the contract mode.
func (c *SchemaContract) Mode() ContractMode { return c.mode }

// Locked reports whether field types are frozen.
func (c *SchemaContract) Locked() bool { return c.locked }

// Fields returns a copy of the ordered field list.
func (c *SchemaContract) Fields() []FieldContract {
	out := make([]FieldContract, len(c.fields))
	copy(out, c.fields)
	return out
}

// Len returns the number of fields.
func (c *SchemaContract) Len() int { return len(c.fields) }

// ResolveName maps an original or normalized field name to the normalized
// name, or errors when the contract has no such field.
func (c *SchemaContract) ResolveName(key string) (string, error) {
	if i, ok := c.byNorm[key]; ok {
		return c.fields[i].NormalizedName, nil
	}
	if i, ok := c.byOrig[key]; ok {
		return c.fields[i].NormalizedName, nil
	}
	return "", fmt.Errorf("field %q not in contract", key)
}

// Field looks up a field by original or normalized name.
func (c *SchemaContract) Field(key string) (FieldContract, bool) {
	if i, ok := c.byNorm[key]; ok {
		return c.fields[i], true
	}
	if i, ok := c.byOrig[key]; ok {
		return c.fields[i], true
	}
	return FieldContract{}, false
}

// Has reports whether a field exists under either name.
func (c *SchemaContract) Has(key string) bool {
	_, ok := c.Field(key)
	return ok
}

func (c *SchemaContract) clone() *SchemaContract {
	out := &SchemaContract{
		mode:   c.mode,
		locked: c.locked,
		fields: make([]FieldContract, len(c.fields)),
		byNorm: make(map[string]int, len(c.byNorm)),
		byOrig: make(map[string]int, len(c.byOrig)),
	}
	copy(out.fields, c.fields)
	for k, v := range c.byNorm {
		out.byNorm[k] = v
	}
	for k, v := range c.byOrig {
		out.byOrig[k] = v
	}
	return out
}

// WithField returns a new contract extended with an inferred field whose kind
// is taken from sample. Inferred fields are never required. Rejected when the
// field already exists or the contract is locked.
func (c *SchemaContract) WithField(normalized, original string, sample any) (*SchemaContract, error) {
	if c.locked {
		return nil, fmt.Errorf("contract is locked; cannot add field %q", normalized)
	}
	if c.Has(normalized) || (original != "" && c.Has(original)) {
		return nil, fmt.Errorf("field %q already present in contract", normalized)
	}
	out := c.clone()
	if err := out.addField(FieldContract{
		NormalizedName: normalized,
		OriginalName:   original,
		Kind:           KindOf(sample),
		Required:       false,
		Source:         SourceInferred,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// WithLocked returns a copy with field types frozen.
func (c *SchemaContract) WithLocked() *SchemaContract {
	out := c.clone()
	out.locked = true
	return out
}

// Validate checks a row against the contract and returns every violation
// found. FIXED mode reports extras; fields of kind any skip type checks;
// optional fields accept nil. An int where a float is expected passes
// (numeric widening); everything else must match exactly.
func (c *SchemaContract) Validate(row Row) []Violation {
	var violations []Violation

	for _, f := range c.fields {
		value, present := row[f.NormalizedName]
		if !present {
			value, present = row[f.OriginalName]
		}
		if !present {
			if f.Required {
				violations = append(violations, Violation{
					Kind:          ViolationMissingField,
					Field:         f.NormalizedName,
					OriginalField: f.OriginalName,
				})
			}
			continue
		}
		if f.Kind == KindAny {
			continue
		}
		actual := KindOf(value)
		if actual == KindNone {
			if !f.Required {
				continue
			}
			violations = append(violations, Violation{
				Kind:          ViolationTypeMismatch,
				Field:         f.NormalizedName,
				OriginalField: f.OriginalName,
				Expected:      f.Kind,
				Actual:        KindNone,
			})
			continue
		}
		if actual == f.Kind {
			continue
		}
		if f.Kind == KindFloat && actual == KindInt {
			continue
		}
		violations = append(violations, Violation{
			Kind:          ViolationTypeMismatch,
			Field:         f.NormalizedName,
			OriginalField: f.OriginalName,
			Expected:      f.Kind,
			Actual:        actual,
		})
	}

	if c.mode == ModeFixed {
		for key := range row {
			if !c.Has(key) {
				violations = append(violations, Violation{
					Kind:          ViolationExtraField,
					Field:         key,
					OriginalField: key,
				})
			}
		}
		// Map iteration order is random; keep violation order stable.
		sort.Slice(violations, func(i, j int) bool {
			if violations[i].Kind != violations[j].Kind {
				return violations[i].Kind < violations[j].Kind
			}
			return violations[i].Field < violations[j].Field
		})
	}

	return violations
}

// CoerceRow repairs JSON round-trip widening on a restored row: values for
// int fields that came back as whole floats are narrowed to int64. All other
// kinds pass through unchanged.
func (c *SchemaContract) CoerceRow(row Row) Row {
	out := row.Clone()
	for _, f := range c.fields {
		if f.Kind != KindInt {
			continue
		}
		v, present := out[f.NormalizedName]
		if !present {
			continue
		}
		if fv, isFloat := v.(float64); isFloat && fv == math.Trunc(fv) && !math.IsInf(fv, 0) {
			out[f.NormalizedName] = int64(fv)
		}
	}
	return out
}

// Merge combines this contract with another at a coalesce point. Mode
// precedence is FIXED > FLEXIBLE > OBSERVED. A field present in both sides
// must carry the identical kind or the merge fails; a field present on only
// one side becomes optional in the result. Declared source wins over
// inferred; the result is locked if either side is.
func (c *SchemaContract) Merge(other *SchemaContract) (*SchemaContract, error) {
	if other == nil {
		return c.clone(), nil
	}

	mode := c.mode
	if modeRank(other.mode) > modeRank(mode) {
		mode = other.mode
	}

	merged := &SchemaContract{
		mode:   mode,
		locked: c.locked || other.locked,
		byNorm: make(map[string]int),
		byOrig: make(map[string]int),
	}

	for _, f := range c.fields {
		out := f
		if of, ok := other.Field(f.NormalizedName); ok {
			if of.Kind != f.Kind {
				return nil, &ContractMergeError{Field: f.NormalizedName, KindA: f.Kind, KindB: of.Kind}
			}
			out.Required = f.Required && of.Required
			if of.Source == SourceDeclared {
				out.Source = SourceDeclared
			}
		} else {
			out.Required = false
		}
		if err := merged.addField(out); err != nil {
			return nil, err
		}
	}
	for _, f := range other.fields {
		if merged.Has(f.NormalizedName) {
			continue
		}
		out := f
		out.Required = false
		if err := merged.addField(out); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func modeRank(m ContractMode) int {
	switch m {
	case ModeFixed:
		return 2
	case ModeFlexible:
		return 1
	default:
		return 0
	}
}

// VersionHash returns a deterministic 32-hex identity for the contract over
// its mode, locked flag, and sorted fields.
func (c *SchemaContract) VersionHash() string {
	fields := c.Fields()
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].NormalizedName < fields[j].NormalizedName
	})
	entries := make([]any, len(fields))
	for i, f := range fields {
		entries[i] = []any{f.NormalizedName, f.OriginalName, string(f.Kind), f.Required, string(f.Source)}
	}
	hash, err := canonical.StableHash(map[string]any{
		"mode":   string(c.mode),
		"locked": c.locked,
		"fields": entries,
	})
	if err != nil {
		// Contract contents are strings and bools; canonicalization cannot fail.
		panic(err)
	}
	return hash
}

type contractCheckpoint struct {
	Mode        ContractMode    `json:"mode"`
	Locked      bool            `json:"locked"`
	Fields      []FieldContract `json:"fields"`
	VersionHash string          `json:"version_hash"`
}

// ToCheckpoint serializes the contract with an embedded version hash for
// integrity verification on restore.
func (c *SchemaContract) ToCheckpoint() ([]byte, error) {
	cp := contractCheckpoint{
		Mode:        c.mode,
		Locked:      c.locked,
		Fields:      c.Fields(),
		VersionHash: c.VersionHash(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize contract checkpoint: %w", err)
	}
	return data, nil
}

// ContractFromCheckpoint rebuilds a contract and verifies its version hash.
// A mismatch means the checkpoint was tampered with or produced by an
// incompatible version; restoration fails hard.
func ContractFromCheckpoint(data []byte) (*SchemaContract, error) {
	var cp contractCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse contract checkpoint: %w", err)
	}
	c, err := NewContract(cp.Mode, cp.Fields...)
	if err != nil {
		return nil, fmt.Errorf("invalid contract checkpoint: %w", err)
	}
	c.locked = cp.Locked
	if got := c.VersionHash(); got != cp.VersionHash {
		return nil, &DataIntegrityError{
			Message:  "contract checkpoint hash mismatch",
			Expected: cp.VersionHash,
			Actual:   got,
		}
	}
	return c, nil
}

// Equal reports structural equality, including order.
func (c *SchemaContract) Equal(other *SchemaContract) bool {
	if other == nil || c.mode != other.mode || c.locked != other.locked || len(c.fields) != len(other.fields) {
		return false
	}
	for i := range c.fields {
		if c.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}
