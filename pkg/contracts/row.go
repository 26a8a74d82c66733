package contracts

import "time"

// Row is the tabular unit the engine moves around. Values are restricted to
// what canonical JSON can express; plugins producing anything else must
// convert first.
type Row map[string]any

// Clone returns a deep copy. Fork children and checkpoint snapshots must not
// alias the parent's nested containers.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Row:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// KindOf maps a runtime value onto the closed set of contract field kinds.
func KindOf(v any) FieldKind {
	switch v.(type) {
	case nil:
		return KindNone
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case string:
		return KindString
	case time.Time:
		return KindDatetime
	default:
		return KindAny
	}
}

// PipelineRow is an immutable row snapshot bound to the contract that
// validated it. Lookups accept either the normalized or the original field
// name in O(1).
type PipelineRow struct {
	data     Row
	contract *SchemaContract
}

// NewPipelineRow snapshots data under contract. The input row is copied, so
// later mutation of the caller's map cannot leak in.
func NewPipelineRow(data Row, contract *SchemaContract) *PipelineRow {
	return &PipelineRow{data: data.Clone(), contract: contract}
}

// Get resolves key (normalized or original) against the contract and returns
// the value. The second result is false when the key is unknown or absent.
func (p *PipelineRow) Get(key string) (any, bool) {
	if p.contract != nil {
		if norm, err := p.contract.ResolveName(key); err == nil {
			v, ok := p.data[norm]
			return v, ok
		}
	}
	v, ok := p.data[key]
	return v, ok
}

// Contract returns the contract this row was validated against.
func (p *PipelineRow) Contract() *SchemaContract { return p.contract }

// Data returns a deep copy of the underlying row; the snapshot itself stays
// immutable.
func (p *PipelineRow) Data() Row { return p.data.Clone() }

// Len returns the number of fields present.
func (p *PipelineRow) Len() int { return len(p.data) }

// WithContract returns a row view bound to a different contract, sharing the
// same underlying data.
func (p *PipelineRow) WithContract(contract *SchemaContract) *PipelineRow {
	return &PipelineRow{data: p.data, contract: contract}
}
