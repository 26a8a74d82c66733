package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowClone(t *testing.T) {
	original := Row{
		"id":     1,
		"nested": map[string]any{"a": []any{1, 2}},
		"blob":   []byte("abc"),
	}
	clone := original.Clone()

	clone["id"] = 2
	clone["nested"].(map[string]any)["a"].([]any)[0] = 99
	clone["blob"].([]byte)[0] = 'x'

	assert.Equal(t, 1, original["id"])
	assert.Equal(t, 1, original["nested"].(map[string]any)["a"].([]any)[0])
	assert.Equal(t, byte('a'), original["blob"].([]byte)[0])
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  FieldKind
	}{
		{"nil", nil, KindNone},
		{"bool", true, KindBool},
		{"int", 42, KindInt},
		{"int64", int64(42), KindInt},
		{"uint8", uint8(1), KindInt},
		{"float64", 3.14, KindFloat},
		{"float32", float32(1.5), KindFloat},
		{"string", "x", KindString},
		{"time", time.Now(), KindDatetime},
		{"slice falls back to any", []any{1}, KindAny},
		{"map falls back to any", map[string]any{}, KindAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.value))
		})
	}
}

func TestPipelineRowDualNameAccess(t *testing.T) {
	contract, err := NewContract(ModeFlexible, FieldContract{
		NormalizedName: "amount_usd",
		OriginalName:   "Amount ($USD)",
		Kind:           KindFloat,
		Required:       true,
		Source:         SourceDeclared,
	})
	require.NoError(t, err)

	row := NewPipelineRow(Row{"amount_usd": 12.5}, contract)

	v, ok := row.Get("amount_usd")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)

	v, ok = row.Get("Amount ($USD)")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)

	_, ok = row.Get("unknown")
	assert.False(t, ok)
}

func TestPipelineRowIsolation(t *testing.T) {
	source := Row{"id": 1, "tags": []any{"a"}}
	row := NewPipelineRow(source, ObserveRow(source))

	// Mutating the input after construction does not leak in.
	source["id"] = 999
	v, _ := row.Get("id")
	assert.Equal(t, 1, v)

	// Mutating an extracted copy does not write back.
	data := row.Data()
	data["id"] = 777
	data["tags"].([]any)[0] = "z"
	v, _ = row.Get("id")
	assert.Equal(t, 1, v)
	tags, _ := row.Get("tags")
	assert.Equal(t, "a", tags.([]any)[0])
}

func TestPipelineRowWithContract(t *testing.T) {
	first := ObserveRow(Row{"id": 1})
	second := ObserveRow(Row{"id": 1, "extra": "x"})
	row := NewPipelineRow(Row{"id": 1}, first)

	rebound := row.WithContract(second)
	assert.Same(t, second, rebound.Contract())
	assert.Same(t, first, row.Contract())
}
