package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func declaredField(name string, kind FieldKind, required bool) FieldContract {
	return FieldContract{
		NormalizedName: name,
		OriginalName:   name,
		Kind:           kind,
		Required:       required,
		Source:         SourceDeclared,
	}
}

func TestNewContractRejectsDuplicates(t *testing.T) {
	_, err := NewContract(ModeFixed,
		declaredField("id", KindInt, true),
		declaredField("id", KindString, true),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate field")
}

func TestResolveName(t *testing.T) {
	c, err := NewContract(ModeFlexible, FieldContract{
		NormalizedName: "amount_usd",
		OriginalName:   "Amount ($USD)",
		Kind:           KindFloat,
		Required:       true,
		Source:         SourceDeclared,
	})
	require.NoError(t, err)

	norm, err := c.ResolveName("amount_usd")
	require.NoError(t, err)
	assert.Equal(t, "amount_usd", norm)

	norm, err = c.ResolveName("Amount ($USD)")
	require.NoError(t, err)
	assert.Equal(t, "amount_usd", norm)

	_, err = c.ResolveName("missing")
	assert.Error(t, err)
}

func TestWithField(t *testing.T) {
	base, err := NewContract(ModeFlexible, declaredField("id", KindInt, true))
	require.NoError(t, err)

	t.Run("adds inferred non-required field", func(t *testing.T) {
		extended, err := base.WithField("score", "score", 0.5)
		require.NoError(t, err)
		f, ok := extended.Field("score")
		require.True(t, ok)
		assert.Equal(t, KindFloat, f.Kind)
		assert.False(t, f.Required)
		assert.Equal(t, SourceInferred, f.Source)
		// base is untouched
		assert.Equal(t, 1, base.Len())
	})

	t.Run("rejects existing field", func(t *testing.T) {
		_, err := base.WithField("id", "id", 2)
		assert.Error(t, err)
	})

	t.Run("rejects locked contract", func(t *testing.T) {
		locked := base.WithLocked()
		_, err := locked.WithField("extra", "extra", "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "locked")
	})
}

func TestValidate(t *testing.T) {
	fixed, err := NewContract(ModeFixed,
		declaredField("id", KindInt, true),
		declaredField("name", KindString, true),
		declaredField("score", KindFloat, false),
		declaredField("meta", KindAny, false),
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		row  Row
		want []Violation
	}{
		{
			name: "clean row",
			row:  Row{"id": 1, "name": "Alice", "score": 0.5},
			want: nil,
		},
		{
			name: "missing required",
			row:  Row{"id": 1},
			want: []Violation{{Kind: ViolationMissingField, Field: "name", OriginalField: "name"}},
		},
		{
			name: "type mismatch",
			row:  Row{"id": "one", "name": "Alice"},
			want: []Violation{{
				Kind: ViolationTypeMismatch, Field: "id", OriginalField: "id",
				Expected: KindInt, Actual: KindString,
			}},
		},
		{
			name: "extra field in fixed mode",
			row:  Row{"id": 1, "name": "Alice", "surprise": true},
			want: []Violation{{Kind: ViolationExtraField, Field: "surprise", OriginalField: "surprise"}},
		},
		{
			name: "int widens to float",
			row:  Row{"id": 1, "name": "Alice", "score": 3},
			want: nil,
		},
		{
			name: "optional nil accepted",
			row:  Row{"id": 1, "name": "Alice", "score": nil},
			want: nil,
		},
		{
			name: "required nil rejected",
			row:  Row{"id": nil, "name": "Alice"},
			want: []Violation{{
				Kind: ViolationTypeMismatch, Field: "id", OriginalField: "id",
				Expected: KindInt, Actual: KindNone,
			}},
		},
		{
			name: "any kind skips type check",
			row:  Row{"id": 1, "name": "Alice", "meta": []any{1, 2}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fixed.Validate(tt.row))
		})
	}
}

func TestValidateFlexibleAllowsExtras(t *testing.T) {
	flexible, err := NewContract(ModeFlexible, declaredField("id", KindInt, true))
	require.NoError(t, err)
	assert.Empty(t, flexible.Validate(Row{"id": 1, "extra": "fine"}))
}

func TestMerge(t *testing.T) {
	t.Run("mode precedence and requiredness", func(t *testing.T) {
		a, err := NewContract(ModeObserved,
			declaredField("id", KindInt, true),
			declaredField("left_only", KindString, true),
		)
		require.NoError(t, err)
		b, err := NewContract(ModeFixed,
			declaredField("id", KindInt, true),
			declaredField("right_only", KindBool, true),
		)
		require.NoError(t, err)

		merged, err := a.Merge(b)
		require.NoError(t, err)
		assert.Equal(t, ModeFixed, merged.Mode())

		id, _ := merged.Field("id")
		assert.True(t, id.Required, "present in both and required in both")

		left, _ := merged.Field("left_only")
		assert.False(t, left.Required, "one-sided fields become optional")
		right, _ := merged.Field("right_only")
		assert.False(t, right.Required)

		// a's fields first, then b-only fields
		names := make([]string, 0, merged.Len())
		for _, f := range merged.Fields() {
			names = append(names, f.NormalizedName)
		}
		assert.Equal(t, []string{"id", "left_only", "right_only"}, names)
	})

	t.Run("incompatible kinds fail", func(t *testing.T) {
		a, err := NewContract(ModeFlexible, declaredField("id", KindInt, true))
		require.NoError(t, err)
		b, err := NewContract(ModeFlexible, declaredField("id", KindString, true))
		require.NoError(t, err)

		_, err = a.Merge(b)
		var mergeErr *ContractMergeError
		require.ErrorAs(t, err, &mergeErr)
		assert.Equal(t, "id", mergeErr.Field)
	})

	t.Run("declared wins over inferred", func(t *testing.T) {
		inferred := FieldContract{NormalizedName: "x", OriginalName: "x", Kind: KindInt, Source: SourceInferred}
		a, err := NewContract(ModeObserved, inferred)
		require.NoError(t, err)
		b, err := NewContract(ModeFlexible, declaredField("x", KindInt, false))
		require.NoError(t, err)

		merged, err := a.Merge(b)
		require.NoError(t, err)
		f, _ := merged.Field("x")
		assert.Equal(t, SourceDeclared, f.Source)
	})

	t.Run("locked if either side is locked", func(t *testing.T) {
		a, err := NewContract(ModeFlexible, declaredField("x", KindInt, true))
		require.NoError(t, err)
		b, err := NewContract(ModeFlexible, declaredField("x", KindInt, true))
		require.NoError(t, err)

		merged, err := a.WithLocked().Merge(b)
		require.NoError(t, err)
		assert.True(t, merged.Locked())
	})
}

func TestVersionHash(t *testing.T) {
	a, err := NewContract(ModeFixed,
		declaredField("id", KindInt, true),
		declaredField("name", KindString, true),
	)
	require.NoError(t, err)

	// Field order does not change identity; the hash sorts fields.
	reordered, err := NewContract(ModeFixed,
		declaredField("name", KindString, true),
		declaredField("id", KindInt, true),
	)
	require.NoError(t, err)

	assert.Len(t, a.VersionHash(), 32)
	assert.Equal(t, a.VersionHash(), reordered.VersionHash())

	changed, err := NewContract(ModeFixed,
		declaredField("id", KindInt, true),
		declaredField("name", KindString, false),
	)
	require.NoError(t, err)
	assert.NotEqual(t, a.VersionHash(), changed.VersionHash())
}

func TestContractCheckpointRoundTrip(t *testing.T) {
	c, err := NewContract(ModeFlexible,
		declaredField("id", KindInt, true),
		FieldContract{NormalizedName: "seen", OriginalName: "Seen At", Kind: KindDatetime, Source: SourceInferred},
	)
	require.NoError(t, err)
	c = c.WithLocked()

	data, err := c.ToCheckpoint()
	require.NoError(t, err)

	restored, err := ContractFromCheckpoint(data)
	require.NoError(t, err)
	assert.True(t, c.Equal(restored))
	assert.True(t, restored.Locked())
}

func TestContractCheckpointTamperDetected(t *testing.T) {
	c, err := NewContract(ModeFixed, declaredField("id", KindInt, true))
	require.NoError(t, err)

	data, err := c.ToCheckpoint()
	require.NoError(t, err)

	tampered := []byte(string(data))
	// Flip the declared kind inside the serialized payload.
	for i := 0; i+4 < len(tampered); i++ {
		if string(tampered[i:i+5]) == `"int"` {
			copy(tampered[i:], `"str"`)
			break
		}
	}

	_, err = ContractFromCheckpoint(tampered)
	var integrityErr *DataIntegrityError
	require.ErrorAs(t, err, &integrityErr)
}

func TestObserveRowDeterministic(t *testing.T) {
	row := Row{"zeta": 1, "alpha": "x", "mid": true, "when": time.Now()}
	first := ObserveRow(row)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.VersionHash(), ObserveRow(row).VersionHash())
	}

	names := make([]string, 0, first.Len())
	for _, f := range first.Fields() {
		names = append(names, f.NormalizedName)
		assert.False(t, f.Required)
		assert.Equal(t, SourceInferred, f.Source)
	}
	assert.Equal(t, []string{"alpha", "mid", "when", "zeta"}, names)
}
