package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldDefinition(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    FieldDefinition
		wantErr string
	}{
		{
			name: "required string",
			spec: "name: str",
			want: FieldDefinition{Name: "name", Kind: KindString, Required: true},
		},
		{
			name: "optional float",
			spec: "score: float?",
			want: FieldDefinition{Name: "score", Kind: KindFloat, Required: false},
		},
		{
			name: "whitespace tolerated",
			spec: "  id:   int  ",
			want: FieldDefinition{Name: "id", Kind: KindInt, Required: true},
		},
		{
			name:    "unknown type",
			spec:    "when: timestamp",
			wantErr: "unknown type",
		},
		{
			name:    "hyphenated name",
			spec:    "user-id: int",
			wantErr: "invalid field name",
		},
		{
			name:    "digit-prefixed name",
			spec:    "1st: str",
			wantErr: "cannot start with a digit",
		},
		{
			name:    "no colon",
			spec:    "just_a_name",
			wantErr: "invalid field spec",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFieldDefinition(tt.spec)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSchemaConfig(t *testing.T) {
	t.Run("dynamic", func(t *testing.T) {
		sc, err := ParseSchemaConfig(map[string]any{"fields": "dynamic"})
		require.NoError(t, err)
		assert.True(t, sc.IsDynamic)
		assert.True(t, sc.AllowsExtraFields())
	})

	t.Run("strict with mixed spec forms", func(t *testing.T) {
		sc, err := ParseSchemaConfig(map[string]any{
			"mode": "strict",
			"fields": []any{
				"id: int",
				map[string]any{"name": "str"},
				"score: float?",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "strict", sc.Mode)
		assert.False(t, sc.AllowsExtraFields())
		require.Len(t, sc.Fields, 3)
		assert.Equal(t, FieldDefinition{Name: "name", Kind: KindString, Required: true}, sc.Fields[1])
		assert.False(t, sc.Fields[2].Required)
	})

	t.Run("free allows extras", func(t *testing.T) {
		sc, err := ParseSchemaConfig(map[string]any{
			"mode":   "free",
			"fields": []any{"id: int"},
		})
		require.NoError(t, err)
		assert.True(t, sc.AllowsExtraFields())
	})

	t.Run("missing fields key", func(t *testing.T) {
		_, err := ParseSchemaConfig(map[string]any{"mode": "strict"})
		assert.ErrorContains(t, err, "'fields' key is required")
	})

	t.Run("explicit fields require mode", func(t *testing.T) {
		_, err := ParseSchemaConfig(map[string]any{"fields": []any{"id: int"}})
		assert.ErrorContains(t, err, "'mode' key is required")
	})

	t.Run("empty field list rejected", func(t *testing.T) {
		_, err := ParseSchemaConfig(map[string]any{"mode": "strict", "fields": []any{}})
		assert.ErrorContains(t, err, "at least one field")
	})

	t.Run("duplicate fields rejected", func(t *testing.T) {
		_, err := ParseSchemaConfig(map[string]any{
			"mode":   "strict",
			"fields": []any{"id: int", "id: str"},
		})
		assert.ErrorContains(t, err, "duplicate field")
	})

	t.Run("contract fields must be declared", func(t *testing.T) {
		_, err := ParseSchemaConfig(map[string]any{
			"mode":              "strict",
			"fields":            []any{"id: int"},
			"guaranteed_fields": []any{"nope"},
		})
		assert.ErrorContains(t, err, "not declared in schema")
	})

	t.Run("dynamic with contract fields", func(t *testing.T) {
		sc, err := ParseSchemaConfig(map[string]any{
			"fields":            "dynamic",
			"guaranteed_fields": []any{"customer_id", "timestamp"},
			"required_fields":   []any{"customer_id"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"customer_id", "timestamp"}, sc.GuaranteedFields)
		assert.Equal(t, []string{"customer_id"}, sc.RequiredFields)
	})
}

func TestEffectiveFieldSets(t *testing.T) {
	sc, err := ParseSchemaConfig(map[string]any{
		"mode":              "free",
		"fields":            []any{"id: int", "name: str", "score: float?"},
		"guaranteed_fields": []any{"name"},
	})
	require.NoError(t, err)

	guaranteed := sc.EffectiveGuaranteedFields()
	assert.Contains(t, guaranteed, "id")
	assert.Contains(t, guaranteed, "name")
	assert.NotContains(t, guaranteed, "score", "optional fields are not guaranteed")

	required := sc.EffectiveRequiredFields()
	assert.Contains(t, required, "id")
	assert.NotContains(t, required, "score")
}

func TestSchemaConfigContract(t *testing.T) {
	t.Run("strict maps to fixed", func(t *testing.T) {
		sc, err := ParseSchemaConfig(map[string]any{
			"mode":   "strict",
			"fields": []any{"id: int", "score: float?"},
		})
		require.NoError(t, err)

		c, err := sc.Contract()
		require.NoError(t, err)
		assert.Equal(t, ModeFixed, c.Mode())
		id, _ := c.Field("id")
		assert.True(t, id.Required)
		assert.Equal(t, SourceDeclared, id.Source)
		score, _ := c.Field("score")
		assert.False(t, score.Required)
	})

	t.Run("dynamic maps to empty observed", func(t *testing.T) {
		c, err := DynamicSchema().Contract()
		require.NoError(t, err)
		assert.Equal(t, ModeObserved, c.Mode())
		assert.Equal(t, 0, c.Len())
	})
}

func TestSchemaConfigToMap(t *testing.T) {
	sc, err := ParseSchemaConfig(map[string]any{
		"fields":            "dynamic",
		"guaranteed_fields": []any{"response"},
	})
	require.NoError(t, err)

	m := sc.ToMap()
	assert.Equal(t, "dynamic", m["mode"])
	assert.Nil(t, m["fields"])
	assert.Equal(t, []any{"response"}, m["guaranteed_fields"])
	_, hasRequired := m["required_fields"]
	assert.False(t, hasRequired, "unset contract lists stay out of audit output")
}
