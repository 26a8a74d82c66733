package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFieldName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"User Name", "user_name"},
		{"Total (USD)", "total_usd"},
		{"already_fine", "already_fine"},
		{"  spaced  ", "spaced"},
		{"2nd column", "f_2nd_column"},
		{"UPPER-case.dots", "upper_case_dots"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeFieldName(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeFieldName("!!!")
	assert.ErrorContains(t, err, "empty field name")
}

func TestResolveFieldNamesModes(t *testing.T) {
	t.Run("verbatim headers", func(t *testing.T) {
		res, err := ResolveFieldNames([]string{"A B", "c"}, false, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"A B", "c"}, res.FinalHeaders)
		assert.Nil(t, res.Mapping)
		assert.Empty(t, res.Version)
	})

	t.Run("normalized with override", func(t *testing.T) {
		res, err := ResolveFieldNames([]string{"User Name", "Age"}, true, map[string]string{"age": "years"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"user_name", "years"}, res.FinalHeaders)
		assert.Equal(t, NormalizationVersion, res.Version)
		assert.Equal(t, "years", res.Mapping["Age"])
	})

	t.Run("headerless columns", func(t *testing.T) {
		res, err := ResolveFieldNames(nil, false, nil, []string{"id", "name"})
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, res.FinalHeaders)
	})

	t.Run("columns exclude normalize", func(t *testing.T) {
		_, err := ResolveFieldNames(nil, true, nil, []string{"id"})
		assert.ErrorContains(t, err, "mutually exclusive")
	})

	t.Run("mapping requires normalize", func(t *testing.T) {
		_, err := ResolveFieldNames([]string{"a"}, false, map[string]string{"a": "b"}, nil)
		assert.ErrorContains(t, err, "field_mapping requires normalize_fields")
	})

	t.Run("mapping key must match a header", func(t *testing.T) {
		_, err := ResolveFieldNames([]string{"a"}, true, map[string]string{"ghost": "b"}, nil)
		assert.ErrorContains(t, err, "does not match any normalized header")
	})

	t.Run("collision after normalization", func(t *testing.T) {
		_, err := ResolveFieldNames([]string{"User Name", "user-name"}, true, nil, nil)
		assert.ErrorContains(t, err, "collision")
	})
}
