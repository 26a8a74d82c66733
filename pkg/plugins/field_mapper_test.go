package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func mapperRow(t *testing.T, data contracts.Row) *contracts.PipelineRow {
	t.Helper()
	return contracts.NewPipelineRow(data, contracts.ObserveRow(data).WithLocked())
}

func TestFieldMapperRenameSetKeep(t *testing.T) {
	mapper, err := NewFieldMapper("reshape", map[string]any{
		"mapping": map[string]any{"id": "user_id"},
		"set":     map[string]any{"processed": true},
		"keep":    []any{"user_id", "name", "processed"},
	})
	require.NoError(t, err)

	row := mapperRow(t, contracts.Row{"id": int64(7), "name": "Alice", "noise": "drop me"})
	res, err := mapper.Process(context.Background(), row, &contracts.PluginContext{})
	require.NoError(t, err)
	require.NoError(t, res.CheckInvariants())
	require.Equal(t, contracts.StatusSuccess, res.Status)

	out := res.Row.Data()
	assert.Equal(t, contracts.Row{"user_id": int64(7), "name": "Alice", "processed": true}, out)
	assert.Equal(t, "field_mapping", res.SuccessReason["action"])

	// The output contract went through the same reshaping.
	c := res.Row.Contract()
	require.NotNil(t, c)
	idField, ok := c.Field("user_id")
	require.True(t, ok)
	assert.Equal(t, contracts.KindInt, idField.Kind)
	assert.False(t, c.Has("id"))
	assert.False(t, c.Has("noise"))
	processedField, ok := c.Field("processed")
	require.True(t, ok)
	assert.Equal(t, contracts.KindBool, processedField.Kind)
}

func TestFieldMapperSharesDerivedContract(t *testing.T) {
	mapper, err := NewFieldMapper("reshape", map[string]any{
		"set": map[string]any{"processed": true},
	})
	require.NoError(t, err)

	shared := contracts.ObserveRow(contracts.Row{"id": int64(1)}).WithLocked()
	first := contracts.NewPipelineRow(contracts.Row{"id": int64(1)}, shared)
	second := contracts.NewPipelineRow(contracts.Row{"id": int64(2)}, shared)

	res1, err := mapper.Process(context.Background(), first, &contracts.PluginContext{})
	require.NoError(t, err)
	res2, err := mapper.Process(context.Background(), second, &contracts.PluginContext{})
	require.NoError(t, err)

	// Same input contract, same output contract instance.
	assert.Same(t, res1.Row.Contract(), res2.Row.Contract())
}

func TestFieldMapperMissingFieldIsDataError(t *testing.T) {
	mapper, err := NewFieldMapper("reshape", map[string]any{
		"mapping": map[string]any{"absent": "renamed"},
	})
	require.NoError(t, err)

	row := mapperRow(t, contracts.Row{"id": int64(1)})
	res, err := mapper.Process(context.Background(), row, &contracts.PluginContext{})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, "missing_field", res.ErrorReason["reason"])
	assert.Equal(t, "absent", res.ErrorReason["field"])
	assert.False(t, res.Retryable)
}

func TestFieldMapperConfigErrors(t *testing.T) {
	t.Run("no operations", func(t *testing.T) {
		_, err := NewFieldMapper("reshape", map[string]any{})
		assert.ErrorContains(t, err, "at least one of mapping, set, or keep")
	})

	t.Run("rename collision", func(t *testing.T) {
		_, err := NewFieldMapper("reshape", map[string]any{
			"mapping": map[string]any{"a": "same", "b": "same"},
		})
		assert.ErrorContains(t, err, `to "same"`)
	})

	t.Run("empty rename target", func(t *testing.T) {
		_, err := NewFieldMapper("reshape", map[string]any{
			"mapping": map[string]any{"a": ""},
		})
		assert.ErrorContains(t, err, "empty field name")
	})
}

func TestFieldMapperErrorDestination(t *testing.T) {
	mapper, err := NewFieldMapper("reshape", map[string]any{
		"keep":     []any{"id"},
		"on_error": "errors",
	})
	require.NoError(t, err)
	assert.Equal(t, "errors", mapper.OnErrorDestination())
}

func TestPassthroughReturnsRowUnchanged(t *testing.T) {
	p, err := NewPassthrough("noop", nil)
	require.NoError(t, err)

	row := mapperRow(t, contracts.Row{"id": int64(1)})
	res, err := p.Process(context.Background(), row, &contracts.PluginContext{})
	require.NoError(t, err)
	require.NoError(t, res.CheckInvariants())
	assert.Same(t, row, res.Row)
	assert.Equal(t, "passthrough", res.SuccessReason["action"])
}
