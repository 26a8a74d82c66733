package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func TestJSONLSourceParsesObjects(t *testing.T) {
	path := writeTemp(t, "in.jsonl", `{"id": 1, "name": "Alice"}
{"id": 2, "name": "Bob"}
`)

	src, err := NewJSONLSource(map[string]any{
		"path": path,
		"schema": map[string]any{
			"mode":   "strict",
			"fields": []any{"id: int", "name: str"},
		},
	})
	require.NoError(t, err)
	defer src.Close(context.Background())

	it, err := src.Load(context.Background(), sourceContext())
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 2)

	// JSON numbers arrive as float64; declared int fields are narrowed back.
	assert.Equal(t, int64(1), rows[0].Row["id"])
	assert.Equal(t, "Bob", rows[1].Row["name"])
	assert.Same(t, rows[0].Contract, rows[1].Contract)
}

func TestJSONLSourceSkipsBlankLines(t *testing.T) {
	path := writeTemp(t, "in.jsonl", "{\"a\": 1}\n\n{\"a\": 2}\n")

	src, err := NewJSONLSource(map[string]any{"path": path})
	require.NoError(t, err)
	defer src.Close(context.Background())

	it, err := src.Load(context.Background(), sourceContext())
	require.NoError(t, err)
	rows := drain(t, it)
	assert.Len(t, rows, 2)
}

func TestJSONLSourceQuarantinesMalformedLines(t *testing.T) {
	path := writeTemp(t, "in.jsonl", "{\"a\": 1}\nnot json\n{\"a\": 3}\n")

	src, err := NewJSONLSource(map[string]any{
		"path":                path,
		"on_validation_error": "errors",
	})
	require.NoError(t, err)
	defer src.Close(context.Background())

	it, err := src.Load(context.Background(), sourceContext())
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 3)
	assert.False(t, rows[0].Quarantined)
	assert.True(t, rows[1].Quarantined)
	assert.Contains(t, rows[1].QuarantineError, "line 2")
	assert.Equal(t, "errors", rows[1].QuarantineDestination)
	assert.Equal(t, "not json", rows[1].Row["_raw"])
	assert.False(t, rows[2].Quarantined)
}

func TestJSONLSourceStrictRejectsExtras(t *testing.T) {
	path := writeTemp(t, "in.jsonl", `{"id": 1, "surprise": true}
`)

	src, err := NewJSONLSource(map[string]any{
		"path": path,
		"schema": map[string]any{
			"mode":   "strict",
			"fields": []any{"id: int"},
		},
	})
	require.NoError(t, err)
	defer src.Close(context.Background())

	it, err := src.Load(context.Background(), sourceContext())
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quarantined)
	assert.Contains(t, rows[0].QuarantineError, "extra field")
}

func TestJSONLSourceFreeModeAdmitsExtras(t *testing.T) {
	path := writeTemp(t, "in.jsonl", `{"id": 1, "note": "hi"}
{"id": 2, "note": "yo"}
`)

	src, err := NewJSONLSource(map[string]any{
		"path": path,
		"schema": map[string]any{
			"mode":   "free",
			"fields": []any{"id: int"},
		},
	})
	require.NoError(t, err)
	defer src.Close(context.Background())

	it, err := src.Load(context.Background(), sourceContext())
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Quarantined)
	// The first row's extras become inferred optional fields.
	f, ok := rows[0].Contract.Field("note")
	require.True(t, ok)
	assert.Equal(t, contracts.KindString, f.Kind)
	assert.False(t, f.Required)
}

func TestJSONLSourceFieldResolutionIsEmpty(t *testing.T) {
	src, err := NewJSONLSource(map[string]any{"path": "whatever.jsonl"})
	require.NoError(t, err)
	mapping, version := src.FieldResolution()
	assert.Nil(t, mapping)
	assert.Empty(t, version)
}
