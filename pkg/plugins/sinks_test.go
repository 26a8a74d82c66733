package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func sinkRows(t *testing.T, datas ...contracts.Row) []*contracts.PipelineRow {
	t.Helper()
	contract := contracts.ObserveRow(datas[0]).WithLocked()
	rows := make([]*contracts.PipelineRow, len(datas))
	for i, data := range datas {
		rows[i] = contracts.NewPipelineRow(data, contract)
	}
	return rows
}

func TestCSVSinkWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "result.csv")
	sink, err := NewCSVSink("output", map[string]any{
		"path":    path,
		"columns": []any{"id", "name"},
	})
	require.NoError(t, err)

	rows := sinkRows(t,
		contracts.Row{"id": int64(1), "name": "Alice"},
		contracts.Row{"id": int64(2), "name": "Bob"},
	)
	artifact, err := sink.Write(context.Background(), rows, &contracts.PluginContext{})
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Alice\n2,Bob\n", string(content))

	assert.Equal(t, "file", artifact.ArtifactType)
	assert.Equal(t, "file://"+path, artifact.PathOrURI)
	assert.Equal(t, int64(len(content)), artifact.SizeBytes)
	assert.Len(t, artifact.ContentHash, 64)
	assert.Equal(t, int64(2), artifact.Metadata["row_count"])
}

func TestCSVSinkDerivesColumnsFromContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.csv")
	sink, err := NewCSVSink("output", map[string]any{"path": path})
	require.NoError(t, err)

	rows := sinkRows(t, contracts.Row{"b": "2", "a": "1"})
	_, err = sink.Write(context.Background(), rows, &contracts.PluginContext{})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	// ObserveRow sorts field names, so the header order is deterministic.
	assert.Equal(t, "a,b\n1,2\n", string(content))
}

func TestCSVSinkHashIsDeterministic(t *testing.T) {
	write := func(t *testing.T, name string, rows []*contracts.PipelineRow) string {
		sink, err := NewCSVSink("output", map[string]any{
			"path":    filepath.Join(t.TempDir(), "out.csv"),
			"columns": []any{"id", "name"},
		})
		require.NoError(t, err)
		artifact, err := sink.Write(context.Background(), rows, &contracts.PluginContext{})
		require.NoError(t, err)
		require.NoError(t, sink.Flush(context.Background()))
		return artifact.ContentHash
	}

	base := func() []*contracts.PipelineRow {
		return sinkRows(t,
			contracts.Row{"id": int64(1), "name": "Alice"},
			contracts.Row{"id": int64(2), "name": "Bob"},
		)
	}

	first := write(t, "a", base())
	second := write(t, "b", base())
	assert.Equal(t, first, second)

	changed := write(t, "c", sinkRows(t,
		contracts.Row{"id": int64(1), "name": "Alice"},
		contracts.Row{"id": int64(2), "name": "Bobby"},
	))
	assert.NotEqual(t, first, changed)
}

func TestCSVSinkIncrementalWritesHashWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSVSink("output", map[string]any{
		"path":    path,
		"columns": []any{"id"},
	})
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), sinkRows(t, contracts.Row{"id": int64(1)}), &contracts.PluginContext{})
	require.NoError(t, err)
	artifact, err := sink.Write(context.Background(), sinkRows(t, contracts.Row{"id": int64(2)}), &contracts.PluginContext{})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n2\n", string(content))
	assert.Equal(t, int64(2), artifact.Metadata["row_count"])
}

func TestCSVSinkAppendRequiresColumns(t *testing.T) {
	_, err := NewCSVSink("output", map[string]any{"path": "x.csv", "append": true})
	assert.ErrorContains(t, err, "append requires explicit columns")
}

func TestCSVSinkAppendContinuesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("id\n1\n"), 0o644))

	sink, err := NewCSVSink("output", map[string]any{
		"path":    path,
		"columns": []any{"id"},
		"append":  true,
	})
	require.NoError(t, err)
	assert.True(t, sink.SupportsResume())

	_, err = sink.Write(context.Background(), sinkRows(t, contracts.Row{"id": int64(2)}), &contracts.PluginContext{})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	// No duplicated header.
	assert.Equal(t, "id\n1\n2\n", string(content))
}

func TestJSONLSinkCanonicalOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := NewJSONLSink("output", map[string]any{"path": path})
	require.NoError(t, err)
	assert.False(t, sink.SupportsResume())

	rows := sinkRows(t, contracts.Row{"name": "Alice", "id": int64(1)})
	artifact, err := sink.Write(context.Background(), rows, &contracts.PluginContext{})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	// Canonical encoding orders keys, so the bytes are reproducible.
	assert.Equal(t, `{"id":1,"name":"Alice"}`+"\n", string(content))
	assert.Equal(t, "file://"+path, artifact.PathOrURI)
	assert.Len(t, artifact.ContentHash, 64)
}

func TestJSONLSinkHashIsDeterministic(t *testing.T) {
	write := func(dir string) string {
		sink, err := NewJSONLSink("output", map[string]any{"path": filepath.Join(dir, "out.jsonl")})
		require.NoError(t, err)
		artifact, err := sink.Write(context.Background(), sinkRows(t, contracts.Row{"id": int64(1), "v": 2.5}), &contracts.PluginContext{})
		require.NoError(t, err)
		return artifact.ContentHash
	}
	assert.Equal(t, write(t.TempDir()), write(t.TempDir()))
}

func TestNullSinkDiscardsButHashes(t *testing.T) {
	sink, err := NewNullSink("discard", nil)
	require.NoError(t, err)
	assert.True(t, sink.SupportsResume())

	first, err := sink.Write(context.Background(), sinkRows(t, contracts.Row{"id": int64(1)}), &contracts.PluginContext{})
	require.NoError(t, err)
	assert.Equal(t, "null", first.ArtifactType)
	assert.Equal(t, "null://discard", first.PathOrURI)
	assert.Equal(t, int64(1), first.Metadata["row_count"])
	assert.Len(t, first.ContentHash, 64)

	second, err := sink.Write(context.Background(), sinkRows(t, contracts.Row{"id": int64(2)}), &contracts.PluginContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Metadata["row_count"])
	// The hash commits to everything discarded so far.
	assert.NotEqual(t, first.ContentHash, second.ContentHash)
}
