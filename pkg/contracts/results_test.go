package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineRowForTest(t *testing.T, data Row) *PipelineRow {
	t.Helper()
	return NewPipelineRow(data, ObserveRow(data))
}

func TestTransformResultInvariants(t *testing.T) {
	row := pipelineRowForTest(t, Row{"id": 1})

	t.Run("success requires reason", func(t *testing.T) {
		r := &TransformResult{Status: StatusSuccess, Row: row}
		assert.ErrorContains(t, r.CheckInvariants(), "success reason")
	})

	t.Run("success requires output", func(t *testing.T) {
		r := &TransformResult{Status: StatusSuccess, SuccessReason: map[string]any{"action": "noop"}}
		assert.ErrorContains(t, r.CheckInvariants(), "no output data")
	})

	t.Run("single and multi are exclusive", func(t *testing.T) {
		r := &TransformResult{
			Status:        StatusSuccess,
			Row:           row,
			Rows:          []*PipelineRow{row},
			SuccessReason: map[string]any{"action": "split"},
		}
		assert.ErrorContains(t, r.CheckInvariants(), "both single and multi")
	})

	t.Run("multi rows must share contract", func(t *testing.T) {
		other := pipelineRowForTest(t, Row{"id": 2})
		r := TransformSuccessMulti([]*PipelineRow{row, other}, map[string]any{"action": "split"})
		assert.ErrorContains(t, r.CheckInvariants(), "inconsistent contracts")
	})

	t.Run("valid single row", func(t *testing.T) {
		r := TransformSuccess(row, map[string]any{"action": "processed"})
		require.NoError(t, r.CheckInvariants())
		assert.False(t, r.IsMultiRow())
		assert.True(t, r.HasOutputData())
	})

	t.Run("valid multi row", func(t *testing.T) {
		contract := ObserveRow(Row{"id": 1})
		rows := []*PipelineRow{
			NewPipelineRow(Row{"id": 1}, contract),
			NewPipelineRow(Row{"id": 2}, contract),
		}
		r := TransformSuccessMulti(rows, map[string]any{"action": "split"})
		require.NoError(t, r.CheckInvariants())
		assert.True(t, r.IsMultiRow())
	})

	t.Run("error requires reason", func(t *testing.T) {
		r := &TransformResult{Status: StatusError}
		assert.ErrorContains(t, r.CheckInvariants(), "error reason")

		ok := TransformError(map[string]any{"reason": "parse_failure"}, false)
		require.NoError(t, ok.CheckInvariants())
		assert.False(t, ok.HasOutputData())
	})
}

func TestRowResultInvariants(t *testing.T) {
	row := pipelineRowForTest(t, Row{"id": 1})
	token := TokenInfo{TokenID: "tok_1", RowID: "row_1", RowData: row}

	t.Run("completed requires sink", func(t *testing.T) {
		r := &RowResult{Token: token, FinalData: row, Outcome: RowCompleted}
		assert.ErrorContains(t, r.CheckInvariants(), "sink name")
	})

	t.Run("routed requires sink", func(t *testing.T) {
		r := &RowResult{Token: token, FinalData: row, Outcome: RowRouted}
		assert.Error(t, r.CheckInvariants())
	})

	t.Run("failed requires error details", func(t *testing.T) {
		r := &RowResult{Token: token, FinalData: row, Outcome: RowFailed}
		assert.ErrorContains(t, r.CheckInvariants(), "error details")
	})

	t.Run("valid completed", func(t *testing.T) {
		r := &RowResult{Token: token, FinalData: row, Outcome: RowCompleted, SinkName: "output"}
		assert.NoError(t, r.CheckInvariants())
	})
}

func TestArtifactDescriptors(t *testing.T) {
	file := FileArtifact("/tmp/out.csv", "abc123", 42)
	assert.Equal(t, "file", file.ArtifactType)
	assert.Equal(t, "file:///tmp/out.csv", file.PathOrURI)
	assert.EqualValues(t, 42, file.SizeBytes)

	db := DatabaseArtifact("postgres://host/db", "results", "def456", 1024, 10)
	assert.Equal(t, "database", db.ArtifactType)
	assert.Equal(t, "db://results@postgres://host/db", db.PathOrURI)
	assert.Equal(t, 10, db.Metadata["row_count"])

	hook := WebhookArtifact("https://example.com/hook", "aaa", 256, 200)
	assert.Equal(t, "webhook", hook.ArtifactType)
	assert.Equal(t, 200, hook.Metadata["response_code"])
}

func TestSourceRow(t *testing.T) {
	t.Run("valid row converts", func(t *testing.T) {
		contract := ObserveRow(Row{"id": 1})
		sr := ValidSourceRow(Row{"id": 1}, contract)
		pr, err := sr.ToPipelineRow()
		require.NoError(t, err)
		v, ok := pr.Get("id")
		require.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("quarantined row does not convert", func(t *testing.T) {
		sr := QuarantinedSourceRow(Row{"id": "bad"}, "id must be int", "quarantine")
		assert.True(t, sr.Quarantined)
		assert.Equal(t, "quarantine", sr.QuarantineDestination)
		_, err := sr.ToPipelineRow()
		assert.Error(t, err)
	})

	t.Run("valid row without contract does not convert", func(t *testing.T) {
		sr := ValidSourceRow(Row{"id": 1}, nil)
		_, err := sr.ToPipelineRow()
		assert.ErrorContains(t, err, "no contract")
	})
}

func TestRoutingActions(t *testing.T) {
	cont := ContinueAction(map[string]any{"condition": "x > 1"})
	assert.Equal(t, RouteContinue, cont.Kind)

	route := RouteAction("review", EdgeDivert, map[string]any{"condition": "score < 0.5"})
	assert.Equal(t, RouteTo, route.Kind)
	assert.Equal(t, "review", route.Label)
	assert.Equal(t, EdgeDivert, route.Mode)

	fork := ForkAction([]string{"a", "b"}, nil)
	assert.Equal(t, RouteFork, fork.Kind)
	assert.Equal(t, []string{"a", "b"}, fork.Branches)
}

func TestGateResultToPipelineRow(t *testing.T) {
	g := &GateResult{Row: Row{"id": 1}, Action: ContinueAction(nil)}
	_, err := g.ToPipelineRow()
	assert.ErrorContains(t, err, "no contract")

	g.Contract = ObserveRow(Row{"id": 1})
	pr, err := g.ToPipelineRow()
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Len())
}

func TestFailureFromRetriesExceeded(t *testing.T) {
	err := &MaxRetriesExceeded{Attempts: 5, LastErr: assert.AnError}
	info := FailureFromRetriesExceeded(err)
	assert.Equal(t, "MaxRetriesExceeded", info.ExceptionType)
	assert.Equal(t, 5, info.Attempts)
	assert.Equal(t, assert.AnError.Error(), info.LastError)
}
