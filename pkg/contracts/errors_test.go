package contracts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViolationMessages(t *testing.T) {
	missing := Violation{Kind: ViolationMissingField, Field: "id", OriginalField: "ID"}
	assert.Equal(t, `required field "ID" (id) is missing`, missing.Error())

	mismatch := Violation{
		Kind: ViolationTypeMismatch, Field: "score", OriginalField: "score",
		Expected: KindFloat, Actual: KindString,
	}
	assert.Equal(t, `field "score" (score) expected type "float", got "str"`, mismatch.Error())

	extra := Violation{Kind: ViolationExtraField, Field: "surprise", OriginalField: "surprise"}
	assert.Equal(t, `extra field "surprise" (surprise) not allowed in fixed mode`, extra.Error())
}

func TestViolationsReason(t *testing.T) {
	single := []Violation{{Kind: ViolationMissingField, Field: "id", OriginalField: "id"}}
	reason := ViolationsReason(single)
	assert.Equal(t, "contract_violation", reason["reason"])
	assert.Equal(t, "missing_field", reason["violation_type"])
	assert.Equal(t, "id", reason["field"])

	multi := append(single, Violation{
		Kind: ViolationTypeMismatch, Field: "x", OriginalField: "x",
		Expected: KindInt, Actual: KindString,
	})
	reason = ViolationsReason(multi)
	assert.Equal(t, "multiple_contract_violations", reason["reason"])
	assert.Equal(t, 2, reason["count"])
	details, ok := reason["violations"].([]any)
	require.True(t, ok)
	assert.Len(t, details, 2)
	assert.Equal(t, "str", details[1].(map[string]any)["actual_type"])
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "capacity errors always retry",
			err:  &CapacityError{Service: "llm", Err: errors.New("429")},
			want: true,
		},
		{
			name: "wrapped capacity error",
			err:  fmt.Errorf("invoke failed: %w", &CapacityError{Service: "llm", Err: errors.New("429")}),
			want: true,
		},
		{
			name: "plugin error marked retryable",
			err:  &PluginInvocationError{Plugin: "http_fetch", NodeID: "n1", Retryable: true, Err: errors.New("503")},
			want: true,
		},
		{
			name: "plugin error not retryable",
			err:  &PluginInvocationError{Plugin: "parse", NodeID: "n1", Retryable: false, Err: errors.New("bad json")},
			want: false,
		},
		{
			name: "pending batch is control flow, not retry",
			err:  NewBatchPendingError("batch_1", string(BatchExecuting)),
			want: false,
		},
		{
			name: "plain errors do not retry",
			err:  errors.New("boom"),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestBatchPendingError(t *testing.T) {
	err := NewBatchPendingError("batch_42", string(BatchExecuting))
	assert.Equal(t, 5*time.Minute, err.CheckAfter)
	assert.Contains(t, err.Error(), "batch_42")

	var pending *BatchPendingError
	wrapped := fmt.Errorf("transform: %w", err)
	require.ErrorAs(t, wrapped, &pending)
	assert.Equal(t, "batch_42", pending.BatchID)
}

func TestMaxRetriesExceededUnwraps(t *testing.T) {
	cause := &CapacityError{Service: "llm", Err: errors.New("slow down")}
	err := &MaxRetriesExceeded{Attempts: 5, LastErr: cause}

	var capacity *CapacityError
	assert.ErrorAs(t, err, &capacity)
	assert.Contains(t, err.Error(), "5")
}

func TestFrameworkBugError(t *testing.T) {
	err := NewFrameworkBug("call-parentage", "both parents set")
	assert.Equal(t, "framework bug [call-parentage]: both parents set", err.Error())
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("sink %q not defined", "missing_sink")
	assert.Contains(t, err.Error(), `sink "missing_sink" not defined`)
}
