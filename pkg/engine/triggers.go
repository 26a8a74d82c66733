package engine

import (
	"fmt"
	"time"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/expr"
)

// TriggerDecision reports whether an aggregation buffer should flush and
// which trigger fired first.
type TriggerDecision struct {
	Fired  bool
	Type   contracts.TriggerType
	Reason string
}

// TriggerEvaluator tracks one aggregation buffer against its trigger
// settings. Count and condition triggers record the buffer age at which they
// first became true; when several triggers have fired by the time the buffer
// is checked, the earliest firing one names the flush.
//
// Batches fired by a condition record TriggerManual with the condition text
// as the reason; the trigger_type enum stays closed while the reason carries
// the detail.
type TriggerEvaluator struct {
	settings  config.TriggerSettings
	condition *expr.Expression

	// now is replaced in tests.
	now func() time.Time

	batchCount          int
	firstAccept         time.Time
	countFireOffset     *float64
	conditionFireOffset *float64
}

// NewTriggerEvaluator parses the condition, if any, and returns an evaluator
// for an empty buffer.
func NewTriggerEvaluator(settings config.TriggerSettings) (*TriggerEvaluator, error) {
	e := &TriggerEvaluator{settings: settings, now: time.Now}
	if settings.Condition != "" {
		condition, err := expr.ParseNames(settings.Condition, "batch_count", "batch_age_seconds")
		if err != nil {
			return nil, fmt.Errorf("trigger condition: %w", err)
		}
		e.condition = condition
	}
	return e, nil
}

// BatchCount returns how many rows the current batch holds.
func (e *TriggerEvaluator) BatchCount() int { return e.batchCount }

// AgeSeconds returns how long the oldest buffered row has been waiting.
// Zero for an empty buffer.
func (e *TriggerEvaluator) AgeSeconds() float64 {
	if e.batchCount == 0 {
		return 0
	}
	return e.now().Sub(e.firstAccept).Seconds()
}

// CountFireOffset returns the buffer age at which the count trigger fired,
// or nil if it has not.
func (e *TriggerEvaluator) CountFireOffset() *float64 { return e.countFireOffset }

// ConditionFireOffset returns the buffer age at which the condition trigger
// fired, or nil if it has not.
func (e *TriggerEvaluator) ConditionFireOffset() *float64 { return e.conditionFireOffset }

// RecordAccept notes one more row in the buffer and evaluates the count and
// condition triggers at the moment of arrival, so their fire offsets reflect
// when they actually became true rather than when the buffer was next
// checked.
func (e *TriggerEvaluator) RecordAccept() error {
	if e.batchCount == 0 {
		e.firstAccept = e.now()
	}
	e.batchCount++

	age := e.AgeSeconds()
	if e.settings.Count != nil && e.countFireOffset == nil && e.batchCount >= *e.settings.Count {
		offset := age
		e.countFireOffset = &offset
	}
	return e.evaluateCondition(age)
}

// Check evaluates every configured trigger against the buffer's current
// count and age. Conditions over batch_age_seconds can become true between
// accepts, so the condition is re-evaluated here as well.
func (e *TriggerEvaluator) Check() (TriggerDecision, error) {
	if e.batchCount == 0 {
		return TriggerDecision{}, nil
	}

	age := e.AgeSeconds()
	if err := e.evaluateCondition(age); err != nil {
		return TriggerDecision{}, err
	}

	type fired struct {
		offset   float64
		decision TriggerDecision
	}
	var candidates []fired

	if e.countFireOffset != nil {
		candidates = append(candidates, fired{
			offset: *e.countFireOffset,
			decision: TriggerDecision{
				Fired:  true,
				Type:   contracts.TriggerCount,
				Reason: fmt.Sprintf("count reached %d", *e.settings.Count),
			},
		})
	}
	if e.settings.TimeoutSeconds != nil && age >= *e.settings.TimeoutSeconds {
		candidates = append(candidates, fired{
			offset: *e.settings.TimeoutSeconds,
			decision: TriggerDecision{
				Fired:  true,
				Type:   contracts.TriggerTime,
				Reason: fmt.Sprintf("timeout after %gs", *e.settings.TimeoutSeconds),
			},
		})
	}
	if e.conditionFireOffset != nil {
		candidates = append(candidates, fired{
			offset: *e.conditionFireOffset,
			decision: TriggerDecision{
				Fired:  true,
				Type:   contracts.TriggerManual,
				Reason: "condition: " + e.settings.Condition,
			},
		})
	}

	if len(candidates) == 0 {
		return TriggerDecision{}, nil
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.offset < winner.offset {
			winner = c
		}
	}
	return winner.decision, nil
}

// Reset clears the evaluator for the next batch.
func (e *TriggerEvaluator) Reset() {
	e.batchCount = 0
	e.firstAccept = time.Time{}
	e.countFireOffset = nil
	e.conditionFireOffset = nil
}

// RestoreFromCheckpoint rebuilds the evaluator for a resumed buffer. The
// buffer's age keeps counting from where the interrupted run left off, and
// the recorded fire offsets keep the original trigger ordering instead of
// being re-stamped at restore time.
func (e *TriggerEvaluator) RestoreFromCheckpoint(batchCount int, elapsedAgeSeconds float64, countFireOffset, conditionFireOffset *float64) {
	e.batchCount = batchCount
	e.firstAccept = e.now().Add(-time.Duration(elapsedAgeSeconds * float64(time.Second)))
	e.countFireOffset = countFireOffset
	e.conditionFireOffset = conditionFireOffset
}

func (e *TriggerEvaluator) evaluateCondition(age float64) error {
	if e.condition == nil || e.conditionFireOffset != nil {
		return nil
	}
	ok, err := e.condition.EvalBoolScope(map[string]any{
		"batch_count":       e.batchCount,
		"batch_age_seconds": age,
	})
	if err != nil {
		return fmt.Errorf("trigger condition %q: %w", e.settings.Condition, err)
	}
	if ok {
		offset := age
		e.conditionFireOffset = &offset
	}
	return nil
}
