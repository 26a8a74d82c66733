package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEval(t *testing.T, src string, row map[string]any) any {
	t.Helper()
	e, err := Parse(src)
	require.NoError(t, err)
	v, err := e.Eval(row)
	require.NoError(t, err)
	return v
}

func evalFails(t *testing.T, src string, row map[string]any) *EvalError {
	t.Helper()
	e, err := Parse(src)
	require.NoError(t, err)
	_, err = e.Eval(row)
	require.Error(t, err)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	return evalErr
}

func TestEvalArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"1 + 2", int64(3)},
		{"10 - 4", int64(6)},
		{"3 * 4", int64(12)},
		{"2 * 3.5", 7.0},
		{"7 / 2", 3.5},
		{"8 / 2", 4.0},
		{"7 // 2", int64(3)},
		{"-7 // 2", int64(-4)},
		{"7.0 // 2", 3.0},
		{"-7.5 // 2", -4.0},
		{"7 % 3", int64(1)},
		{"-7 % 3", int64(2)},
		{"7 % -3", int64(-2)},
		{"-7 % -3", int64(-1)},
		{"-5", int64(-5)},
		{"--5", int64(5)},
		{"+2.5", 2.5},
		{"1 + 2 * 3", int64(7)},
		{"(1 + 2) * 3", int64(9)},
		{"'foo' + 'bar'", "foobar"},
		{"[1] + [2, 3]", []any{int64(1), int64(2), int64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src, nil))
		})
	}
}

func TestEvalArithmeticErrors(t *testing.T) {
	assert.Contains(t, evalFails(t, "1 / 0", nil).Error(), "division by zero")
	assert.Contains(t, evalFails(t, "1 // 0", nil).Error(), "division by zero")
	assert.Contains(t, evalFails(t, "1 % 0", nil).Error(), "modulo by zero")
	evalFails(t, "'a' - 'b'", nil)
	evalFails(t, "'a' + 1", nil)
	evalFails(t, "-'a'", nil)
	evalFails(t, "None + 1", nil)
}

func TestEvalComparisons(t *testing.T) {
	row := map[string]any{"n": int64(5), "s": "beta"}
	tests := []struct {
		src  string
		want bool
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"row['n'] == 5", true},
		{"row['n'] == 5.0", true},
		{"row['n'] != 6", true},
		{"1 < row['n'] <= 5", true},
		{"1 < row['n'] < 5", false},
		{"10 < row['n'] < 20", false},
		{"'alpha' < row['s']", true},
		{"row['s'] == 'beta'", true},
		{"True == True", true},
		{"True == 1", false},
		{"None == None", true},
		{"row.get('missing') == None", true},
		{"row['n'] != None", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src, row))
		})
	}
}

func TestEvalComparisonChainShortCircuits(t *testing.T) {
	// The right side of the second link would fail on the missing key, but
	// the first link is already false so it must never be evaluated.
	row := map[string]any{"n": int64(1)}
	v := mustEval(t, "10 < row['n'] < row['missing']", row)
	assert.Equal(t, false, v)
}

func TestEvalOrderingErrors(t *testing.T) {
	evalFails(t, "'a' < 1", nil)
	evalFails(t, "None < 1", nil)
	evalFails(t, "True < 2", nil)
	evalFails(t, "[1] < [2]", nil)
}

func TestEvalBooleanOps(t *testing.T) {
	row := map[string]any{"empty": "", "name": "ada", "zero": int64(0)}

	assert.Equal(t, "ada", mustEval(t, "row['empty'] or row['name']", row))
	assert.Equal(t, "", mustEval(t, "row['zero'] or row['empty']", row))
	assert.Equal(t, "ada", mustEval(t, "'x' and row['name']", row))
	assert.Equal(t, int64(0), mustEval(t, "row['zero'] and row['name']", row))

	// Short circuit: the missing key is never touched.
	assert.Equal(t, "ada", mustEval(t, "row['name'] or row['missing']", row))
	assert.Equal(t, "", mustEval(t, "row['empty'] and row['missing']", row))
}

func TestEvalMembership(t *testing.T) {
	row := map[string]any{
		"status": "active",
		"tags":   []any{"a", "b"},
		"text":   "hello world",
	}
	tests := []struct {
		src  string
		want bool
	}{
		{"row['status'] in ['active', 'pending']", true},
		{"row['status'] in ['failed']", false},
		{"row['status'] not in ['failed']", true},
		{"'a' in row['tags']", true},
		{"'z' in row['tags']", false},
		{"'world' in row['text']", true},
		{"'mars' in row['text']", false},
		{"'status' in row", true},
		{"'missing' not in row", true},
		{"5 in {1, 5, 9}", true},
		{"1 in [1.0, 2.0]", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src, row))
		})
	}

	evalFails(t, "5 in 'hello'", row)
	evalFails(t, "'x' in 42", row)
}

func TestEvalIdentity(t *testing.T) {
	row := map[string]any{"flag": true, "n": int64(5), "none": nil}

	assert.Equal(t, true, mustEval(t, "row.get('missing') is None", row))
	assert.Equal(t, true, mustEval(t, "row['none'] is None", row))
	assert.Equal(t, false, mustEval(t, "row['n'] is None", row))
	assert.Equal(t, true, mustEval(t, "row['n'] is not None", row))
	assert.Equal(t, true, mustEval(t, "row['flag'] is True", row))
	assert.Equal(t, false, mustEval(t, "row['flag'] is False", row))
	assert.Equal(t, false, mustEval(t, "row['n'] is True", row))

	assert.Contains(t, evalFails(t, "row['n'] is 5", row).Error(), "only supported against None")
}

func TestEvalTernary(t *testing.T) {
	row := map[string]any{"score": 0.95}
	assert.Equal(t, "high", mustEval(t, "'high' if row['score'] > 0.9 else 'low'", row))

	row["score"] = 0.2
	assert.Equal(t, "low", mustEval(t, "'high' if row['score'] > 0.9 else 'low'", row))

	// Only the taken branch is evaluated.
	assert.Equal(t, "low", mustEval(t, "row['missing'] if row['score'] > 0.9 else 'low'", row))
}

func TestEvalSubscript(t *testing.T) {
	row := map[string]any{
		"items": []any{"first", "second", "third"},
		"name":  "héllo",
		"meta":  map[string]any{"env": "prod"},
	}

	assert.Equal(t, "first", mustEval(t, "row['items'][0]", row))
	assert.Equal(t, "third", mustEval(t, "row['items'][-1]", row))
	assert.Equal(t, "prod", mustEval(t, "row['meta']['env']", row))
	assert.Equal(t, "h", mustEval(t, "row['name'][0]", row))
	assert.Equal(t, "é", mustEval(t, "row['name'][1]", row))
	assert.Equal(t, "o", mustEval(t, "row['name'][-1]", row))

	assert.Contains(t, evalFails(t, "row['absent']", row).Error(), `key "absent" not found`)
	assert.Contains(t, evalFails(t, "row['items'][9]", row).Error(), "out of range")
	evalFails(t, "row['items']['x']", row)
	evalFails(t, "row[0]", row)
	evalFails(t, "row['meta'][0]", row)
}

func TestEvalRowGet(t *testing.T) {
	row := map[string]any{"present": "yes"}

	assert.Equal(t, "yes", mustEval(t, "row.get('present')", row))
	assert.Nil(t, mustEval(t, "row.get('absent')", row))
	assert.Equal(t, "fallback", mustEval(t, "row.get('absent', 'fallback')", row))
	assert.Equal(t, "yes", mustEval(t, "row.get('present', 'fallback')", row))
}

func TestEvalBuiltins(t *testing.T) {
	row := map[string]any{
		"items": []any{1, 2, 3},
		"name":  "héllo",
		"meta":  map[string]any{"a": 1, "b": 2},
	}
	tests := []struct {
		src  string
		want any
	}{
		{"len(row['name'])", int64(5)},
		{"len(row['items'])", int64(3)},
		{"len(row['meta'])", int64(2)},
		{"len('')", int64(0)},
		{"str(42)", "42"},
		{"str(1.0)", "1.0"},
		{"str(2.5)", "2.5"},
		{"str(True)", "True"},
		{"str(None)", "None"},
		{"str('as is')", "as is"},
		{"int('42')", int64(42)},
		{"int(' 7 ')", int64(7)},
		{"int(3.9)", int64(3)},
		{"int(-3.9)", int64(-3)},
		{"int(True)", int64(1)},
		{"float('2.5')", 2.5},
		{"float(3)", 3.0},
		{"bool(1)", true},
		{"bool(0)", false},
		{"bool('')", false},
		{"bool('x')", true},
		{"bool([])", false},
		{"bool(None)", false},
		{"abs(-5)", int64(5)},
		{"abs(5)", int64(5)},
		{"abs(-2.5)", 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src, row))
		})
	}

	evalFails(t, "len(42)", row)
	evalFails(t, "int('4.5')", row)
	evalFails(t, "int(None)", row)
	evalFails(t, "float('nope')", row)
	evalFails(t, "abs('x')", row)
}

func TestEvalBool(t *testing.T) {
	row := map[string]any{
		"empty_list": []any{},
		"full_list":  []any{1},
		"empty_str":  "",
		"zero":       0.0,
		"none":       nil,
		"n":          int64(3),
	}
	tests := []struct {
		src  string
		want bool
	}{
		{"row['empty_list']", false},
		{"row['full_list']", true},
		{"row['empty_str']", false},
		{"row['zero']", false},
		{"row['none']", false},
		{"row['n']", true},
		{"row['n'] > 2", true},
		{"{}", false},
		{"{'a': 1}", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := Parse(tt.src)
			require.NoError(t, err)
			got, err := e.EvalBool(row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalBoolPropagatesError(t *testing.T) {
	e, err := Parse("row['missing'] > 1")
	require.NoError(t, err)
	_, err = e.EvalBool(map[string]any{})
	require.Error(t, err)
	var evalErr *EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestEvalRowValueKinds(t *testing.T) {
	// Row values arrive with whatever numeric kinds the source produced.
	row := map[string]any{
		"as_int":     7,
		"as_int64":   int64(7),
		"as_float32": float32(7),
		"as_uint":    uint(7),
	}
	for _, src := range []string{
		"row['as_int'] == 7",
		"row['as_int64'] == 7",
		"row['as_float32'] == 7",
		"row['as_uint'] == 7",
		"row['as_int'] + 1 == 8",
	} {
		t.Run(src, func(t *testing.T) {
			assert.Equal(t, true, mustEval(t, src, row))
		})
	}
}

func TestEvalConcurrentUse(t *testing.T) {
	e, err := Parse("row['n'] * 2")
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int64) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				v, err := e.Eval(map[string]any{"n": n})
				assert.NoError(t, err)
				assert.Equal(t, n*2, v)
			}
		}(int64(i))
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
