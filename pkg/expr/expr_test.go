package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllowedConstructs(t *testing.T) {
	exprs := []string{
		"True",
		"None",
		"42",
		"-3.14",
		"'hello'",
		`"double"`,
		"row['status']",
		"row.get('status')",
		"row.get('status', 'unknown')",
		"row['a'] + row['b']",
		"row['n'] * 2 - 1",
		"row['n'] / 4",
		"row['n'] // 4",
		"row['n'] % 4",
		"row['score'] > 0.5",
		"0 <= row['score'] <= 1",
		"row['a'] == 1 and row['b'] != 2",
		"row['a'] or row['b'] or row['c']",
		"not row['deleted']",
		"row['status'] in ['active', 'pending']",
		"row['status'] not in ('failed', 'error')",
		"'substr' in row['text']",
		"'key' in row",
		"row.get('x') is None",
		"row.get('x') is not None",
		"row['flag'] is True",
		"'high' if row['score'] > 0.9 else 'low'",
		"len(row['items']) > 3",
		"str(row['id'])",
		"int(row['count']) + 1",
		"float(row['raw']) < 2.5",
		"bool(row.get('enabled'))",
		"abs(row['delta']) < 0.01",
		"[1, 2, 3]",
		"(1, 2)",
		"{'a': 1, 'b': 2}",
		"{1, 2, 3}",
		"{}",
		"[]",
		"row['n'] in {1, 2, 3}",
	}
	for _, src := range exprs {
		t.Run(src, func(t *testing.T) {
			e, err := Parse(src)
			require.NoError(t, err)
			assert.Equal(t, src, e.Source())
		})
	}
}

func TestParseForbiddenConstructs(t *testing.T) {
	exprs := []struct {
		name string
		src  string
	}{
		{"lambda", "lambda x: x"},
		{"comprehension", "[x for x in row['items']]"},
		{"generator", "(x for x in row['items'])"},
		{"import keyword", "import os"},
		{"dunder call", "__import__('os')"},
		{"open call", "open('/etc/passwd')"},
		{"getattr call", "getattr(row, 'get')"},
		{"exec call", "exec('pass')"},
		{"bare attribute", "row.keys"},
		{"method other than get", "row.keys()"},
		{"pop call", "row.pop('x')"},
		{"chained attribute", "row.get('x').upper()"},
		{"unknown name", "os"},
		{"other variable", "data['x']"},
		{"power operator", "2 ** 10"},
		{"dict spread", "{**row}"},
		{"walrus", "(x := 5)"},
		{"fstring", "f'{row}'"},
		{"assignment", "row['x'] = 5"},
		{"slice", "row['items'][1:3]"},
		{"yield", "yield row"},
		{"await", "await row"},
		{"def", "def f(): pass"},
		{"class", "class X: pass"},
		{"while", "while True: pass"},
		{"with", "with open('f'): pass"},
	}
	for _, tt := range exprs {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			var secErr *SecurityError
			require.ErrorAs(t, err, &secErr, "expected SecurityError, got %v", err)
			assert.Contains(t, secErr.Error(), "forbidden")
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	exprs := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"dangling operator", "1 +"},
		{"unterminated string", "'abc"},
		{"unbalanced paren", "(1 + 2"},
		{"unbalanced bracket", "[1, 2"},
		{"dangling comparison", "row['a'] =="},
		{"bare not", "not"},
		{"double comma", "[1,, 2]"},
		{"not without in", "row['a'] not row['b']"},
		{"ternary missing else", "1 if row['a']"},
		{"trailing garbage", "1 + 2 3"},
		{"stray bang", "!row['a']"},
		{"row get no args", "row.get()"},
		{"row get three args", "row.get('a', 'b', 'c')"},
		{"len two args", "len(row, 2)"},
	}
	for _, tt := range exprs {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			var synErr *SyntaxError
			require.ErrorAs(t, err, &synErr, "expected SyntaxError, got %v", err)
		})
	}
}

func TestSyntaxErrorReportsOffset(t *testing.T) {
	_, err := Parse("row['a'] @ 2")
	require.Error(t, err)
	var synErr *SyntaxError
	require.ErrorAs(t, err, &synErr)
	assert.Equal(t, 9, synErr.Pos)
	assert.Contains(t, synErr.Error(), "offset 9")
}

func TestIsBoolean(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"row['a'] == 1", true},
		{"row['a'] > 1 and row['b'] < 2", true},
		{"not row['deleted']", true},
		{"True", true},
		{"False", true},
		{"0 <= row['n'] <= 10", true},
		{"row['s'] in ['a', 'b']", true},
		{"row.get('x') is None", true},
		{"True if row['n'] > 0 else False", true},
		{"row['a'] == 1 or not row['b']", true},

		{"row['a']", false},
		{"1 + 2", false},
		{"row.get('status')", false},
		{"len(row['items'])", false},
		{"None", false},
		{"'yes'", false},
		{"row['a'] and row['b']", false},
		{"1 if row['n'] > 0 else 0", false},
		{"bool(row['a'])", false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.IsBoolean())
		})
	}
}

func TestParseNames(t *testing.T) {
	e, err := ParseNames("batch_count >= 100 or batch_age_seconds > 30.0", "batch_count", "batch_age_seconds")
	require.NoError(t, err)
	assert.True(t, e.IsBoolean())

	got, err := e.EvalBoolScope(map[string]any{"batch_count": int64(150), "batch_age_seconds": 2.0})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.EvalBoolScope(map[string]any{"batch_count": int64(3), "batch_age_seconds": 2.0})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestParseNamesRejectsOutOfScopeIdentifier(t *testing.T) {
	_, err := ParseNames("row['x'] > 1", "batch_count", "batch_age_seconds")
	require.Error(t, err)
	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Contains(t, secErr.Error(), "batch_age_seconds, batch_count")
}

func TestEvalScopeMissingName(t *testing.T) {
	e, err := ParseNames("batch_count > 1", "batch_count")
	require.NoError(t, err)
	_, err = e.EvalScope(map[string]any{})
	require.Error(t, err)
	var evalErr *EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestExpressionString(t *testing.T) {
	e, err := Parse("row['a'] > 1")
	require.NoError(t, err)
	assert.Equal(t, `expr.Expression("row['a'] > 1")`, e.String())
}
