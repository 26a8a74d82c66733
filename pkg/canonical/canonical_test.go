package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The cross-implementation contract: this exact value must always produce
// this exact digest. If this test breaks, stored hashes are invalidated.
func TestGoldenHash(t *testing.T) {
	value := map[string]any{
		"string": "hello",
		"int":    42,
		"float":  3.14,
		"bool":   true,
		"null":   nil,
		"list":   []any{1, 2, 3},
		"nested": map[string]any{"a": 1},
	}

	data, err := Marshal(value)
	require.NoError(t, err)

	want := `{"bool":true,"float":3.14,"int":42,"list":[1,2,3],"nested":{"a":1},"null":null,"string":"hello"}`
	assert.Equal(t, want, string(data))

	sum := sha256.Sum256(data)
	assert.Equal(t,
		"aed53055632a45e17618f46527c07dba463b2ae719e2f6832b2735308a3bf2e1",
		hex.EncodeToString(sum[:]))

	stable, err := StableHash(value)
	require.NoError(t, err)
	assert.Equal(t, "aed53055632a45e17618f46527c07dba", stable)
	assert.Len(t, stable, 32)
}

func TestMarshal(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": 2, "c": 3}, `{"a":2,"b":1,"c":3}`},
		{"nested sorting", map[string]any{"z": map[string]any{"y": 1, "x": 2}}, `{"z":{"x":2,"y":1}}`},
		{"empty map", map[string]any{}, `{}`},
		{"empty list", []any{}, `[]`},
		{"null", nil, `null`},
		{"bool false", false, `false`},
		{"integral float keeps fraction", 2.0, `2.0`},
		{"negative zero float", math.Copysign(0, -1), `-0.0`},
		{"small int", 7, `7`},
		{"negative int", -12, `-12`},
		{"int at safe boundary", int64(9007199254740991), `9007199254740991`},
		{"int beyond safe boundary", int64(9007199254740992), `"9007199254740992"`},
		{"negative int beyond boundary", int64(-9007199254740992), `"-9007199254740992"`},
		{"uint64 beyond boundary", uint64(18446744073709551615), `"18446744073709551615"`},
		{"no html escaping", "<a>&</a>", `"<a>&</a>"`},
		{"unicode preserved", "héllo", `"héllo"`},
		{"bytes wrapper", []byte("hi"), `{"__bytes__":"aGk="}`},
		{"typed string slice", []string{"b", "a"}, `["b","a"]`},
		{"typed int map", map[string]int{"b": 2, "a": 1}, `{"a":1,"b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestMarshalTime(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)

	tests := []struct {
		name  string
		value time.Time
		want  string
	}{
		{
			"utc no fraction",
			time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			`"2024-01-15T10:30:00+00:00"`,
		},
		{
			"non-utc converted",
			time.Date(2024, 1, 15, 5, 30, 0, 0, loc),
			`"2024-01-15T10:30:00+00:00"`,
		},
		{
			"microseconds kept",
			time.Date(2024, 1, 15, 10, 30, 0, 123456000, time.UTC),
			`"2024-01-15T10:30:00.123456+00:00"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Marshal(map[string]any{"x": v})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "non-finite")
	}
}

func TestMarshalUnsupportedType(t *testing.T) {
	type opaque struct{ X int }
	_, err := Marshal(opaque{X: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"fields": map[string]any{"zulu": 1, "alpha": 2, "mike": 3, "echo": 4},
		"list":   []any{map[string]any{"b": 1, "a": 2}},
	}
	first, err := Marshal(value)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(value)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestErrorHash(t *testing.T) {
	h := ErrorHash("late_arrival_after_merge")
	assert.Len(t, h, 16)
	assert.Equal(t, h, ErrorHash("late_arrival_after_merge"))
	assert.NotEqual(t, h, ErrorHash("some other failure"))
}

func TestReprHash(t *testing.T) {
	// Works on values Marshal rejects.
	h := ReprHash(map[string]any{"x": math.NaN()})
	assert.Len(t, h, 16)
}

func TestFullHashAndStablePrefix(t *testing.T) {
	v := map[string]any{"k": "v"}
	full, err := FullHash(v)
	require.NoError(t, err)
	stable, err := StableHash(v)
	require.NoError(t, err)
	assert.Len(t, full, 64)
	assert.True(t, strings.HasPrefix(full, stable))
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("artifact content"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashBytes([]byte("artifact content")))
}
