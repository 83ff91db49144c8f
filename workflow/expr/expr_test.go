package expr

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	vars := map[string]any{
		"count":  float64(3),
		"name":   "alice",
		"ready":  true,
		"items":  []any{"a", "b", "c"},
		"nested": map[string]any{"depth": float64(2), "tag": "x"},
		"nodes": map[string]any{
			"n1": map[string]any{"output": map[string]any{"total": float64(42)}},
		},
	}

	cases := []struct {
		name string
		src  string
		want any
	}{
		{"number literal", "42", float64(42)},
		{"negative number", "-4", float64(-4)},
		{"string literal", `"hello"`, "hello"},
		{"bool literal", "true", true},
		{"variable", "count", float64(3)},
		{"dotted path", "nested.depth", float64(2)},
		{"deep path", "nodes.n1.output.total", float64(42)},
		{"arithmetic", "count * 2 + 1", float64(7)},
		{"precedence", "2 + 3 * 4", float64(14)},
		{"parens", "(2 + 3) * 4", float64(20)},
		{"modulo", "7 % 3", float64(1)},
		{"string concat", `name + "!"`, "alice!"},
		{"eq number", "count == 3", true},
		{"neq", "count != 4", true},
		{"lt", "count < 10", true},
		{"ge", "count >= 3", true},
		{"string compare", `name == "alice"`, true},
		{"string lt", `"abc" < "abd"`, true},
		{"and", "ready && count > 1", true},
		{"or", "count > 10 || ready", true},
		{"not", "!ready", false},
		{"int vs float eq", "nested.depth == 2", true},
		{"len string", "len(name)", float64(5)},
		{"len array", "len(items)", float64(3)},
		{"len map", "len(nested)", float64(2)},
		{"has present", "has(nested.tag)", true},
		{"has missing", "has(nested.missing)", false},
		{"has missing root", "has(bogus)", false},
		{"has in logic", `has(name) && name == "alice"`, true},
		{"complex", "count > 1 && (len(items) == 3 || ready)", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Eval(tc.src, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	vars := map[string]any{"n": float64(1), "s": "x"}

	cases := []struct {
		name string
		src  string
	}{
		{"undefined variable", "missing == 1"},
		{"undefined path", "n.deeper"},
		{"division by zero", "1 / 0"},
		{"modulo by zero", "1 % 0"},
		{"type mismatch", `s - 1`},
		{"len of number", "len(n)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Eval(tc.src, vars)
			assert.Error(t, err)
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"1 +",
		"(1",
		"1 ==",
		"len()",
		"len(a, b)",
		"unknown(a)",
		`"unterminated`,
		"1 2",
		"&& true",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestShortCircuit(t *testing.T) {
	// The right side references an undefined variable; short-circuit must
	// prevent it from ever being evaluated.
	vars := map[string]any{"ok": true}

	got, err := EvalBool("ok || missing == 1", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool("!ok && missing == 1", vars)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalBoolRejectsNonBool(t *testing.T) {
	_, err := EvalBool("1 + 1", map[string]any{})
	assert.Error(t, err)
}

func TestNoHostEscape(t *testing.T) {
	// Identifiers resolve only inside the variable map. Names that look like
	// host symbols are just undefined variables.
	for _, src := range []string{"os.Getenv", "len.cap", "__proto__"} {
		_, err := Eval(src, map[string]any{})
		assert.Error(t, err, src)
	}
}

func TestComparisonProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("a < b agrees with b > a", prop.ForAll(
		func(a, b int) bool {
			vars := map[string]any{"a": float64(a), "b": float64(b)}
			lt, err1 := EvalBool("a < b", vars)
			gt, err2 := EvalBool("b > a", vars)
			return err1 == nil && err2 == nil && lt == gt
		},
		gen.Int(), gen.Int(),
	))

	properties.Property("equality is reflexive", prop.ForAll(
		func(a int) bool {
			ok, err := EvalBool("a == a", map[string]any{"a": float64(a)})
			return err == nil && ok
		},
		gen.Int(),
	))

	properties.Property("addition matches Go", prop.ForAll(
		func(a, b int) bool {
			got, err := Eval("a + b", map[string]any{"a": float64(a), "b": float64(b)})
			return err == nil && got == float64(a)+float64(b)
		},
		gen.IntRange(-1_000_000, 1_000_000), gen.IntRange(-1_000_000, 1_000_000),
	))

	properties.TestingRun(t)
}
