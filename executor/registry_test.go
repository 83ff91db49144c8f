package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkedExecutor struct {
	healthy bool
}

func (c *checkedExecutor) Execute(_ context.Context, _ ExecutionContext) (Result, error) {
	return OK(nil), nil
}

func (c *checkedExecutor) HealthCheck(_ context.Context) error {
	if !c.healthy {
		return errors.New("unreachable")
	}
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("http", Func(func(_ context.Context, _ ExecutionContext) (Result, error) {
		return OK("a"), nil
	}))

	ex, ok := r.Get("http")
	require.True(t, ok)
	res, err := ex.Execute(context.Background(), ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Data)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestDuplicateRegistrationLastWins(t *testing.T) {
	r := NewRegistry()
	r.Register("email", Func(func(_ context.Context, _ ExecutionContext) (Result, error) {
		return OK("first"), nil
	}))
	r.Register("email", Func(func(_ context.Context, _ ExecutionContext) (Result, error) {
		return OK("second"), nil
	}))

	ex, ok := r.Get("email")
	require.True(t, ok)
	res, err := ex.Execute(context.Background(), ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Data)
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", Func(nil))
	r.Register("alpha", Func(nil))
	r.Register("mid", Func(nil))
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestHealthCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("good", &checkedExecutor{healthy: true})
	r.Register("bad", &checkedExecutor{healthy: false})
	r.Register("unchecked", Func(nil))

	failures := r.HealthCheck(context.Background())
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "bad")
}

func TestResultHelpers(t *testing.T) {
	ok := OK(map[string]any{"x": 1})
	assert.True(t, ok.Success)
	fail := Fail("boom")
	assert.False(t, fail.Success)
	assert.Equal(t, "boom", fail.Error)
}
