package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	called := false
	require.NoError(t, Register("test", "hello", func(ctx context.Context, params map[string]interface{}) error {
		called = true
		return nil
	}))

	h, ok := Lookup("test", "hello")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), nil))
	assert.True(t, called)

	_, ok = Lookup("test", "missing")
	assert.False(t, ok)
}

func TestRegister_DuplicateAndNilRejected(t *testing.T) {
	require.NoError(t, Register("test", "dup", func(ctx context.Context, params map[string]interface{}) error {
		return nil
	}))
	assert.Error(t, Register("test", "dup", func(ctx context.Context, params map[string]interface{}) error {
		return nil
	}))
	assert.Error(t, Register("test", "nil", nil))
}

func TestNames_IncludesBuiltins(t *testing.T) {
	names := Names()
	assert.Contains(t, names, Key("builtin", "noop"))
	assert.Contains(t, names, Key("builtin", "sleep"))
}

func TestNoopHandler(t *testing.T) {
	h, ok := Lookup("builtin", "noop")
	require.True(t, ok)
	assert.NoError(t, h(context.Background(), nil))
}

func TestSleepHandler_Duration(t *testing.T) {
	h, ok := Lookup("builtin", "sleep")
	require.True(t, ok)

	start := time.Now()
	err := h(context.Background(), map[string]interface{}{"duration_s": 0.05})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Error(t, h(context.Background(), map[string]interface{}{"duration_s": "soon"}))
}

func TestSleepHandler_HonorsCancellation(t *testing.T) {
	h, ok := Lookup("builtin", "sleep")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h(ctx, map[string]interface{}{"duration_s": 30}) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("sleep handler did not honor cancellation")
	}
}
