package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/handler"
)

func TestRegister(t *testing.T) {
	src := handler.NewManagedSource()
	require.NoError(t, Register(src))
	assert.Equal(t, []string{"echo", "fail", "runtime", "sleep"}, src.Names())
}

func TestEcho(t *testing.T) {
	out, err := Echo(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, out)

	out, err = Echo(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = Echo(context.Background(), json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestSleepHonoursCancel(t *testing.T) {
	out, err := Sleep(context.Background(), json.RawMessage(`{"for":"5ms"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"slept": "5ms"}, out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = Sleep(ctx, json.RawMessage(`{"for":"1m"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	_, err = Sleep(context.Background(), json.RawMessage(`{"for":"soon"}`))
	assert.Error(t, err)
}

func TestFail(t *testing.T) {
	_, err := Fail(context.Background(), json.RawMessage(`{"message":"boom"}`))
	assert.EqualError(t, err, "boom")
	_, err = Fail(context.Background(), nil)
	assert.EqualError(t, err, "requested failure")
}

func TestRuntime(t *testing.T) {
	out, err := Runtime(context.Background(), nil)
	require.NoError(t, err)
	st := out.(RuntimeStats)
	assert.Positive(t, st.Goroutines)
	assert.NotEmpty(t, st.GoVersion)
}
