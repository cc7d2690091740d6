package listeners

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatchOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var calls []string
	r.Add(Wildcard, func(f Frame) error { calls = append(calls, "any:"+f.Name); return nil })
	r.Add("chunk", func(Frame) error { calls = append(calls, "first"); return nil })
	r.Add("chunk", func(Frame) error { calls = append(calls, "second"); return nil })
	r.Add("other", func(Frame) error { calls = append(calls, "other"); return nil })

	r.Dispatch(Frame{Name: "chunk", Payload: []byte(`{}`)})

	assert.Equal(t, []string{"first", "second", "any:chunk"}, calls)
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	type failure struct {
		handle Handle
		err    error
	}
	var failures []failure
	r.SetErrorReporter(func(_ Frame, h Handle, err error) {
		failures = append(failures, failure{h, err})
	})

	boom := errors.New("boom")
	hErr := r.Add("chunk", func(Frame) error { return boom })
	hPanic := r.Add("chunk", func(Frame) error { panic("kaboom") })
	reached := false
	r.Add("chunk", func(Frame) error { reached = true; return nil })

	require.NotPanics(t, func() { r.Dispatch(Frame{Name: "chunk"}) })

	assert.True(t, reached)
	require.Len(t, failures, 2)
	assert.Equal(t, hErr, failures[0].handle)
	assert.ErrorIs(t, failures[0].err, boom)
	assert.Equal(t, hPanic, failures[1].handle)
	assert.ErrorIs(t, failures[1].err, ErrHandlerPanic)
}

func TestRemoveAndClear(t *testing.T) {
	r := NewRegistry(nil)
	count := 0
	h1 := r.Add("a", func(Frame) error { count++; return nil })
	h2 := r.Add("a", func(Frame) error { count += 10; return nil })
	r.Add("b", func(Frame) error { return nil })
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.Remove("a", h1))
	assert.False(t, r.Remove("a", h1))
	assert.False(t, r.Remove("b", h2))

	r.Dispatch(Frame{Name: "a"})
	assert.Equal(t, 10, count)

	r.Clear()
	assert.Equal(t, 0, r.Len())
	r.Dispatch(Frame{Name: "a"})
	assert.Equal(t, 10, count)
}

func TestRemoveDuringDispatch(t *testing.T) {
	r := NewRegistry(nil)
	var h Handle
	calls := 0
	h = r.Add("a", func(Frame) error {
		calls++
		r.Remove("a", h)
		return nil
	})
	r.Dispatch(Frame{Name: "a"})
	r.Dispatch(Frame{Name: "a"})
	assert.Equal(t, 1, calls)
}
