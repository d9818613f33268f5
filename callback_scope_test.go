package napi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInCallbackScope_FromBackgroundWork(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 1)
	_, st := AddAsyncHooks(env, rec.hooks())
	require.Equal(t, StatusOK, st)

	var scopeStatus Status
	runEnv(t, env, func(env *Env) error {
		var w AsyncWork
		w, st := CreateAsyncWork(env, &AsyncResource{ID: 7}, "origin",
			func(*Env, any) {},
			func(env *Env, status Status, _ any) {
				scopeStatus = RunInCallbackScope(env, Value{}, 1000, func(env *Env) error {
					if InAsyncContext(env, 1000) {
						rec.note("inside:1000")
					}
					id, ok := ExecutionAsyncID(env)
					assert.True(t, ok)
					assert.Equal(t, AsyncID(1000), id)
					return nil
				})
				DeleteAsyncWork(env, w)
			},
			nil)
		require.Equal(t, StatusOK, st)
		return statusErr(QueueAsyncWork(env, w))
	})

	assert.Equal(t, StatusOK, scopeStatus)
	assert.Equal(t, []string{
		"init:7",
		"before:7",
		"before:1000",
		"inside:1000",
		"after:1000",
		"after:7",
		"destroy:7",
	}, rec.snapshot())
}

func TestRunInCallbackScope_ErrorAndPanicStillExit(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 1, WithAsyncHooks(rec.hooks()))

	st := RunInCallbackScope(env, Value{}, 3, func(*Env) error { return errors.New("body failed") })
	assert.Equal(t, StatusGenericFailure, st)
	info, _ := GetLastErrorInfo(env)
	assert.Contains(t, info.Message, "body failed")

	assert.PanicsWithValue(t, "body panicked", func() {
		RunInCallbackScope(env, Value{}, 4, func(*Env) error { panic("body panicked") })
	})

	assert.Equal(t, []string{"before:3", "after:3", "before:4", "after:4"}, rec.snapshot())
	assert.Equal(t, 0, CallbackScopeDepth(env))
	_, active := ExecutionAsyncID(env)
	assert.False(t, active)
}

func TestCompletePanicStillExitsScopes(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 1, WithAsyncHooks(rec.hooks()))

	recovered := runRecovering(t, env, func(env *Env) error {
		w, st := CreateAsyncWork(env, &AsyncResource{ID: 21}, "complete-panics",
			func(*Env, any) {},
			func(*Env, Status, any) { panic("complete failed") },
			nil)
		require.Equal(t, StatusOK, st)
		return statusErr(QueueAsyncWork(env, w))
	})

	assert.Equal(t, "complete failed", recovered)
	assert.Equal(t, []string{"init:21", "before:21", "after:21"}, rec.snapshot())
	depth, st := HandleScopeDepth(env)
	require.Equal(t, StatusOK, st)
	assert.Equal(t, 0, depth)
	assert.Equal(t, 0, CallbackScopeDepth(env))
}

func TestRunInCallbackScope_NestedSymmetry(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 1, WithAsyncHooks(rec.hooks()))

	st := RunInCallbackScope(env, Value{}, 1, func(env *Env) error {
		assert.Equal(t, 1, CallbackScopeDepth(env))
		for _, id := range []AsyncID{2, 3} {
			inner := RunInCallbackScope(env, Value{}, id, func(env *Env) error {
				assert.True(t, InAsyncContext(env, 1))
				assert.True(t, InAsyncContext(env, id))
				assert.Equal(t, 2, CallbackScopeDepth(env))
				return nil
			})
			assert.Equal(t, StatusOK, inner)
		}
		return nil
	})
	require.Equal(t, StatusOK, st)
	assertBalanced(t, rec.snapshot())
	assert.Equal(t, []string{
		"before:1", "before:2", "after:2", "before:3", "after:3", "after:1",
	}, rec.snapshot())
}

func TestCallbackScope_OpenClose(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 1, WithAsyncHooks(rec.hooks()))

	outer, st := OpenCallbackScope(env, AsyncResource{ID: 10})
	require.Equal(t, StatusOK, st)
	inner, st := OpenCallbackScope(env, AsyncResource{ID: 11})
	require.Equal(t, StatusOK, st)

	assert.Equal(t, StatusCallbackScopeMismatch, CloseCallbackScope(env, outer))
	assert.Equal(t, StatusOK, CloseCallbackScope(env, inner))
	assert.Equal(t, StatusOK, CloseCallbackScope(env, outer))
	assert.Equal(t, StatusCallbackScopeMismatch, CloseCallbackScope(env, outer), "already closed")
	assert.Equal(t, StatusCallbackScopeMismatch, CloseCallbackScope(env, CallbackScope{}))

	assert.Equal(t, []string{"before:10", "before:11", "after:11", "after:10"}, rec.snapshot())
}

func TestCallbackScope_MaxDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 1
	cfg.MaxCallbackScopeDepth = 2
	env, err := NewEnv(cfg)
	require.NoError(t, err)
	defer env.Close()

	var innermost Status
	RunInCallbackScope(env, Value{}, 1, func(env *Env) error {
		RunInCallbackScope(env, Value{}, 2, func(env *Env) error {
			innermost = RunInCallbackScope(env, Value{}, 3, func(*Env) error { return nil })
			return nil
		})
		return nil
	})
	assert.Equal(t, StatusGenericFailure, innermost)
	assert.Equal(t, 0, CallbackScopeDepth(env))
}

func TestAsyncHooks_AddRemove(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 1)

	id, st := AddAsyncHooks(env, rec.hooks())
	require.Equal(t, StatusOK, st)
	RunInCallbackScope(env, Value{}, 1, func(*Env) error { return nil })

	assert.Equal(t, StatusOK, RemoveAsyncHooks(env, id))
	assert.Equal(t, StatusInvalidArg, RemoveAsyncHooks(env, id))
	RunInCallbackScope(env, Value{}, 2, func(*Env) error { return nil })

	assert.Equal(t, []string{"before:1", "after:1"}, rec.snapshot())
}

func TestAsyncHooks_TornDownWithEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 1
	env, err := NewEnv(cfg)
	require.NoError(t, err)
	require.NoError(t, env.Close())

	_, st := AddAsyncHooks(env, AsyncHooks{})
	assert.Equal(t, StatusInvalidArg, st)
	assert.Equal(t, StatusInvalidArg, RunInCallbackScope(env, Value{}, 1, func(*Env) error { return nil }))
}

func TestHookSymmetry_ManyWorks(t *testing.T) {
	rec := &hookRecorder{}
	env := newTestEnv(t, 4, WithAsyncHooks(AsyncHooks{Before: rec.hooks().Before, After: rec.hooks().After}))

	runEnv(t, env, func(env *Env) error {
		for i := 1; i <= 50; i++ {
			var w AsyncWork
			id := AsyncID(i)
			w, st := CreateAsyncWork(env, &AsyncResource{ID: id}, "symmetry",
				func(*Env, any) {},
				func(env *Env, _ Status, _ any) {
					RunInCallbackScope(env, Value{}, id+1000, func(*Env) error { return nil })
					DeleteAsyncWork(env, w)
				},
				nil)
			require.Equal(t, StatusOK, st)
			require.Equal(t, StatusOK, QueueAsyncWork(env, w))
		}
		return nil
	})

	events := rec.snapshot()
	assert.Len(t, events, 50*4)
	assertBalanced(t, events)
}

// assertBalanced checks that before/after events nest like parentheses and
// carry the same id on both sides.
func assertBalanced(t *testing.T, events []string) {
	t.Helper()
	var stack []string
	for _, ev := range events {
		var kind, id string
		for i := 0; i < len(ev); i++ {
			if ev[i] == ':' {
				kind, id = ev[:i], ev[i+1:]
				break
			}
		}
		switch kind {
		case "before":
			stack = append(stack, id)
		case "after":
			require.NotEmpty(t, stack, "after without before: %s", ev)
			require.Equal(t, stack[len(stack)-1], id, "after for %s while %s is innermost", id, stack[len(stack)-1])
			stack = stack[:len(stack)-1]
		}
	}
	assert.Empty(t, stack, "unterminated scopes")
}
