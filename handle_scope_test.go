package napi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleScope_Nesting(t *testing.T) {
	env := newTestEnv(t, 1)
	runEnv(t, env, func(env *Env) error {
		base, st := HandleScopeDepth(env)
		require.Equal(t, StatusOK, st)
		assert.Equal(t, 1, base, "main runs inside a handle scope")

		s1, st := OpenHandleScope(env)
		require.Equal(t, StatusOK, st)
		s2, st := OpenHandleScope(env)
		require.Equal(t, StatusOK, st)
		s3, st := OpenHandleScope(env)
		require.Equal(t, StatusOK, st)

		assert.Equal(t, StatusHandleScopeMismatch, CloseHandleScope(env, s2))
		assert.Equal(t, StatusHandleScopeMismatch, CloseHandleScope(env, s1))

		for _, s := range []HandleScope{s3, s2, s1} {
			assert.Equal(t, StatusOK, CloseHandleScope(env, s))
		}
		depth, _ := HandleScopeDepth(env)
		assert.Equal(t, base, depth)

		assert.Equal(t, StatusInvalidArg, CloseHandleScope(env, s1), "closed scope handle is stale")
		assert.Equal(t, StatusInvalidArg, CloseHandleScope(env, HandleScope{}))
		return nil
	})
}

func TestHandleScope_ValuesDieOnClose(t *testing.T) {
	env := newTestEnv(t, 1)
	runEnv(t, env, func(env *Env) error {
		scope, st := OpenHandleScope(env)
		require.Equal(t, StatusOK, st)
		v, st := RunScript(env, "({answer: 42})")
		require.Equal(t, StatusOK, st)
		assert.True(t, v.Alive())
		assert.NotNil(t, v.Ref())

		require.Equal(t, StatusOK, CloseHandleScope(env, scope))
		assert.False(t, v.Alive())
		assert.Nil(t, v.Ref())
		return nil
	})
}

func TestHandleScope_Escape(t *testing.T) {
	env := newTestEnv(t, 1)
	runEnv(t, env, func(env *Env) error {
		outer, st := OpenHandleScope(env)
		require.Equal(t, StatusOK, st)

		inner, st := OpenEscapableHandleScope(env)
		require.Equal(t, StatusOK, st)
		kept, st := RunScript(env, "'kept'")
		require.Equal(t, StatusOK, st)
		dropped, st := RunScript(env, "'dropped'")
		require.Equal(t, StatusOK, st)

		escaped, st := EscapeHandleScope(env, inner, kept)
		require.Equal(t, StatusOK, st)
		_, st = EscapeHandleScope(env, inner, dropped)
		assert.Equal(t, StatusEscapeCalledTwice, st)

		require.Equal(t, StatusOK, CloseEscapableHandleScope(env, inner))
		assert.True(t, escaped.Alive())
		assert.False(t, dropped.Alive())

		require.Equal(t, StatusOK, CloseHandleScope(env, outer))
		assert.False(t, escaped.Alive())
		return nil
	})
}

func TestHandleScope_EscapeRequiresTop(t *testing.T) {
	env := newTestEnv(t, 1)
	runEnv(t, env, func(env *Env) error {
		esc, st := OpenEscapableHandleScope(env)
		require.Equal(t, StatusOK, st)
		v, st := RunScript(env, "1")
		require.Equal(t, StatusOK, st)

		inner, st := OpenHandleScope(env)
		require.Equal(t, StatusOK, st)
		_, st = EscapeHandleScope(env, esc, v)
		assert.Equal(t, StatusHandleScopeMismatch, st)

		require.Equal(t, StatusOK, CloseHandleScope(env, inner))
		require.Equal(t, StatusOK, CloseEscapableHandleScope(env, esc))
		return nil
	})
}

func TestRunScript(t *testing.T) {
	env := newTestEnv(t, 1)

	_, st := RunScript(env, "1")
	assert.Equal(t, StatusInvalidArg, st, "no open handle scope outside Run")

	runEnv(t, env, func(env *Env) error {
		_, st := RunScript(env, "throw new Error('bad script')")
		assert.Equal(t, StatusPendingException, st)
		info, _ := GetLastErrorInfo(env)
		assert.Contains(t, info.Message, "bad script")
		return nil
	})
}

func TestCompleteLeavingScopeOpenIsFatal(t *testing.T) {
	env := newTestEnv(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = env.Run(ctx, func(env *Env) error {
			w, st := CreateAsyncWork(env, nil, "leaky",
				func(*Env, any) {},
				func(env *Env, _ Status, _ any) { OpenHandleScope(env) },
				nil)
			require.Equal(t, StatusOK, st)
			return statusErr(QueueAsyncWork(env, w))
		})
	}()

	err, ok := recovered.(error)
	require.True(t, ok, "expected a fatal error panic, got %v", recovered)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "async work complete", fe.Location)
}
