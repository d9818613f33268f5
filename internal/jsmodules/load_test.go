//go:build !v8

package jsmodules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/napi/internal/core"
	"github.com/cryguy/napi/internal/quickjs"
)

func TestLoad_DefinesGlobals(t *testing.T) {
	rt, err := quickjs.New(core.RuntimeConfig{})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, Load(rt))

	for _, expr := range []string{
		"typeof __napi.defer",
		"typeof setTimeout",
		"typeof clearInterval",
		"typeof asyncHooks.createHook",
	} {
		got, err := rt.EvalString(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, "function", got, expr)
	}
}

func TestLoad_DeferSettle(t *testing.T) {
	rt, err := quickjs.New(core.RuntimeConfig{})
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, Load(rt))

	require.NoError(t, rt.Eval(`
		globalThis.out = "pending";
		var d = __napi.defer();
		d.promise.then(function (v) { globalThis.out = "ok:" + v.n; });
		globalThis.did = d.id;
	`))
	ok, err := rt.EvalBool(`__napi.settle(did, null, '{"n":7}')`)
	require.NoError(t, err)
	assert.True(t, ok)
	rt.RunMicrotasks()

	out, err := rt.EvalString("out")
	require.NoError(t, err)
	assert.Equal(t, "ok:7", out)

	again, err := rt.EvalBool(`__napi.settle(did, null, null)`)
	require.NoError(t, err)
	assert.False(t, again, "settling twice must be rejected")
}
