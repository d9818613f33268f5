package brotli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/napi"
)

func TestCompressRoundTrip(t *testing.T) {
	input := bytes.Repeat([]byte("async work "), 1000)
	for _, q := range []int{-1, 0, 5, 11, 99} {
		out, err := Compress(input, q)
		require.NoError(t, err)
		assert.Less(t, len(out), len(input))

		back, err := Decompress(out, len(input))
		require.NoError(t, err)
		assert.Equal(t, input, back)
	}
}

func TestDecompress_Limit(t *testing.T) {
	out, err := Compress(bytes.Repeat([]byte{'x'}, 4096), 5)
	require.NoError(t, err)
	_, err = Decompress(out, 1024)
	assert.ErrorContains(t, err, "maximum allowed size")
}

func TestDecompress_Garbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not brotli"), 1024)
	assert.Error(t, err)
}

func TestSetup_FromScript(t *testing.T) {
	cfg := napi.DefaultConfig()
	cfg.PoolSize = 2
	env, err := napi.NewEnv(cfg)
	require.NoError(t, err)
	defer env.Close()
	require.NoError(t, Setup(env, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = env.Run(ctx, func(env *napi.Env) error {
		_, st := napi.RunScript(env, `
			globalThis.out = {};
			var text = new Array(200).join("hello brotli ");
			brotli.compress(text, 9)
				.then(function (b64) { out.compressed = b64.length < text.length; return brotli.decompress(b64); })
				.then(function (back) { out.same = back === text; return brotli.decompress("!!!"); })
				.catch(function (e) { out.error = e.message; });
		`)
		if st != napi.StatusOK {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)

	rt := env.Runtime()
	for _, expr := range []string{"out.compressed", "out.same"} {
		ok, err := rt.EvalBool(expr)
		require.NoError(t, err)
		assert.True(t, ok, expr)
	}
	msg, err := rt.EvalString("out.error")
	require.NoError(t, err)
	assert.Contains(t, msg, "invalid base64")
}
