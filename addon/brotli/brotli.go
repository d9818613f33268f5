// Package brotli exposes brotli compression to scripts. Compression runs
// on the worker pool so large inputs do not stall the engine thread.
package brotli

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/cryguy/napi"
)

// DefaultMaxOutput bounds decompressed output (128 MB).
const DefaultMaxOutput = 128 * 1024 * 1024

// Compress compresses data at the given quality (0-11; out of range values
// use the default).
func Compress(data []byte, quality int) ([]byte, error) {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		quality = brotli.DefaultCompression
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, quality)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses data, failing when the output exceeds maxOutput
// bytes.
func Decompress(data []byte, maxOutput int) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(r, int64(maxOutput)+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) > maxOutput {
		return nil, fmt.Errorf("decompress: output exceeds maximum allowed size")
	}
	return out, nil
}

const brotliJS = `
(function() {
	function call(fn, a, b) {
		var d = __napi.defer();
		try {
			fn(d.id, a, b);
		} catch (e) {
			__napi.settle(d.id, String(e && e.message || e), null);
		}
		return d.promise;
	}
	globalThis.brotli = {
		compress: function(text, quality) {
			return call(__brotli_compress, String(text), quality === undefined ? -1 : Number(quality));
		},
		decompress: function(b64) {
			return call(__brotli_decompress, String(b64), 0);
		},
	};
})();
`

// Setup installs the brotli global. maxOutput <= 0 uses DefaultMaxOutput.
// Engine thread only.
func Setup(env *napi.Env, maxOutput int) error {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	rt := env.Runtime()
	if err := rt.RegisterFunc("__brotli_compress", func(id int, text string, quality int) error {
		return queue(env, "brotli.compress", id, func() (any, error) {
			out, err := Compress([]byte(text), quality)
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.EncodeToString(out), nil
		})
	}); err != nil {
		return fmt.Errorf("registering __brotli_compress: %w", err)
	}
	if err := rt.RegisterFunc("__brotli_decompress", func(id int, b64 string, _ int) error {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decompress: invalid base64")
		}
		return queue(env, "brotli.decompress", id, func() (any, error) {
			out, err := Decompress(data, maxOutput)
			if err != nil {
				return nil, err
			}
			return string(out), nil
		})
	}); err != nil {
		return fmt.Errorf("registering __brotli_decompress: %w", err)
	}
	return rt.Eval(brotliJS)
}

func queue(env *napi.Env, name string, id int, work napi.PromiseWork) error {
	if st := napi.QueuePromiseWork(env, name, id, work); st != napi.StatusOK {
		info, _ := napi.GetLastErrorInfo(env)
		return fmt.Errorf("%s: %s %s", name, st, info.Message)
	}
	return nil
}
