// Package wasm lets scripts call exports of a WebAssembly module. The
// module is compiled once at setup; calls run on the worker pool, one at a
// time, since a module instance is not safe for concurrent use.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cryguy/napi"
)

// Module is an instantiated WebAssembly module.
type Module struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	mod     api.Module
}

// Load compiles and instantiates wasmBytes. memoryLimitPages <= 0 keeps
// the wazero default.
func Load(ctx context.Context, wasmBytes []byte, memoryLimitPages uint32) (*Module, error) {
	cfg := wazero.NewRuntimeConfig()
	if memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm: compile failed: %w", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate failed: %w", err)
	}
	return &Module{runtime: rt, mod: mod}, nil
}

// Exports lists the exported function names.
func (m *Module) Exports() []string {
	defs := m.mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	return names
}

// Call invokes export with args converted to the function's parameter
// types and returns the results as float64.
func (m *Module) Call(ctx context.Context, export string, args []float64) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.mod.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("wasm: no exported function %q", export)
	}
	def := fn.Definition()
	params := def.ParamTypes()
	if len(args) != len(params) {
		return nil, fmt.Errorf("wasm: %s expects %d arguments, got %d", export, len(params), len(args))
	}
	stack := make([]uint64, len(args))
	for i, a := range args {
		stack[i] = encode(params[i], a)
	}
	raw, err := fn.Call(ctx, stack...)
	if err != nil {
		return nil, fmt.Errorf("wasm: calling %s: %w", export, err)
	}
	results := def.ResultTypes()
	out := make([]float64, len(raw))
	for i, r := range raw {
		out[i] = decode(results[i], r)
	}
	return out, nil
}

// Close releases the module and its runtime.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

func encode(t api.ValueType, v float64) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v))
	case api.ValueTypeI64:
		return api.EncodeI64(int64(v))
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v))
	case api.ValueTypeF64:
		return api.EncodeF64(v)
	default:
		return uint64(int64(v))
	}
}

func decode(t api.ValueType, v uint64) float64 {
	switch t {
	case api.ValueTypeI32:
		return float64(int32(uint32(v)))
	case api.ValueTypeI64:
		return float64(int64(v))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	default:
		return float64(v)
	}
}

const wasmJS = `
(function() {
	globalThis.wasm = {
		call: function(name) {
			var args = Array.prototype.slice.call(arguments, 1).map(Number);
			var d = __napi.defer();
			try {
				__wasm_call(d.id, String(name), JSON.stringify(args));
			} catch (e) {
				__napi.settle(d.id, String(e && e.message || e), null);
			}
			return d.promise;
		},
	};
})();
`

// Setup installs the wasm global backed by m. Engine thread only.
func Setup(env *napi.Env, m *Module) error {
	rt := env.Runtime()
	if err := rt.RegisterFunc("__wasm_call", func(id int, name, argsJSON string) error {
		var args []float64
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Errorf("wasm: decoding arguments: %w", err)
		}
		for _, a := range args {
			if math.IsNaN(a) {
				return fmt.Errorf("wasm: arguments must be numbers")
			}
		}
		st := napi.QueuePromiseWork(env, "wasm.call", id, func() (any, error) {
			return m.Call(context.Background(), name, args)
		})
		if st != napi.StatusOK {
			info, _ := napi.GetLastErrorInfo(env)
			return fmt.Errorf("wasm.call: %s %s", st, info.Message)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("registering __wasm_call: %w", err)
	}
	return rt.Eval(wasmJS)
}
