//go:build v8

package napi

import (
	"github.com/cryguy/napi/internal/core"
	"github.com/cryguy/napi/internal/v8engine"
)

// Backend names the script engine compiled into this build.
const Backend = "v8"

func newRuntime(cfg core.RuntimeConfig) (core.JSRuntime, error) {
	return v8engine.New(cfg)
}
