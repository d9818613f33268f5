//go:build !v8

package napi

import (
	"github.com/cryguy/napi/internal/core"
	"github.com/cryguy/napi/internal/quickjs"
)

// Backend names the script engine compiled into this build.
const Backend = "quickjs"

func newRuntime(cfg core.RuntimeConfig) (core.JSRuntime, error) {
	return quickjs.New(cfg)
}
