// Package jsmodules holds the JavaScript half of the built-in modules. The
// sources are embedded at build time and minified with esbuild once per
// process before they are evaluated in a runtime.
package jsmodules

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/napi/internal/core"
)

//go:embed js/*.js
var sources embed.FS

// loadOrder lists the modules in evaluation order. napi.js comes first
// because the others may settle promises through it.
var loadOrder = []string{"napi", "timers", "async_hooks"}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]string)
)

// Names returns the built-in module names in load order.
func Names() []string {
	return append([]string(nil), loadOrder...)
}

// Source returns the minified source of a built-in module.
func Source(name string) (string, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if src, ok := cache[name]; ok {
		return src, nil
	}

	raw, err := sources.ReadFile("js/" + name + ".js")
	if err != nil {
		return "", fmt.Errorf("jsmodules: unknown module %q", name)
	}
	result := esbuild.Transform(string(raw), esbuild.TransformOptions{
		Loader:           esbuild.LoaderJS,
		Target:           esbuild.ES2020,
		MinifyWhitespace: true,
		MinifySyntax:     true,
		LegalComments:    esbuild.LegalCommentsNone,
		Sourcefile:       name + ".js",
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("jsmodules: transforming %s: %s", name, joinMessages(result.Errors))
	}
	src := string(result.Code)
	cache[name] = src
	return src, nil
}

// Load evaluates every built-in module in rt. The Go functions the modules
// call (__timerRegister, __asyncHooksAdd, ...) must be registered first.
func Load(rt core.JSRuntime) error {
	for _, name := range loadOrder {
		src, err := Source(name)
		if err != nil {
			return err
		}
		if err := rt.Eval(src); err != nil {
			return fmt.Errorf("jsmodules: evaluating %s: %w", name, err)
		}
	}
	return nil
}

// Bundle bundles the script at entry with its imports into one
// self-contained script. Scripts without imports are returned as-is.
func Bundle(entry string) (string, error) {
	source, err := os.ReadFile(entry)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", entry, err)
	}
	if !needsBundling(string(source)) {
		return string(source), nil
	}

	abs, err := filepath.Abs(entry)
	if err != nil {
		return "", err
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2020,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("bundling %s: %s", entry, joinMessages(result.Errors))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", entry)
	}
	return string(result.OutputFiles[0].Contents), nil
}

// needsBundling checks if a script contains import statements.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "require(")
}

func joinMessages(msgs []esbuild.Message) string {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	return strings.Join(texts, "; ")
}
