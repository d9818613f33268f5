package jsmodules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames_LoadOrder(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	assert.Equal(t, "napi", names[0])

	names[0] = "mutated"
	assert.Equal(t, "napi", Names()[0], "Names must return a copy")
}

func TestSource_Minified(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			raw, err := sources.ReadFile("js/" + name + ".js")
			require.NoError(t, err)

			src, err := Source(name)
			require.NoError(t, err)
			assert.NotEmpty(t, src)
			assert.Less(t, len(src), len(raw))
			assert.NotContains(t, src, "// ")

			again, err := Source(name)
			require.NoError(t, err)
			assert.Equal(t, src, again)
		})
	}
}

func TestSource_Unknown(t *testing.T) {
	_, err := Source("nope")
	assert.Error(t, err)
}

func TestBundle_NoImportsReturnedAsIs(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "main.js")
	src := "globalThis.answer = 42;\n"
	require.NoError(t, os.WriteFile(entry, []byte(src), 0o644))

	out, err := Bundle(entry)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestBundle_ResolvesImports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.js"),
		[]byte("export function double(x) { return x * 2; }\n"), 0o644))
	entry := filepath.Join(dir, "main.js")
	require.NoError(t, os.WriteFile(entry,
		[]byte("import { double } from './lib.js';\nglobalThis.answer = double(21);\n"), 0o644))

	out, err := Bundle(entry)
	require.NoError(t, err)
	assert.NotContains(t, out, "import ")
	assert.True(t, strings.Contains(out, "x * 2") || strings.Contains(out, "x*2"))
}

func TestBundle_MissingImport(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "main.js")
	require.NoError(t, os.WriteFile(entry, []byte("import { x } from './missing.js';\n"), 0o644))

	_, err := Bundle(entry)
	assert.Error(t, err)
}

func TestBundle_MissingEntry(t *testing.T) {
	_, err := Bundle(filepath.Join(t.TempDir(), "absent.js"))
	assert.Error(t, err)
}
