package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifest(name string, engines ...string) string {
	s := "<component>\n<name>" + name + "</name>\n<exec>/bin/true</exec>\n" +
		"<service-name>" + name + "</service-name>\n<engines>\n"
	for _, e := range engines {
		s += "<engine><name>" + e + "</name><language>en</language></engine>\n"
	}
	return s + "</engines>\n</component>\n"
}

type fixture struct {
	system string
	user   string
	cache  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()
	f := fixture{
		system: filepath.Join(base, "system"),
		user:   filepath.Join(base, "user"),
		cache:  filepath.Join(base, "cache", "ibus", "registry.xml"),
	}
	require.NoError(t, os.MkdirAll(f.system, 0755))
	require.NoError(t, os.MkdirAll(f.user, 0755))
	return f
}

func (f fixture) options() Options {
	return Options{SystemDir: f.system, UserDir: f.user, CachePath: f.cache}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// bump moves a path's mtime forward so second-granularity checks see it.
func bump(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestFindEngineByName(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	r := New(f.options())
	r.Load()

	e, ok := r.FindEngineByName("acme-en")
	require.True(t, ok)
	assert.Equal(t, "acme", e.Component)

	c, ok := r.Component(e.Component)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.system, "acme.xml"), c.Filename)

	_, ok = r.FindEngineByName("missing")
	assert.False(t, ok)
}

func TestScanSkipsNonManifests(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))
	writeFile(t, filepath.Join(f.system, "README"), "not a manifest")
	writeFile(t, filepath.Join(f.system, "broken.xml"), "<component><name>")
	writeFile(t, filepath.Join(f.system, "wrong.xml"), "<engine/>")
	require.NoError(t, os.MkdirAll(filepath.Join(f.system, "dir.xml"), 0755))

	r := New(f.options())
	r.ScanFilesystem()

	require.Len(t, r.Components(), 1)
	assert.Equal(t, "acme", r.Components()[0].Name)
	assert.Len(t, r.Roots(), 2)
}

func TestMissingRootIsRecorded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.user))

	r := New(f.options())
	r.ScanFilesystem()

	roots := r.Roots()
	require.Len(t, roots, 2)
	assert.False(t, roots[1].Exists)
	assert.Zero(t, roots[1].Mtime)
}

func TestUserDirectoryOverridesSystem(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "sys.xml"), manifest("sys", "shared", "sys-only"))
	writeFile(t, filepath.Join(f.user, "usr.xml"), manifest("usr", "shared"))

	r := New(f.options())
	r.Load()

	e, ok := r.FindEngineByName("shared")
	require.True(t, ok)
	assert.Equal(t, "usr", e.Component)
	assert.Equal(t, []string{"shared"}, r.Overrides())

	var names []string
	for _, e := range r.Engines() {
		names = append(names, e.Component+"/"+e.Name)
	}
	assert.Equal(t, []string{"sys/sys-only", "usr/shared"}, names)
}

func TestCacheFreshAfterSave(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	first := New(f.options())
	first.Load()
	assert.False(t, first.LoadedFromCache())
	require.FileExists(t, f.cache)

	second := New(f.options())
	require.NoError(t, second.LoadCache())
	assert.False(t, second.CheckModification())

	third := New(f.options())
	third.Load()
	assert.True(t, third.LoadedFromCache())
	_, ok := third.FindEngineByName("acme-en")
	assert.True(t, ok)
}

func TestCacheHeader(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	r := New(f.options())
	r.Load()

	data, err := os.ReadFile(f.cache)
	require.NoError(t, err)
	assert.Contains(t, string(data), cacheHeader)
	assert.Contains(t, string(data), "<ibus-registry>")
	assert.Contains(t, string(data), fmt.Sprintf(`    <path mtime="%d" >%s</path>`, r.Roots()[0].Mtime, f.system))
}

func TestObservedPathChangeForcesRescan(t *testing.T) {
	f := newFixture(t)
	tables := filepath.Join(t.TempDir(), "tables")
	require.NoError(t, os.MkdirAll(tables, 0755))
	table := filepath.Join(tables, "main.tbl")
	writeFile(t, table, "v1")

	writeFile(t, filepath.Join(f.system, "acme.xml"),
		"<component><name>acme</name><engines><engine><name>acme-en</name></engine></engines>"+
			"<observed-paths><path>"+tables+"</path></observed-paths></component>")

	first := New(f.options())
	first.Load()
	require.Len(t, first.Components()[0].ObservedPaths, 2)

	bump(t, table)

	second := New(f.options())
	second.Load()
	assert.False(t, second.LoadedFromCache())
}

func TestManifestEditForcesRescan(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.system, "acme.xml")
	writeFile(t, path, manifest("acme", "acme-en"))

	first := New(f.options())
	first.Load()

	writeFile(t, path, manifest("acme", "acme-en", "acme-de"))
	bump(t, path)

	second := New(f.options())
	second.Load()
	assert.False(t, second.LoadedFromCache())
	_, ok := second.FindEngineByName("acme-de")
	assert.True(t, ok)
}

func TestStaleRootMtimeRebuildsLikeFreshScan(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	first := New(f.options())
	first.Load()

	writeFile(t, filepath.Join(f.user, "extra.xml"), manifest("extra", "extra-1"))
	bump(t, f.user)

	reloaded := New(f.options())
	reloaded.Load()
	assert.False(t, reloaded.LoadedFromCache())

	fresh := New(Options{SystemDir: f.system, UserDir: f.user})
	fresh.ScanFilesystem()

	assert.Equal(t, fresh.Components(), reloaded.Components())
	assert.Equal(t, fresh.Roots(), reloaded.Roots())
}

func TestCacheForDifferentRootsIsStale(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	first := New(f.options())
	first.Load()

	opts := f.options()
	opts.UserDir = filepath.Join(t.TempDir(), "elsewhere")
	r := New(opts)
	assert.ErrorIs(t, r.LoadCache(), ErrCacheStale)
	assert.Empty(t, r.Components())
}

func TestLoadWithoutCachePath(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	r := New(Options{SystemDir: f.system, UserDir: f.user})
	assert.ErrorIs(t, r.LoadCache(), ErrNoCache)
	r.Load()
	assert.Len(t, r.Components(), 1)
	assert.NoError(t, r.SaveCache())
}

func TestUnwritableCacheIsNotFatal(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, "")

	opts := f.options()
	opts.CachePath = filepath.Join(blocker, "registry.xml")
	r := New(opts)
	r.Load()

	_, ok := r.FindEngineByName("acme-en")
	assert.True(t, ok)
}

func TestComponentByServiceName(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))

	r := New(f.options())
	r.Load()

	c, ok := r.ComponentByServiceName("acme")
	require.True(t, ok)
	assert.Equal(t, "acme", c.Name)

	_, ok = r.ComponentByServiceName("")
	assert.False(t, ok)
}

func TestManifestPattern(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.system, "acme.xml"), manifest("acme", "acme-en"))
	writeFile(t, filepath.Join(f.system, "beta.component"), manifest("beta", "beta-1"))

	opts := f.options()
	opts.Pattern = "*.{xml,component}"
	r := New(opts)
	r.ScanFilesystem()

	assert.Len(t, r.Components(), 2)
}
