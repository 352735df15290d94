// Package registry maintains the catalogue of installed input-method
// components.
//
// A Registry is populated either from the on-disk cache or from a scan of
// the component directories. Every top-level directory and every path a
// component declares is recorded with its modification time; any change to
// one of them invalidates the cache and forces a full rescan. A Registry is
// never patched incrementally: callers build a new one and swap it in.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"ibusd/internal/component"
)

// DefaultSystemDir is the install-time component directory.
const DefaultSystemDir = "/usr/share/ibus/component"

// DefaultPattern selects manifest files inside a component directory.
const DefaultPattern = "*.xml"

const cacheHeader = "<!-- This file was generated by ibus-daemon. Please do not modify it. -->\n"

var (
	// ErrNoCache is returned when caching is disabled or the cache file is absent.
	ErrNoCache = errors.New("registry cache not available")
	// ErrCacheStale is returned when the cache was built for different roots.
	ErrCacheStale = errors.New("registry cache is stale")
)

// Options configures where a Registry looks for components.
type Options struct {
	// SystemDir and UserDir are scanned in that order.
	SystemDir string
	UserDir   string

	// CachePath is the cache file. Empty disables caching.
	CachePath string

	// Pattern selects manifest file names inside each root.
	Pattern string

	Logger *slog.Logger
}

// DefaultUserDir returns $HOME/.ibus/component.
func DefaultUserDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".ibus", "component")
}

// Registry is an immutable-once-loaded snapshot of known components.
type Registry struct {
	opts   Options
	logger *slog.Logger

	roots      []*component.ObservedPath
	components []*component.Component
	engines    map[string]*component.EngineDesc
	overrides  []string
	fromCache  bool
}

// New returns an empty Registry. Call Load to populate it.
func New(opts Options) *Registry {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:    opts,
		logger:  logger,
		engines: make(map[string]*component.EngineDesc),
	}
}

// Load populates the registry from the cache when it is present and
// fresh; otherwise it rescans the filesystem and rewrites the cache.
func (r *Registry) Load() {
	if err := r.LoadCache(); err == nil {
		if !r.CheckModification() {
			r.fromCache = true
			r.logger.Debug("registry loaded from cache",
				"path", r.opts.CachePath,
				"components", len(r.components))
			return
		}
		r.logger.Info("registry cache is out of date, rescanning")
	} else if !errors.Is(err, ErrNoCache) {
		r.logger.Warn("registry cache unusable, rescanning", "error", err)
	}

	r.reset()
	r.ScanFilesystem()
	if err := r.SaveCache(); err != nil {
		r.logger.Warn("save registry cache", "path", r.opts.CachePath, "error", err)
	}
}

// LoadedFromCache reports whether the last Load reused the cache.
func (r *Registry) LoadedFromCache() bool {
	return r.fromCache
}

func (r *Registry) reset() {
	r.roots = nil
	r.components = nil
	r.engines = make(map[string]*component.EngineDesc)
	r.overrides = nil
	r.fromCache = false
}

func (r *Registry) rootDirs() []string {
	var dirs []string
	for _, d := range []string{r.opts.SystemDir, r.opts.UserDir} {
		if d != "" {
			dirs = append(dirs, filepath.Clean(d))
		}
	}
	return dirs
}

// ScanFilesystem records each root and parses the manifests inside it.
// The user directory is scanned after the system directory.
func (r *Registry) ScanFilesystem() {
	parser := &component.Parser{AccessFS: true, Logger: r.logger}

	for _, dir := range r.rootDirs() {
		r.roots = append(r.roots, component.NewObservedPath(dir))

		entries, err := os.ReadDir(dir)
		if err != nil {
			r.logger.Warn("unable to open component directory", "dir", dir, "error", err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ok, err := doublestar.Match(r.opts.Pattern, entry.Name())
			if err != nil {
				r.logger.Warn("invalid manifest pattern", "pattern", r.opts.Pattern, "error", err)
				return
			}
			if !ok {
				continue
			}

			c, err := parser.ParseFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				r.logger.Warn("skipping component manifest", "file", entry.Name(), "error", err)
				continue
			}
			r.add(c)
		}
	}
	r.buildIndex()
}

// add appends a component; a component with the same name is replaced.
func (r *Registry) add(c *component.Component) {
	if c.Name == "" {
		r.logger.Warn("skipping component without a name", "file", c.Filename)
		return
	}
	for i, old := range r.components {
		if old.Name == c.Name {
			r.logger.Warn("component declared twice, later one wins",
				"component", c.Name, "previous", old.Filename, "file", c.Filename)
			r.components = append(r.components[:i], r.components[i+1:]...)
			break
		}
	}
	r.components = append(r.components, c)
}

// buildIndex maps engine names to descriptors. Engines scanned later
// replace earlier ones with the same name.
func (r *Registry) buildIndex() {
	r.engines = make(map[string]*component.EngineDesc)
	r.overrides = nil
	for _, c := range r.components {
		for _, e := range c.Engines {
			if prev, ok := r.engines[e.Name]; ok {
				r.logger.Warn("engine name declared twice, later one wins",
					"engine", e.Name, "previous", prev.Component, "component", c.Name)
				r.overrides = append(r.overrides, e.Name)
			}
			r.engines[e.Name] = e
		}
	}
}

// LoadCache replaces the registry state with the cache file contents.
// Recorded mtimes are kept as serialized; only the cache file is read.
func (r *Registry) LoadCache() error {
	if r.opts.CachePath == "" {
		return ErrNoCache
	}

	node, err := component.ParseXMLFile(r.opts.CachePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoCache
		}
		return fmt.Errorf("read registry cache: %w", err)
	}
	if node.Name != "ibus-registry" {
		return fmt.Errorf("registry cache root is <%s>", node.Name)
	}

	r.reset()
	parser := &component.Parser{Logger: r.logger}
	for _, sub := range node.Children {
		switch sub.Name {
		case "path":
			r.roots = append(r.roots, parser.ParsePath(sub)...)
		case "component":
			c, err := parser.Parse(sub)
			if err != nil {
				r.reset()
				return fmt.Errorf("registry cache: %w", err)
			}
			r.add(c)
		default:
			r.logger.Warn("<ibus-registry> contains invalid element", "element", sub.Name)
		}
	}

	want := r.rootDirs()
	if len(want) != len(r.roots) {
		r.reset()
		return ErrCacheStale
	}
	for i, root := range r.roots {
		if root.Path != want[i] {
			r.reset()
			return ErrCacheStale
		}
	}

	r.buildIndex()
	return nil
}

// CheckModification reports whether any recorded root, manifest file or
// observed path differs from the filesystem.
func (r *Registry) CheckModification() bool {
	for _, root := range r.roots {
		if root.Modified() {
			r.logger.Debug("component root changed", "path", root.Path)
			return true
		}
	}
	for _, c := range r.components {
		if c.Filename != "" {
			manifest := &component.ObservedPath{Path: c.Filename, Mtime: c.Mtime}
			if manifest.Modified() {
				r.logger.Debug("component manifest changed", "component", c.Name, "file", c.Filename)
				return true
			}
		}
		if c.Modified() {
			r.logger.Debug("component observed path changed", "component", c.Name)
			return true
		}
	}
	return false
}

// SaveCache writes the registry to the cache file atomically.
func (r *Registry) SaveCache() error {
	if r.opts.CachePath == "" {
		return nil
	}

	dir := filepath.Dir(r.opts.CachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.xml")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(r.cacheXML()); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.opts.CachePath); err != nil {
		return fmt.Errorf("install cache file: %w", err)
	}
	return nil
}

func (r *Registry) cacheXML() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(cacheHeader)
	b.WriteString("<ibus-registry>\n")
	for _, root := range r.roots {
		fmt.Fprintf(&b, "    <path mtime=\"%d\" >%s</path>\n", root.Mtime, component.EscapeText(root.Path))
	}
	for _, c := range r.components {
		_ = c.WriteXML(&b, 1)
	}
	b.WriteString("</ibus-registry>\n")
	return b.String()
}

// FindEngineByName returns the engine registered under name.
func (r *Registry) FindEngineByName(name string) (*component.EngineDesc, bool) {
	e, ok := r.engines[name]
	return e, ok
}

// Component returns the component with the given name.
func (r *Registry) Component(name string) (*component.Component, bool) {
	for _, c := range r.components {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ComponentByServiceName returns the component that owns a bus service name.
func (r *Registry) ComponentByServiceName(service string) (*component.Component, bool) {
	if service == "" {
		return nil, false
	}
	for _, c := range r.components {
		if c.ServiceName == service {
			return c, true
		}
	}
	return nil, false
}

// Components returns the components in scan order.
func (r *Registry) Components() []*component.Component {
	return append([]*component.Component(nil), r.components...)
}

// Engines returns the indexed engines in scan order. Shadowed duplicates
// are omitted.
func (r *Registry) Engines() []*component.EngineDesc {
	var engines []*component.EngineDesc
	for _, c := range r.components {
		for _, e := range c.Engines {
			if r.engines[e.Name] == e {
				engines = append(engines, e)
			}
		}
	}
	return engines
}

// Roots returns the recorded top-level directories.
func (r *Registry) Roots() []*component.ObservedPath {
	return append([]*component.ObservedPath(nil), r.roots...)
}

// Overrides returns engine names that were declared more than once.
func (r *Registry) Overrides() []string {
	return append([]string(nil), r.overrides...)
}

// CachePath returns the cache file location.
func (r *Registry) CachePath() string {
	return r.opts.CachePath
}
