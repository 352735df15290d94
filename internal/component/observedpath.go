package component

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// ObservedPath is a filesystem location whose modification time gates
// the validity of the registry cache.
type ObservedPath struct {
	Path   string
	Exists bool
	IsDir  bool
	// Mtime is seconds since the epoch, 0 when the path did not exist.
	Mtime int64
}

var (
	// ErrEmptyPath is returned for a <path> element without text.
	ErrEmptyPath = errors.New("path must not be empty")
	// ErrInvalidHome is returned for a path starting with '~' not followed by a separator.
	ErrInvalidHome = errors.New("invalid home-relative path")
)

// NewObservedPath records path and fills it from the filesystem.
func NewObservedPath(path string) *ObservedPath {
	p := &ObservedPath{Path: path}
	p.FillStat()
	return p
}

// FillStat refreshes Exists, IsDir and Mtime from the filesystem.
func (p *ObservedPath) FillStat() {
	info, err := os.Stat(p.Path)
	if err != nil {
		p.Exists = false
		p.IsDir = false
		p.Mtime = 0
		return
	}
	p.Exists = true
	p.IsDir = info.IsDir()
	p.Mtime = info.ModTime().Unix()
}

// Modified reports whether the filesystem no longer matches the recorded
// snapshot. A path that was missing (mtime 0) and is still missing is
// unchanged.
func (p *ObservedPath) Modified() bool {
	info, err := os.Stat(p.Path)
	if err != nil {
		return p.Mtime != 0
	}
	return info.ModTime().Unix() != p.Mtime
}

// Traverse returns every entry below a directory, recursively, in lexical
// order. Symlinks are recorded but never descended into, so link cycles
// cannot recurse.
func (p *ObservedPath) Traverse() ([]*ObservedPath, error) {
	root := filepath.Clean(p.Path)

	var (
		mu    sync.Mutex
		paths []*ObservedPath
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if path == root {
			return err
		}
		if err != nil {
			// unreadable subdirectories are recorded but not expanded
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		sub := NewObservedPath(path)
		mu.Lock()
		paths = append(paths, sub)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("traverse %s: %w", root, err)
	}

	sort.Slice(paths, func(i, j int) bool {
		return paths[i].Path < paths[j].Path
	})
	return paths, nil
}

// ExpandHome resolves the text of a <path> element. "~/x" expands
// against $HOME, falling back to the user's home directory.
func ExpandHome(text string) (string, error) {
	if text == "" {
		return "", ErrEmptyPath
	}
	if !strings.HasPrefix(text, "~") {
		return text, nil
	}
	if len(text) < 2 || text[1] != filepath.Separator {
		return "", fmt.Errorf("%w: %q", ErrInvalidHome, text)
	}

	home := os.Getenv("HOME")
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
	}
	return filepath.Join(home, text[2:]), nil
}

func (p *ObservedPath) writeXML(b *strings.Builder, indent int) {
	writeIndent(b, indent)
	b.WriteString(`<path mtime="`)
	b.WriteString(strconv.FormatInt(p.Mtime, 10))
	b.WriteString(`" >`)
	b.WriteString(EscapeText(p.Path))
	b.WriteString("</path>\n")
}
