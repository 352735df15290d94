// Package component models input-method provider manifests.
//
// A component is one provider package: a helper executable plus the
// engines it offers and the filesystem paths whose modification gates the
// registry cache. Components are parsed from manifest files and from the
// registry cache, and serialize back to the cache form.
package component

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidRoot is returned when a document's root element is not <component>.
var ErrInvalidRoot = errors.New("root element must be <component>")

// Component is a discoverable input-method provider.
type Component struct {
	Name        string
	Description string
	Exec        string
	Version     string
	Author      string
	License     string
	Homepage    string
	TextDomain  string
	ServiceName string

	// Filename and Mtime describe the manifest file the component was read from.
	Filename string
	Mtime    int64

	Engines       []*EngineDesc
	ObservedPaths []*ObservedPath
}

// EngineDesc is one input method offered by a Component.
type EngineDesc struct {
	Name        string
	LongName    string
	Description string
	Language    string
	License     string
	Author      string
	Icon        string
	Layout      string

	// Component is the name of the owning component.
	Component string
}

// Engine returns the engine with the given name.
func (c *Component) Engine(name string) (*EngineDesc, bool) {
	for _, e := range c.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (c *Component) Clone() *Component {
	clone := *c
	clone.Engines = make([]*EngineDesc, len(c.Engines))
	for i, e := range c.Engines {
		ec := *e
		clone.Engines[i] = &ec
	}
	clone.ObservedPaths = make([]*ObservedPath, len(c.ObservedPaths))
	for i, p := range c.ObservedPaths {
		pc := *p
		clone.ObservedPaths[i] = &pc
	}
	return &clone
}

// Modified reports whether any observed path of the component changed
// since it was recorded.
func (c *Component) Modified() bool {
	for _, p := range c.ObservedPaths {
		if p.Modified() {
			return true
		}
	}
	return false
}

// Parser turns <component> trees into Components.
type Parser struct {
	// AccessFS stats and expands observed paths. Manifest parsing sets it;
	// cache parsing leaves it off and trusts the recorded mtimes.
	AccessFS bool
	Logger   *slog.Logger
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ParseFile reads a manifest file, recording its path and modification time.
func (p *Parser) ParseFile(path string) (*Component, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}

	node, err := ParseXMLFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	c, err := p.Parse(node)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.Filename = path
	c.Mtime = info.ModTime().Unix()
	return c, nil
}

// ParseReader parses a single <component> document.
func (p *Parser) ParseReader(r io.Reader) (*Component, error) {
	node, err := ParseXML(r)
	if err != nil {
		return nil, err
	}
	return p.Parse(node)
}

// Parse converts a <component> element. Repeated scalar elements keep the
// last value; unknown elements are logged and skipped.
func (p *Parser) Parse(node *Node) (*Component, error) {
	if node.Name != "component" {
		return nil, fmt.Errorf("%w, but it is <%s>", ErrInvalidRoot, node.Name)
	}

	log := p.logger()
	c := &Component{}

	for _, sub := range node.Children {
		switch sub.Name {
		case "name":
			c.Name = sub.Text
		case "description":
			c.Description = sub.Text
		case "filename":
			c.Filename = sub.Text
		case "exec":
			c.Exec = sub.Text
		case "version":
			c.Version = sub.Text
		case "author":
			c.Author = sub.Text
		case "license":
			c.License = sub.Text
		case "homepage":
			c.Homepage = sub.Text
		case "textdomain":
			c.TextDomain = sub.Text
		case "service-name":
			c.ServiceName = sub.Text
		case "mtime":
			mtime, err := strconv.ParseInt(sub.Text, 10, 64)
			if err != nil {
				log.Warn("invalid component mtime", "value", sub.Text)
				continue
			}
			c.Mtime = mtime
		case "engines":
			c.Engines = append(c.Engines, p.parseEngines(sub)...)
		case "observed-paths":
			c.ObservedPaths = append(c.ObservedPaths, p.parseObservedPaths(sub)...)
		default:
			log.Warn("<component> element contains invalid element", "element", sub.Name)
		}
	}

	for _, e := range c.Engines {
		e.Component = c.Name
	}
	return c, nil
}

func (p *Parser) parseEngines(node *Node) []*EngineDesc {
	var engines []*EngineDesc
	for _, sub := range node.Children {
		if sub.Name != "engine" {
			p.logger().Warn("<engines> element contains invalid element", "element", sub.Name)
			continue
		}
		engines = append(engines, p.parseEngine(sub))
	}
	return engines
}

func (p *Parser) parseEngine(node *Node) *EngineDesc {
	e := &EngineDesc{}
	for _, sub := range node.Children {
		switch sub.Name {
		case "name":
			e.Name = sub.Text
		case "longname":
			e.LongName = sub.Text
		case "description":
			e.Description = sub.Text
		case "language":
			e.Language = sub.Text
		case "license":
			e.License = sub.Text
		case "author":
			e.Author = sub.Text
		case "icon":
			e.Icon = sub.Text
		case "layout":
			e.Layout = sub.Text
		default:
			p.logger().Warn("<engine> element contains invalid element", "element", sub.Name)
		}
	}
	return e
}

func (p *Parser) parseObservedPaths(node *Node) []*ObservedPath {
	var paths []*ObservedPath
	for _, sub := range node.Children {
		if sub.Name != "path" {
			p.logger().Warn("<observed-paths> element contains invalid element", "element", sub.Name)
			continue
		}
		paths = append(paths, p.ParsePath(sub)...)
	}
	return paths
}

// ParsePath converts one <path> element. With filesystem access the path
// is statted and, when it is a directory, expanded into every entry below
// it. Malformed paths are logged and yield nothing.
func (p *Parser) ParsePath(node *Node) []*ObservedPath {
	log := p.logger()

	path, err := ExpandHome(node.Text)
	if err != nil {
		log.Warn("dropping observed path", "path", node.Text, "error", err)
		return nil
	}

	op := &ObservedPath{Path: path}
	for _, a := range node.Attrs {
		if a.Name.Local != "mtime" {
			log.Warn("unknown <path> attribute", "attribute", a.Name.Local)
			continue
		}
		mtime, err := strconv.ParseInt(a.Value, 10, 64)
		if err != nil {
			log.Warn("invalid path mtime", "path", path, "value", a.Value)
			continue
		}
		op.Mtime = mtime
	}

	if !p.AccessFS {
		return []*ObservedPath{op}
	}

	op.FillStat()
	paths := []*ObservedPath{op}
	if op.Exists && op.IsDir {
		children, err := op.Traverse()
		if err != nil {
			log.Warn("traverse observed path", "path", path, "error", err)
		}
		paths = append(paths, children...)
	}
	return paths
}

// WriteXML writes the cache form of the component at the given indent level.
func (c *Component) WriteXML(w io.Writer, indent int) error {
	var b strings.Builder
	c.writeXML(&b, indent)
	_, err := io.WriteString(w, b.String())
	return err
}

// String returns the cache form of the component.
func (c *Component) String() string {
	var b strings.Builder
	c.writeXML(&b, 0)
	return b.String()
}

func (c *Component) writeXML(b *strings.Builder, indent int) {
	writeIndent(b, indent)
	b.WriteString("<component>\n")

	writeElement(b, indent+1, "name", c.Name)
	writeElement(b, indent+1, "description", c.Description)
	writeElement(b, indent+1, "filename", c.Filename)
	writeElement(b, indent+1, "mtime", strconv.FormatInt(c.Mtime, 10))
	writeElement(b, indent+1, "exec", c.Exec)
	writeElement(b, indent+1, "version", c.Version)
	writeElement(b, indent+1, "author", c.Author)
	writeElement(b, indent+1, "license", c.License)
	writeElement(b, indent+1, "homepage", c.Homepage)
	writeElement(b, indent+1, "textdomain", c.TextDomain)
	writeElement(b, indent+1, "service-name", c.ServiceName)

	if len(c.ObservedPaths) > 0 {
		writeIndent(b, indent+1)
		b.WriteString("<observed-paths>\n")
		for _, p := range c.ObservedPaths {
			p.writeXML(b, indent+2)
		}
		writeIndent(b, indent+1)
		b.WriteString("</observed-paths>\n")
	}

	if len(c.Engines) > 0 {
		writeIndent(b, indent+1)
		b.WriteString("<engines>\n")
		for _, e := range c.Engines {
			e.writeXML(b, indent+2)
		}
		writeIndent(b, indent+1)
		b.WriteString("</engines>\n")
	}

	writeIndent(b, indent)
	b.WriteString("</component>\n")
}

func (e *EngineDesc) writeXML(b *strings.Builder, indent int) {
	writeIndent(b, indent)
	b.WriteString("<engine>\n")
	writeElement(b, indent+1, "name", e.Name)
	writeElement(b, indent+1, "longname", e.LongName)
	writeElement(b, indent+1, "description", e.Description)
	writeElement(b, indent+1, "language", e.Language)
	writeElement(b, indent+1, "license", e.License)
	writeElement(b, indent+1, "author", e.Author)
	writeElement(b, indent+1, "icon", e.Icon)
	writeElement(b, indent+1, "layout", e.Layout)
	writeIndent(b, indent)
	b.WriteString("</engine>\n")
}

func writeIndent(b *strings.Builder, indent int) {
	for i := 0; i < indent; i++ {
		b.WriteString("    ")
	}
}

func writeElement(b *strings.Builder, indent int, name, text string) {
	writeIndent(b, indent)
	b.WriteString("<" + name + ">")
	b.WriteString(EscapeText(text))
	b.WriteString("</" + name + ">\n")
}
