// ibus-engine-echo is a pass-through input method engine for ibusd.
//
// It exports an engine factory, claims its component name and hands every
// key back unhandled, logging what it sees. It is useful for checking that
// a daemon starts providers, binds engines and routes key events.
//
// Installation:
//  1. ibus-engine-echo --install
//  2. Restart the daemon, or let its registry watcher pick the file up.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"ibusd/internal/config"
	"ibusd/internal/ipc"
	"ibusd/internal/logging"
	"ibusd/internal/registry"
)

const (
	componentName = "org.ibusd.EchoEngine"
	enginePrefix  = "/org/freedesktop/IBus/Engine/"
)

var engineNames = []string{"echo", "echo-upper"}

func main() {
	var (
		address   string
		printXML  bool
		install   bool
		uninstall bool
		logLevel  string
	)
	fs := pflag.NewFlagSet("ibus-engine-echo", pflag.ExitOnError)
	fs.StringVarP(&address, "address", "a", "", "bus address (default: the session bus)")
	fs.BoolVar(&printXML, "xml", false, "print the component manifest and exit")
	fs.BoolVar(&install, "install", false, "install the component manifest into the user directory")
	fs.BoolVar(&uninstall, "uninstall", false, "remove the installed component manifest")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	switch {
	case printXML:
		fmt.Print(manifest())
		return
	case install:
		path, err := installComponent()
		if err != nil {
			fmt.Fprintf(os.Stderr, "install: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Installed %s\n", path)
		return
	case uninstall:
		if err := os.Remove(manifestPath()); err != nil {
			fmt.Fprintf(os.Stderr, "uninstall: %v\n", err)
			os.Exit(1)
		}
		return
	}

	settings := config.DefaultConfig().Logging
	settings.Level = logLevel
	settings.Output = "stderr"
	logCfg, err := logging.FromSettings(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.Component("echo")

	conn, _, err := ipc.Dial(address)
	if err != nil {
		log.Error("connect to bus", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	f := &factory{conn: conn, logger: log}
	if err := conn.Export(f, ipc.FactoryPath, ipc.FactoryInterface); err != nil {
		log.Error("export factory", "error", err)
		os.Exit(1)
	}

	reply, err := conn.RequestName(componentName, dbus.NameFlagDoNotQueue)
	if err != nil {
		log.Error("request bus name", "name", componentName, "error", err)
		os.Exit(1)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Error("bus name already taken", "name", componentName)
		os.Exit(1)
	}
	log.Info("echo engine started", "name", componentName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")
}

// factory creates engine objects on request.
type factory struct {
	conn   *dbus.Conn
	logger *slog.Logger

	mu   sync.Mutex
	next int
}

// CreateEngine exports a new engine and returns its path.
func (f *factory) CreateEngine(name string) (dbus.ObjectPath, *dbus.Error) {
	known := false
	for _, n := range engineNames {
		if n == name {
			known = true
		}
	}
	if !known {
		return "", dbus.NewError(ipc.ErrorInvalidArgs, []interface{}{"unknown engine " + name})
	}

	f.mu.Lock()
	f.next++
	path := dbus.ObjectPath(fmt.Sprintf("%s%d", enginePrefix, f.next))
	f.mu.Unlock()

	e := &engine{
		name:   name,
		path:   path,
		conn:   f.conn,
		logger: f.logger.With("engine", name, "path", string(path)),
	}
	if err := f.conn.Export(e, path, ipc.EngineInterface); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	e.logger.Info("engine created")
	return path, nil
}

// engine implements the engine interface in pass-through mode.
type engine struct {
	name   string
	path   dbus.ObjectPath
	conn   *dbus.Conn
	logger *slog.Logger

	mu      sync.Mutex
	enabled bool
	focused bool
	caps    uint32
}

// ProcessKeyEvent returns false for every key.
func (e *engine) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	// Releases carry bit 30.
	if state&(1<<30) != 0 {
		return false, nil
	}
	r := keyvalToRune(keyval)
	if r == 0 {
		e.logger.Debug("key", "keyval", keyval, "keycode", keycode, "state", state)
		return false, nil
	}
	if e.name == "echo-upper" {
		r = toUpper(r)
	}
	e.logger.Debug("key", "text", string(r), "keycode", keycode, "state", state)
	return false, nil
}

func (e *engine) FocusIn() *dbus.Error {
	e.mu.Lock()
	e.focused = true
	e.mu.Unlock()
	e.logger.Debug("focus in")
	return nil
}

func (e *engine) FocusOut() *dbus.Error {
	e.mu.Lock()
	e.focused = false
	e.mu.Unlock()
	e.logger.Debug("focus out")
	return nil
}

func (e *engine) Reset() *dbus.Error {
	e.logger.Debug("reset")
	return nil
}

func (e *engine) Enable() *dbus.Error {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
	e.logger.Info("enabled")
	return nil
}

func (e *engine) Disable() *dbus.Error {
	e.mu.Lock()
	e.enabled = false
	e.mu.Unlock()
	e.logger.Info("disabled")
	return nil
}

func (e *engine) SetCapabilities(caps uint32) *dbus.Error {
	e.mu.Lock()
	e.caps = caps
	e.mu.Unlock()
	e.logger.Debug("capabilities", "caps", caps)
	return nil
}

func (e *engine) SetCursorLocation(x, y, w, h int32) *dbus.Error {
	e.logger.Debug("cursor", "x", x, "y", y, "w", w, "h", h)
	return nil
}

func (e *engine) SetContentType(purpose, hints uint32) *dbus.Error {
	e.logger.Debug("content type", "purpose", purpose, "hints", hints)
	return nil
}

// Destroy withdraws the engine object.
func (e *engine) Destroy() *dbus.Error {
	if err := e.conn.Export(nil, e.path, ipc.EngineInterface); err != nil {
		return dbus.MakeFailedError(err)
	}
	e.logger.Info("engine destroyed")
	return nil
}

// keyvalToRune converts an X11 keysym to a Unicode rune, or 0 for keys
// that carry no character.
func keyvalToRune(keyval uint32) rune {
	switch {
	case keyval >= 0x20 && keyval <= 0x7e:
		return rune(keyval)
	case keyval >= 0xa0 && keyval <= 0xff:
		return rune(keyval)
	case keyval >= 0x01000000:
		return rune(keyval - 0x01000000)
	}
	return 0
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 'a' + 'A'
	}
	return r
}

func manifestPath() string {
	return filepath.Join(registry.DefaultUserDir(), "echo.xml")
}

func installComponent() (string, error) {
	path := manifestPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(manifest()), 0644)
}

func manifest() string {
	binPath, err := os.Executable()
	if err != nil {
		binPath = "/usr/local/bin/ibus-engine-echo"
	}

	return `<?xml version="1.0" encoding="utf-8"?>
<component>
    <name>` + componentName + `</name>
    <description>Pass-through engine for testing ibusd</description>
    <exec>` + binPath + `</exec>
    <version>1.0.0</version>
    <author>ibusd</author>
    <license>MIT</license>
    <textdomain>ibusd</textdomain>
    <engines>
        <engine>
            <name>echo</name>
            <language>en</language>
            <license>MIT</license>
            <author>ibusd</author>
            <layout>us</layout>
            <longname>Echo</longname>
            <description>Logs keys and passes them through</description>
        </engine>
        <engine>
            <name>echo-upper</name>
            <language>en</language>
            <license>MIT</license>
            <author>ibusd</author>
            <layout>us</layout>
            <longname>Echo (upper case)</longname>
            <description>Logs keys in upper case and passes them through</description>
        </engine>
    </engines>
</component>
`
}
