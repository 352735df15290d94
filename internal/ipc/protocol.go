// Package ipc connects the broker to a D-Bus message bus.
//
// The server side exports the coordinator object and one object per input
// context, and turns bus signals into coordinator notifications. The client
// side holds proxies for the peers the coordinator calls: engine factories,
// engines, the panel and the config service. A small control client is
// provided for command-line tools.
package ipc

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"ibusd/internal/broker"
)

// Object paths and interfaces of the IBus peers.
const (
	FactoryPath      = "/org/freedesktop/IBus/Factory"
	FactoryInterface = "org.freedesktop.IBus.Factory"

	EngineInterface = "org.freedesktop.IBus.Engine"

	InputContextInterface = "org.freedesktop.IBus.InputContext"

	PanelPath      = "/org/freedesktop/IBus/Panel"
	PanelInterface = "org.freedesktop.IBus.Panel"

	ConfigPath      = "/org/freedesktop/IBus/Config"
	ConfigInterface = "org.freedesktop.IBus.Config"
)

// Message bus daemon names.
const (
	dbusName      = "org.freedesktop.DBus"
	dbusPath      = "/org/freedesktop/DBus"
	dbusInterface = "org.freedesktop.DBus"
)

// Hotkey configuration key read from the config service.
const (
	TriggerSection = "general/hotkey"
	TriggerName    = "trigger"
)

// Bus error names returned to callers.
const (
	ErrorNotSupported  = "org.freedesktop.DBus.Error.NotSupported"
	ErrorInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorFailed        = "org.freedesktop.DBus.Error.Failed"
	ErrorUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
)

var errorNames = []struct {
	kind error
	name string
}{
	{broker.ErrNotImplemented, ErrorNotSupported},
	{broker.ErrInvalidArgs, ErrorInvalidArgs},
	{broker.ErrUnknownMethod, ErrorUnknownMethod},
	{broker.ErrNoContext, ErrorUnknownObject},
	{broker.ErrFailed, ErrorFailed},
}

// ErrorName returns the bus error name for a broker error.
func ErrorName(err error) string {
	for _, e := range errorNames {
		if errors.Is(err, e.kind) {
			return e.name
		}
	}
	return ErrorFailed
}

// ToDBusError converts a broker error into a bus error reply. A nil error
// converts to nil.
func ToDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var ce *broker.CallError
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	return dbus.NewError(ErrorName(err), []interface{}{msg})
}

// FromDBusError converts a bus error reply back into a broker error so
// callers can test it with errors.Is. Other errors are returned unchanged.
func FromDBusError(err error) error {
	var derr dbus.Error
	if !errors.As(err, &derr) {
		var pderr *dbus.Error
		if !errors.As(err, &pderr) || pderr == nil {
			return err
		}
		derr = *pderr
	}
	msg := derr.Name
	if len(derr.Body) > 0 {
		if s, ok := derr.Body[0].(string); ok {
			msg = s
		}
	}
	for _, e := range errorNames {
		if e.name == derr.Name {
			return &broker.CallError{Kind: e.kind, Message: msg}
		}
	}
	return fmt.Errorf("%s: %s", derr.Name, msg)
}
