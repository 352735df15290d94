package ipc

import (
	"context"
	"encoding/xml"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"ibusd/internal/broker"
)

// busObject is exported at broker.ObjectPath. Every method is routed
// through the coordinator's method table.
type busObject struct {
	coord   *broker.Coordinator
	iface   string
	timeout time.Duration
}

func (o *busObject) dispatch(sender dbus.Sender, member string, args ...any) ([]any, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	out, err := o.coord.Dispatch(ctx, &broker.Call{
		Sender:    string(sender),
		Interface: o.iface,
		Member:    member,
		Args:      args,
	})
	return out, ToDBusError(err)
}

func firstString(out []any) string {
	if len(out) == 0 {
		return ""
	}
	s, _ := out[0].(string)
	return s
}

func firstEngines(out []any) []broker.EngineInfo {
	if len(out) == 0 {
		return nil
	}
	engines, _ := out[0].([]broker.EngineInfo)
	return engines
}

func (o *busObject) GetAddress(sender dbus.Sender) (string, *dbus.Error) {
	out, err := o.dispatch(sender, "GetAddress")
	return firstString(out), err
}

func (o *busObject) CreateInputContext(sender dbus.Sender, client string) (dbus.ObjectPath, *dbus.Error) {
	out, err := o.dispatch(sender, "CreateInputContext", client)
	return dbus.ObjectPath(firstString(out)), err
}

func (o *busObject) RegisterComponent(sender dbus.Sender, doc string) *dbus.Error {
	_, err := o.dispatch(sender, "RegisterComponent", doc)
	return err
}

func (o *busObject) ListEngines(sender dbus.Sender) ([]broker.EngineInfo, *dbus.Error) {
	out, err := o.dispatch(sender, "ListEngines")
	return firstEngines(out), err
}

func (o *busObject) ListActiveEngines(sender dbus.Sender) ([]broker.EngineInfo, *dbus.Error) {
	out, err := o.dispatch(sender, "ListActiveEngines")
	return firstEngines(out), err
}

func (o *busObject) Kill(sender dbus.Sender) *dbus.Error {
	_, err := o.dispatch(sender, "Kill")
	return err
}

func (o *busObject) RegisterFactories(sender dbus.Sender, paths []dbus.ObjectPath) *dbus.Error {
	_, err := o.dispatch(sender, "RegisterFactories", paths)
	return err
}

func (o *busObject) ListFactories(sender dbus.Sender) ([]dbus.ObjectPath, *dbus.Error) {
	_, err := o.dispatch(sender, "ListFactories")
	return nil, err
}

func (o *busObject) SetFactory(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	_, err := o.dispatch(sender, "SetFactory", path)
	return err
}

// introspectObject serves Introspect at broker.ObjectPath through the
// method table.
type introspectObject struct {
	bus *busObject
}

func (o *introspectObject) Introspect(sender dbus.Sender) (string, *dbus.Error) {
	b := *o.bus
	b.iface = broker.IntrospectableInterface
	out, err := b.dispatch(sender, "Introspect")
	return firstString(out), err
}

// contextObject is exported at one input context path.
type contextObject struct {
	coord   *broker.Coordinator
	path    string
	timeout time.Duration
}

func (o *contextObject) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func (o *contextObject) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	ctx, cancel := o.ctx()
	defer cancel()
	handled, err := o.coord.ProcessKeyEvent(ctx, o.path, keyval, keycode, state)
	return handled, ToDBusError(err)
}

func (o *contextObject) SetCursorLocation(x, y, w, h int32) *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.SetCursorLocation(ctx, o.path, x, y, w, h))
}

func (o *contextObject) FocusIn() *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.FocusIn(ctx, o.path))
}

func (o *contextObject) FocusOut() *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.FocusOut(ctx, o.path))
}

func (o *contextObject) Reset() *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.Reset(ctx, o.path))
}

func (o *contextObject) SetCapabilities(caps uint32) *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.SetCapabilities(ctx, o.path, caps))
}

func (o *contextObject) Enable() *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.Enable(ctx, o.path))
}

func (o *contextObject) Disable() *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.Disable(ctx, o.path))
}

func (o *contextObject) IsEnabled() (bool, *dbus.Error) {
	ctx, cancel := o.ctx()
	defer cancel()
	enabled, err := o.coord.IsEnabled(ctx, o.path)
	return enabled, ToDBusError(err)
}

func (o *contextObject) SetEngine(name string) *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.SetEngine(ctx, o.path, name))
}

func (o *contextObject) GetEngine() (broker.EngineInfo, *dbus.Error) {
	ctx, cancel := o.ctx()
	defer cancel()
	info, err := o.coord.GetEngine(ctx, o.path)
	return info, ToDBusError(err)
}

func (o *contextObject) Destroy() *dbus.Error {
	ctx, cancel := o.ctx()
	defer cancel()
	return ToDBusError(o.coord.Destroy(ctx, o.path))
}

var contextSignals = []introspect.Signal{
	{Name: "Enabled"},
	{Name: "Disabled"},
}

// Introspect returns the introspection document for the coordinator
// object or an input context path.
func Introspect(path string) string {
	node := introspect.Node{
		Name:       path,
		Interfaces: []introspect.Interface{introspect.IntrospectData},
	}
	if path == broker.ObjectPath {
		node.Interfaces = append(node.Interfaces, introspect.Interface{
			Name:    broker.Interface,
			Methods: introspect.Methods((*busObject)(nil)),
		})
	} else {
		node.Interfaces = append(node.Interfaces, introspect.Interface{
			Name:    InputContextInterface,
			Methods: introspect.Methods((*contextObject)(nil)),
			Signals: contextSignals,
		})
	}
	b, err := xml.Marshal(node)
	if err != nil {
		return introspect.IntrospectDeclarationString
	}
	return introspect.IntrospectDeclarationString + string(b)
}
