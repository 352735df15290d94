package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"ibusd/internal/broker"
)

// ErrNoSessionBus is returned when no bus address is given and the
// session bus address is not set in the environment.
var ErrNoSessionBus = errors.New("DBUS_SESSION_BUS_ADDRESS is not set")

// Dial connects to the bus at address, or to the session bus when address
// is empty. It returns the connection and the address it used.
func Dial(address string) (*dbus.Conn, string, error) {
	if address == "" {
		address = os.Getenv("DBUS_SESSION_BUS_ADDRESS")
		if address == "" {
			return nil, "", ErrNoSessionBus
		}
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, "", fmt.Errorf("connect session bus: %w", err)
		}
		return conn, address, nil
	}
	conn, err := dbus.Connect(address)
	if err != nil {
		return nil, "", fmt.Errorf("connect %s: %w", address, err)
	}
	return conn, address, nil
}

var (
	_ broker.Factory       = (*factoryProxy)(nil)
	_ broker.Engine        = (*engineProxy)(nil)
	_ broker.Panel         = (*panelProxy)(nil)
	_ broker.ConfigService = (*configProxy)(nil)
)

// factoryProxy calls a provider's engine factory.
type factoryProxy struct {
	conn  *dbus.Conn
	owner string
}

func newFactoryProxy(conn *dbus.Conn, owner string) *factoryProxy {
	return &factoryProxy{conn: conn, owner: owner}
}

func (f *factoryProxy) Owner() string { return f.owner }

func (f *factoryProxy) CreateEngine(ctx context.Context, name string) (broker.Engine, error) {
	var path dbus.ObjectPath
	err := f.conn.Object(f.owner, FactoryPath).
		CallWithContext(ctx, FactoryInterface+".CreateEngine", 0, name).
		Store(&path)
	if err != nil {
		return nil, fmt.Errorf("create engine %s on %s: %w", name, f.owner, FromDBusError(err))
	}
	if !path.IsValid() {
		return nil, fmt.Errorf("create engine %s on %s: invalid object path %q", name, f.owner, path)
	}
	return newEngineProxy(f.conn, f.owner, path), nil
}

// engineProxy forwards calls to one engine instance. Once invalidated,
// every call fails with broker.ErrEngineGone without touching the bus.
type engineProxy struct {
	obj   dbus.BusObject
	path  dbus.ObjectPath
	owner string
	dead  atomic.Bool
}

func newEngineProxy(conn *dbus.Conn, owner string, path dbus.ObjectPath) *engineProxy {
	return &engineProxy{obj: conn.Object(owner, path), path: path, owner: owner}
}

func (e *engineProxy) Path() string  { return string(e.path) }
func (e *engineProxy) Owner() string { return e.owner }
func (e *engineProxy) Invalidate()   { e.dead.Store(true) }

func (e *engineProxy) call(ctx context.Context, member string, args ...interface{}) *dbus.Call {
	if e.dead.Load() {
		return &dbus.Call{Err: broker.ErrEngineGone}
	}
	return e.obj.CallWithContext(ctx, EngineInterface+"."+member, 0, args...)
}

func (e *engineProxy) run(ctx context.Context, member string, args ...interface{}) error {
	if err := e.call(ctx, member, args...).Err; err != nil {
		return fmt.Errorf("engine %s %s: %w", e.path, member, FromDBusError(err))
	}
	return nil
}

func (e *engineProxy) ProcessKeyEvent(ctx context.Context, keyval, keycode, state uint32) (bool, error) {
	var handled bool
	if err := e.call(ctx, "ProcessKeyEvent", keyval, keycode, state).Store(&handled); err != nil {
		return false, fmt.Errorf("engine %s ProcessKeyEvent: %w", e.path, FromDBusError(err))
	}
	return handled, nil
}

func (e *engineProxy) FocusIn(ctx context.Context) error  { return e.run(ctx, "FocusIn") }
func (e *engineProxy) FocusOut(ctx context.Context) error { return e.run(ctx, "FocusOut") }
func (e *engineProxy) Reset(ctx context.Context) error    { return e.run(ctx, "Reset") }
func (e *engineProxy) Enable(ctx context.Context) error   { return e.run(ctx, "Enable") }
func (e *engineProxy) Disable(ctx context.Context) error  { return e.run(ctx, "Disable") }
func (e *engineProxy) Destroy(ctx context.Context) error  { return e.run(ctx, "Destroy") }

func (e *engineProxy) SetCapabilities(ctx context.Context, caps uint32) error {
	return e.run(ctx, "SetCapabilities", caps)
}

func (e *engineProxy) SetCursorLocation(ctx context.Context, x, y, w, h int32) error {
	return e.run(ctx, "SetCursorLocation", x, y, w, h)
}

// panelProxy notifies the panel of focus changes.
type panelProxy struct {
	obj dbus.BusObject
}

func newPanelProxy(conn *dbus.Conn, owner string) *panelProxy {
	return &panelProxy{obj: conn.Object(owner, PanelPath)}
}

func (p *panelProxy) FocusIn(ctx context.Context, path string) error {
	return p.obj.CallWithContext(ctx, PanelInterface+".FocusIn", 0, dbus.ObjectPath(path)).Err
}

func (p *panelProxy) FocusOut(ctx context.Context, path string) error {
	return p.obj.CallWithContext(ctx, PanelInterface+".FocusOut", 0, dbus.ObjectPath(path)).Err
}

// configProxy reads hotkey settings from the config service.
type configProxy struct {
	obj dbus.BusObject
}

func newConfigProxy(conn *dbus.Conn, owner string) *configProxy {
	return &configProxy{obj: conn.Object(owner, ConfigPath)}
}

// TriggerKeys reads the trigger key list. A value the service does not
// have, or one of the wrong type, reports ok false.
func (c *configProxy) TriggerKeys(ctx context.Context) ([]string, bool, error) {
	var v dbus.Variant
	err := c.obj.CallWithContext(ctx, ConfigInterface+".GetValue", 0, TriggerSection, TriggerName).Store(&v)
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) {
			return nil, false, nil
		}
		return nil, false, err
	}
	keys, ok := stringList(v.Value())
	return keys, ok, nil
}

func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case []dbus.Variant:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.Value().(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Client is a control connection to a running daemon.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewClient connects to the daemon over the bus at address, or over the
// session bus when address is empty.
func NewClient(address string) (*Client, error) {
	conn, _, err := Dial(address)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn: conn,
		obj:  conn.Object(broker.ServiceName, broker.ObjectPath),
	}, nil
}

// Close closes the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, member string, args ...interface{}) *dbus.Call {
	return c.obj.CallWithContext(ctx, broker.Interface+"."+member, 0, args...)
}

// Address returns the bus address the daemon serves on.
func (c *Client) Address(ctx context.Context) (string, error) {
	var addr string
	if err := c.call(ctx, "GetAddress").Store(&addr); err != nil {
		return "", FromDBusError(err)
	}
	return addr, nil
}

// ListEngines returns every engine the daemon's registry knows.
func (c *Client) ListEngines(ctx context.Context) ([]broker.EngineInfo, error) {
	var engines []broker.EngineInfo
	if err := c.call(ctx, "ListEngines").Store(&engines); err != nil {
		return nil, FromDBusError(err)
	}
	return engines, nil
}

// ListActiveEngines returns the engines of attached factories.
func (c *Client) ListActiveEngines(ctx context.Context) ([]broker.EngineInfo, error) {
	var engines []broker.EngineInfo
	if err := c.call(ctx, "ListActiveEngines").Store(&engines); err != nil {
		return nil, FromDBusError(err)
	}
	return engines, nil
}

// Kill asks the daemon to exit.
func (c *Client) Kill(ctx context.Context) error {
	return FromDBusError(c.call(ctx, "Kill").Err)
}
