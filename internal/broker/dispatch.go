package broker

import (
	"context"
	"strings"
	"time"

	"ibusd/internal/component"
)

// Interface names served on ObjectPath.
const (
	Interface               = "org.freedesktop.IBus"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
)

// Call is one incoming method call on the coordinator object.
type Call struct {
	Sender    string
	Interface string
	Member    string
	Args      []any
}

// HandlerFunc serves one method.
type HandlerFunc func(ctx context.Context, c *Coordinator, call *Call) ([]any, error)

// Method is one entry of the method table.
type Method struct {
	Interface string
	Member    string
	Handler   HandlerFunc
}

// EngineInfo is the wire form of an engine descriptor.
type EngineInfo struct {
	Name        string
	LongName    string
	Description string
	Language    string
	License     string
	Author      string
	Icon        string
	Layout      string
}

func engineInfo(e *component.EngineDesc) EngineInfo {
	return EngineInfo{
		Name:        e.Name,
		LongName:    e.LongName,
		Description: e.Description,
		Language:    e.Language,
		License:     e.License,
		Author:      e.Author,
		Icon:        e.Icon,
		Layout:      e.Layout,
	}
}

func methodTable() []Method {
	return []Method{
		{IntrospectableInterface, "Introspect", handleIntrospect},
		{Interface, "GetAddress", handleGetAddress},
		{Interface, "CreateInputContext", handleCreateInputContext},
		{Interface, "RegisterComponent", handleRegisterComponent},
		{Interface, "ListEngines", handleListEngines},
		{Interface, "ListActiveEngines", handleListActiveEngines},
		{Interface, "Kill", handleKill},
		{Interface, "RegisterFactories", handleNotImplemented},
		{Interface, "ListFactories", handleNotImplemented},
		{Interface, "SetFactory", handleNotImplemented},
	}
}

// Methods returns the method table in dispatch order.
func (c *Coordinator) Methods() []Method {
	return append([]Method(nil), c.methods...)
}

// Dispatch routes call through the method table. The first entry matching
// interface and member handles it; unmatched calls reach the fallback.
func (c *Coordinator) Dispatch(ctx context.Context, call *Call) ([]any, error) {
	start := time.Now()
	handler := fallback
	for _, m := range c.methods {
		if m.Interface == call.Interface && m.Member == call.Member {
			handler = m.Handler
			break
		}
	}

	out, err := handler(ctx, c, call)
	c.metrics.BusCall(call.Member, time.Since(start), err)
	if err != nil {
		c.logger.Debug("method call failed",
			"interface", call.Interface,
			"member", call.Member,
			"sender", call.Sender,
			"error", err)
	}
	return out, err
}

func fallback(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	return nil, callError(ErrUnknownMethod, "No such method %q on interface %q", call.Member, call.Interface)
}

func stringArg(call *Call, i int) (string, bool) {
	if i >= len(call.Args) {
		return "", false
	}
	s, ok := call.Args[i].(string)
	return s, ok
}

func handleIntrospect(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	if c.opts.Introspection == nil {
		return []any{""}, nil
	}
	return []any{c.opts.Introspection(ObjectPath)}, nil
}

func handleGetAddress(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	addr := ""
	if c.bus != nil {
		addr = c.bus.Address()
	}
	return []any{addr}, nil
}

func handleCreateInputContext(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	client, ok := stringArg(call, 0)
	if !ok {
		return nil, callError(ErrInvalidArgs, "Argument 1 of CreateInputContext should be an string")
	}
	path, err := c.CreateInputContext(ctx, call.Sender, client)
	if err != nil {
		return nil, err
	}
	return []any{path}, nil
}

func handleRegisterComponent(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	doc, ok := stringArg(call, 0)
	if !ok {
		return nil, callError(ErrInvalidArgs, "Argument 1 of RegisterComponent should be a component")
	}
	if err := c.RegisterComponent(ctx, call.Sender, doc); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleListEngines(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	engines, err := c.ListEngines(ctx)
	if err != nil {
		return nil, err
	}
	return []any{engines}, nil
}

func handleListActiveEngines(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	engines, err := c.ListActiveEngines(ctx)
	if err != nil {
		return nil, err
	}
	return []any{engines}, nil
}

func handleKill(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	c.logger.Info("kill requested", "sender", call.Sender)
	c.requestKill()
	return nil, nil
}

func handleNotImplemented(ctx context.Context, c *Coordinator, call *Call) ([]any, error) {
	return nil, callError(ErrNotImplemented, "not implemented")
}

// RegisterComponent parses a component document sent by a provider and
// binds a factory owned by the calling connection.
func (c *Coordinator) RegisterComponent(ctx context.Context, sender, doc string) error {
	p := component.Parser{Logger: c.logger}
	comp, err := p.ParseReader(strings.NewReader(doc))
	if err != nil {
		c.logger.Warn("register component", "sender", sender, "error", err)
		return callError(ErrFailed, "Can not create factory")
	}
	return c.do(ctx, func() {
		if _, known := c.registry.Component(comp.Name); !known {
			c.registered[comp.Name] = comp
		}
		c.addFactory(comp, sender)
	})
}

// ListEngines describes every engine the registry knows.
func (c *Coordinator) ListEngines(ctx context.Context) ([]EngineInfo, error) {
	var out []EngineInfo
	err := c.do(ctx, func() {
		out = make([]EngineInfo, 0, len(c.registry.Engines()))
		for _, e := range c.registry.Engines() {
			out = append(out, engineInfo(e))
		}
	})
	return out, err
}

// ListActiveEngines describes the engines of attached factories.
func (c *Coordinator) ListActiveEngines(ctx context.Context) ([]EngineInfo, error) {
	var out []EngineInfo
	err := c.do(ctx, func() {
		out = make([]EngineInfo, 0, len(c.active))
		for _, e := range c.active {
			out = append(out, engineInfo(e))
		}
	})
	return out, err
}
