package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ibusd/internal/component"
	"ibusd/internal/hotkey"
)

// InputContext is one client's input session.
type InputContext struct {
	Path   string
	Client string
	// Owner is the unique bus name of the connection that created the context.
	Owner string

	id        uint64
	focused   bool
	enabled   bool
	caps      uint32
	cursor    [4]int32
	hasCursor bool

	engine Engine
	desc   *component.EngineDesc
}

func (ic *InputContext) cursorLocation() (x, y, w, h int32) {
	return ic.cursor[0], ic.cursor[1], ic.cursor[2], ic.cursor[3]
}

// sortedContexts returns contexts in creation order.
func (c *Coordinator) sortedContexts() []*InputContext {
	out := make([]*InputContext, 0, len(c.contexts))
	for _, ic := range c.contexts {
		out = append(out, ic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Coordinator) emit(ic *InputContext, member string, args ...any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.EmitContextSignal(ic.Path, member, args...); err != nil {
		c.logger.Debug("emit context signal", "context", ic.Path, "signal", member, "error", err)
	}
}

// onContext runs fn on the coordinator goroutine with the named context.
func (c *Coordinator) onContext(ctx context.Context, path string, fn func(ic *InputContext) error) error {
	var ferr error
	err := c.do(ctx, func() {
		ic, ok := c.contexts[path]
		if !ok {
			ferr = fmt.Errorf("%s: %w", path, ErrNoContext)
			return
		}
		ferr = fn(ic)
	})
	if err != nil {
		return err
	}
	return ferr
}

// CreateInputContext creates and publishes a context for client, owned by
// the calling connection sender.
func (c *Coordinator) CreateInputContext(ctx context.Context, sender, client string) (string, error) {
	var (
		path   string
		export error
	)
	err := c.do(ctx, func() {
		c.nextID++
		ic := &InputContext{
			Path:   fmt.Sprintf("%s%d", ContextPathPrefix, c.nextID),
			Client: client,
			Owner:  sender,
			id:     c.nextID,
		}
		if c.bus != nil {
			if export = c.bus.ExportContext(ic.Path); export != nil {
				return
			}
		}
		c.contexts[ic.Path] = ic
		path = ic.Path
		c.metrics.ContextCreated()
		c.logger.Debug("input context created", "context", ic.Path, "client", client, "owner", sender)
	})
	if err != nil {
		return "", err
	}
	if export != nil {
		return "", callError(ErrFailed, "export input context: %v", export)
	}
	return path, nil
}

// FocusIn makes path the focused context. A different previously focused
// context receives its focus-out first.
func (c *Coordinator) FocusIn(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		if c.focused == ic {
			return nil
		}
		if c.focused != nil {
			c.focusOut(ctx, c.focused)
		}

		ic.focused = true
		c.focused = ic
		c.metrics.FocusChanged()

		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		if ic.engine != nil {
			if err := ic.engine.FocusIn(callCtx); err != nil {
				c.logger.Warn("engine focus in", "context", ic.Path, "error", err)
			}
		}
		if c.panel != nil {
			if err := c.panel.FocusIn(callCtx, ic.Path); err != nil {
				c.logger.Warn("panel focus in", "context", ic.Path, "error", err)
			}
		}
		return nil
	})
}

// FocusOut clears the focus if path holds it; otherwise it does nothing.
func (c *Coordinator) FocusOut(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		c.focusOut(ctx, ic)
		return nil
	})
}

func (c *Coordinator) focusOut(ctx context.Context, ic *InputContext) {
	if c.focused != ic {
		return
	}
	ic.focused = false

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if ic.engine != nil {
		if err := ic.engine.FocusOut(callCtx); err != nil {
			c.logger.Warn("engine focus out", "context", ic.Path, "error", err)
		}
	}
	if c.panel != nil {
		if err := c.panel.FocusOut(callCtx, ic.Path); err != nil {
			c.logger.Warn("panel focus out", "context", ic.Path, "error", err)
		}
	}
	c.focused = nil
}

// Destroy removes a context. A focused context is dropped without a
// focus-out and no other context takes the focus.
func (c *Coordinator) Destroy(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		c.destroyContext(ctx, ic)
		return nil
	})
}

func (c *Coordinator) destroyContext(ctx context.Context, ic *InputContext) {
	delete(c.contexts, ic.Path)
	if c.focused == ic {
		c.focused = nil
	}
	ic.focused = false

	if ic.engine != nil {
		callCtx, cancel := c.callContext(ctx)
		if err := ic.engine.Destroy(callCtx); err != nil && !errors.Is(err, ErrEngineGone) {
			c.logger.Warn("destroy engine", "context", ic.Path, "error", err)
		}
		cancel()
		ic.engine, ic.desc = nil, nil
	}
	if c.bus != nil {
		c.bus.UnexportContext(ic.Path)
	}
	c.metrics.ContextDestroyed()
	c.logger.Debug("input context destroyed", "context", ic.Path)
}

// ProcessKeyEvent applies hotkeys and forwards other keys to the context's
// engine while the context is enabled. It reports whether the key was
// consumed.
func (c *Coordinator) ProcessKeyEvent(ctx context.Context, path string, keyval, keycode, state uint32) (bool, error) {
	var (
		eng      Engine
		consumed bool
	)
	err := c.onContext(ctx, path, func(ic *InputContext) error {
		if ev, ok := c.profile.Match(keyval, state); ok {
			consumed = true
			c.handleHotkey(ctx, ic, ev)
			return nil
		}
		if ic.enabled {
			eng = ic.engine
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if consumed {
		c.metrics.KeyEvent("hotkey")
		return true, nil
	}
	if eng == nil {
		c.metrics.KeyEvent("unhandled")
		return false, nil
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	handled, err := eng.ProcessKeyEvent(callCtx, keyval, keycode, state)
	if err != nil {
		if !errors.Is(err, ErrEngineGone) {
			c.logger.Warn("engine process key event", "context", path, "error", err)
		}
		c.metrics.KeyEvent("unhandled")
		return false, nil
	}
	if handled {
		c.metrics.KeyEvent("handled")
	} else {
		c.metrics.KeyEvent("forwarded")
	}
	return handled, nil
}

func (c *Coordinator) handleHotkey(ctx context.Context, ic *InputContext, ev hotkey.Event) {
	c.logger.Debug("hotkey", "context", ic.Path, "event", string(ev))
	switch ev {
	case hotkey.Trigger:
		if ic.enabled {
			c.disable(ctx, ic)
		} else {
			c.enable(ctx, ic)
		}
	case hotkey.NextEngine:
		c.cycleEngine(ctx, ic, 1)
	case hotkey.PrevEngine:
		c.cycleEngine(ctx, ic, -1)
	}
}

func (c *Coordinator) enable(ctx context.Context, ic *InputContext) {
	if ic.engine == nil {
		c.requestEngine(ctx, ic, "")
		return
	}
	if ic.enabled {
		return
	}
	ic.enabled = true
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := ic.engine.Enable(callCtx); err != nil {
		c.logger.Warn("engine enable", "context", ic.Path, "error", err)
	}
	c.emit(ic, "Enabled")
}

func (c *Coordinator) disable(ctx context.Context, ic *InputContext) {
	if !ic.enabled {
		return
	}
	ic.enabled = false
	if ic.engine != nil {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		if err := ic.engine.Disable(callCtx); err != nil {
			c.logger.Warn("engine disable", "context", ic.Path, "error", err)
		}
	}
	c.emit(ic, "Disabled")
}

// Enable engages input, requesting the default engine if none is bound.
func (c *Coordinator) Enable(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		c.enable(ctx, ic)
		return nil
	})
}

// Disable disengages input without unbinding the engine.
func (c *Coordinator) Disable(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		c.disable(ctx, ic)
		return nil
	})
}

// IsEnabled reports whether input is engaged for the context.
func (c *Coordinator) IsEnabled(ctx context.Context, path string) (bool, error) {
	var enabled bool
	err := c.onContext(ctx, path, func(ic *InputContext) error {
		enabled = ic.enabled
		return nil
	})
	return enabled, err
}

// RequestEngine runs engine resolution for the context. An empty name
// selects the default engine.
func (c *Coordinator) RequestEngine(ctx context.Context, path, name string) (bool, error) {
	var bound bool
	err := c.onContext(ctx, path, func(ic *InputContext) error {
		bound = c.requestEngine(ctx, ic, name)
		return nil
	})
	return bound, err
}

// RequestNextEngine binds the active engine after the current one.
func (c *Coordinator) RequestNextEngine(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		c.cycleEngine(ctx, ic, 1)
		return nil
	})
}

// RequestPrevEngine binds the active engine before the current one.
func (c *Coordinator) RequestPrevEngine(ctx context.Context, path string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		c.cycleEngine(ctx, ic, -1)
		return nil
	})
}

// SetEngine binds the named engine, failing when it can not be resolved.
func (c *Coordinator) SetEngine(ctx context.Context, path, name string) error {
	return c.onContext(ctx, path, func(ic *InputContext) error {
		if !c.requestEngine(ctx, ic, name) {
			return callError(ErrFailed, "can not set engine %s", name)
		}
		return nil
	})
}

// GetEngine describes the context's bound engine.
func (c *Coordinator) GetEngine(ctx context.Context, path string) (EngineInfo, error) {
	var info EngineInfo
	err := c.onContext(ctx, path, func(ic *InputContext) error {
		if ic.desc == nil {
			return callError(ErrFailed, "input context has no engine")
		}
		info = engineInfo(ic.desc)
		return nil
	})
	return info, err
}

// engineCall runs update on the coordinator goroutine, then forwards call
// to the context's engine, if any, outside it.
func (c *Coordinator) engineCall(ctx context.Context, path string, update func(ic *InputContext), call func(ctx context.Context, e Engine) error) error {
	var eng Engine
	err := c.onContext(ctx, path, func(ic *InputContext) error {
		if update != nil {
			update(ic)
		}
		eng = ic.engine
		return nil
	})
	if err != nil || eng == nil {
		return err
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := call(callCtx, eng); err != nil && !errors.Is(err, ErrEngineGone) {
		c.logger.Warn("engine call", "context", path, "error", err)
	}
	return nil
}

// Reset forwards a reset to the engine.
func (c *Coordinator) Reset(ctx context.Context, path string) error {
	return c.engineCall(ctx, path, nil, func(ctx context.Context, e Engine) error {
		return e.Reset(ctx)
	})
}

// SetCapabilities records the client's capabilities and forwards them.
func (c *Coordinator) SetCapabilities(ctx context.Context, path string, caps uint32) error {
	return c.engineCall(ctx, path,
		func(ic *InputContext) { ic.caps = caps },
		func(ctx context.Context, e Engine) error { return e.SetCapabilities(ctx, caps) })
}

// SetCursorLocation records the cursor rectangle and forwards it.
func (c *Coordinator) SetCursorLocation(ctx context.Context, path string, x, y, w, h int32) error {
	return c.engineCall(ctx, path,
		func(ic *InputContext) {
			ic.cursor = [4]int32{x, y, w, h}
			ic.hasCursor = true
		},
		func(ctx context.Context, e Engine) error { return e.SetCursorLocation(ctx, x, y, w, h) })
}
