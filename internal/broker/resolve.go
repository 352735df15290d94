package broker

import (
	"context"
	"errors"
	"time"

	"ibusd/internal/component"
	"ibusd/internal/process"
	"ibusd/internal/store"
)

// requestEngine resolves name to an engine and binds it to ic. An empty
// name selects the default engine, making the first active engine the
// default when none is set. Failures are logged and leave ic unchanged.
func (c *Coordinator) requestEngine(ctx context.Context, ic *InputContext, name string) bool {
	start := time.Now()

	var desc *component.EngineDesc
	if name == "" {
		if c.defaultEngine == nil && len(c.active) > 0 {
			c.setDefaultEngine(c.active[0])
		}
		desc = c.defaultEngine
		if desc == nil {
			c.logger.Debug("no engine available", "context", ic.Path)
			c.metrics.AttachFailed("no-engine")
			return false
		}
	} else {
		var ok bool
		if desc, ok = c.findEngine(name); !ok {
			c.logger.Warn("engine not found", "engine", name, "context", ic.Path)
			c.metrics.AttachFailed("unknown-engine")
			return false
		}
	}

	comp, ok := c.component(desc.Component)
	if !ok {
		c.logger.Warn("engine has no component", "engine", desc.Name, "component", desc.Component)
		c.metrics.AttachFailed("no-component")
		return false
	}

	binding, ok := c.factories[comp.Name]
	if !ok {
		binding, ok = c.waitForFactory(ctx, comp)
		if !ok {
			c.metrics.AttachFailed("no-factory")
			return false
		}
		// The poll applies owner changes, which may have closed ic's client.
		if c.contexts[ic.Path] != ic {
			c.logger.Debug("context destroyed while waiting for factory", "context", ic.Path)
			c.metrics.AttachFailed("context-gone")
			return false
		}
	}

	callCtx, cancel := c.callContext(ctx)
	eng, err := binding.factory.CreateEngine(callCtx, desc.Name)
	cancel()
	if err != nil {
		c.logger.Error("create engine", "engine", desc.Name, "component", comp.Name, "error", err)
		c.metrics.AttachFailed("create-failed")
		return false
	}

	c.bindEngine(ctx, ic, desc, eng)
	c.metrics.EngineSwitched(desc.Name, time.Since(start))
	return true
}

// waitForFactory starts comp if needed and polls for its factory. The poll
// runs at most AttachRetries times; each round applies queued name-owner
// notifications, then sleeps AttachInterval.
func (c *Coordinator) waitForFactory(ctx context.Context, comp *component.Component) (*factoryBinding, bool) {
	if c.opts.Launcher == nil {
		c.logger.Warn("no factory and no launcher", "component", comp.Name)
		return nil, false
	}
	if !c.opts.Launcher.IsRunning(comp) {
		if err := c.opts.Launcher.Start(comp); err != nil {
			switch {
			case errors.Is(err, process.ErrStopping):
				c.logger.Warn("component still stopping", "component", comp.Name)
			default:
				c.logger.Error("start component", "component", comp.Name, "error", err)
			}
			return nil, false
		}
		c.metrics.ProcessStarted(comp.Name)
	}

	for i := 0; i < c.opts.AttachRetries; i++ {
		c.pump(ctx)
		if b, ok := c.factories[comp.Name]; ok {
			return b, true
		}
		time.Sleep(c.opts.AttachInterval)
	}
	c.pump(ctx)
	if b, ok := c.factories[comp.Name]; ok {
		return b, true
	}
	c.logger.Warn("component did not attach a factory in time",
		"component", comp.Name,
		"retries", c.opts.AttachRetries,
		"interval", c.opts.AttachInterval)
	return nil, false
}

// bindEngine replaces ic's engine with eng and brings eng up to date with
// the context's state.
func (c *Coordinator) bindEngine(ctx context.Context, ic *InputContext, desc *component.EngineDesc, eng Engine) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if ic.engine != nil {
		if err := ic.engine.Destroy(callCtx); err != nil && !errors.Is(err, ErrEngineGone) {
			c.logger.Warn("destroy previous engine", "context", ic.Path, "engine", ic.desc.Name, "error", err)
		}
	}
	ic.engine, ic.desc = eng, desc

	if err := eng.SetCapabilities(callCtx, ic.caps); err != nil {
		c.logger.Warn("engine set capabilities", "engine", desc.Name, "error", err)
	}
	if ic.hasCursor {
		x, y, w, h := ic.cursorLocation()
		if err := eng.SetCursorLocation(callCtx, x, y, w, h); err != nil {
			c.logger.Warn("engine set cursor location", "engine", desc.Name, "error", err)
		}
	}
	if ic.focused {
		if err := eng.FocusIn(callCtx); err != nil {
			c.logger.Warn("engine focus in", "engine", desc.Name, "error", err)
		}
	}
	if err := eng.Enable(callCtx); err != nil {
		c.logger.Warn("engine enable", "engine", desc.Name, "error", err)
	}
	if !ic.enabled {
		ic.enabled = true
		c.emit(ic, "Enabled")
	}
	c.logger.Info("engine bound", "context", ic.Path, "engine", desc.Name, "path", eng.Path())

	if c.opts.History != nil {
		err := c.opts.History.RecordSwitch(store.Switch{
			Context:   ic.Path,
			Client:    ic.Client,
			Engine:    desc.Name,
			Component: desc.Component,
		})
		if err != nil {
			c.logger.Warn("record engine switch", "error", err)
		}
	}
}

// cycleEngine binds the active engine after (step 1) or before (step -1)
// the context's current one.
func (c *Coordinator) cycleEngine(ctx context.Context, ic *InputContext, step int) bool {
	n := len(c.active)
	if n == 0 {
		return false
	}

	idx := -1
	if ic.desc != nil {
		for i, e := range c.active {
			if e.Name == ic.desc.Name {
				idx = i
				break
			}
		}
	}

	var next int
	switch {
	case idx < 0 && step > 0:
		next = 0
	case idx < 0:
		next = n - 1
	default:
		next = ((idx+step)%n + n) % n
	}
	if idx == next {
		return false
	}
	return c.requestEngine(ctx, ic, c.active[next].Name)
}
