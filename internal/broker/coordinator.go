// Package broker implements the input-method bus coordinator.
//
// A Coordinator owns the registry snapshot, the factory bindings of
// attached providers, the list of active engines, every input context and
// the focus, panel and config peers. All of that state is confined to the
// goroutine running Run; bus calls, name-owner notifications, process exits
// and configuration changes are posted to it as messages, so no state is
// ever mutated concurrently.
package broker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ibusd/internal/component"
	"ibusd/internal/hotkey"
	"ibusd/internal/metrics"
	"ibusd/internal/process"
	"ibusd/internal/registry"
)

// Well-known names and paths.
const (
	ServiceName       = "org.freedesktop.IBus"
	ObjectPath        = "/org/freedesktop/IBus"
	PanelName         = "org.freedesktop.IBus.Panel"
	ConfigName        = "org.freedesktop.IBus.Config"
	ContextPathPrefix = "/org/freedesktop/IBus/InputContext_"
)

const (
	defaultAttachRetries  = 1
	defaultAttachInterval = 50 * time.Microsecond
	defaultCallTimeout    = 5 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	Registry *registry.Registry
	Bus      Bus
	Launcher Launcher
	History  History
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// AttachRetries bounds how many times an engine request waits for a
	// just-started provider to register its factory. AttachInterval is the
	// sleep between attempts. Negative values select the defaults.
	AttachRetries  int
	AttachInterval time.Duration

	// CallTimeout bounds every call the coordinator makes to a peer.
	CallTimeout time.Duration

	// Triggers, NextKeys and PrevKeys are the locally configured hotkeys.
	// A Config peer's trigger value takes precedence over Triggers.
	Triggers []string
	NextKeys []string
	PrevKeys []string

	// Introspection returns the introspection document for a path.
	Introspection func(path string) string
}

type ownerChange struct {
	name, oldOwner, newOwner string
}

type factoryBinding struct {
	component string
	owner     string
	factory   Factory
}

// Coordinator is the central broker state machine.
type Coordinator struct {
	opts    Options
	logger  *slog.Logger
	bus     Bus
	metrics *metrics.Metrics
	methods []Method

	calls  chan func()
	owners chan ownerChange
	done   chan struct{}

	kill     chan struct{}
	killOnce sync.Once

	// Everything below is owned by the Run goroutine.
	registry   *registry.Registry
	registered map[string]*component.Component
	factories  map[string]*factoryBinding
	active     []*component.EngineDesc
	contexts   map[string]*InputContext
	nextID     uint64
	focused    *InputContext

	panel       Panel
	panelOwner  string
	config      ConfigService
	configOwner string

	profile       *hotkey.Profile
	defaultEngine *component.EngineDesc
}

// New creates a Coordinator. Run must be called to start it.
func New(opts Options) *Coordinator {
	if opts.AttachRetries < 0 {
		opts.AttachRetries = defaultAttachRetries
	}
	if opts.AttachInterval < 0 {
		opts.AttachInterval = defaultAttachInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(registry.Options{Logger: logger})
	}

	return &Coordinator{
		opts:       opts,
		logger:     logger,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		methods:    methodTable(),
		calls:      make(chan func(), 64),
		owners:     make(chan ownerChange, 64),
		done:       make(chan struct{}),
		kill:       make(chan struct{}),
		registry:   reg,
		registered: make(map[string]*component.Component),
		factories:  make(map[string]*factoryBinding),
		contexts:   make(map[string]*InputContext),
		profile:    hotkey.NewProfile(),
	}
}

// Run processes messages until ctx is cancelled or Kill is called.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	c.reloadProfile(ctx)
	c.restoreDefaultEngine()
	c.publishCounts()
	c.logger.Info("coordinator running",
		"components", len(c.registry.Components()),
		"engines", len(c.registry.Engines()))

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.kill:
			c.shutdown()
			return nil
		case oc := <-c.owners:
			c.handleOwnerChange(ctx, oc)
		case fn := <-c.calls:
			fn()
		}
	}
}

// Killed is closed once a Kill call has been accepted.
func (c *Coordinator) Killed() <-chan struct{} {
	return c.kill
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) requestKill() {
	c.killOnce.Do(func() { close(c.kill) })
}

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post queues fn without waiting.
func (c *Coordinator) post(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.done:
	}
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// NameOwnerChanged feeds a bus name-owner notification to the coordinator.
func (c *Coordinator) NameOwnerChanged(name, oldOwner, newOwner string) {
	select {
	case c.owners <- ownerChange{name: name, oldOwner: oldOwner, newOwner: newOwner}:
	case <-c.done:
	}
}

// pump applies every name-owner notification that is already queued.
func (c *Coordinator) pump(ctx context.Context) {
	for {
		select {
		case oc := <-c.owners:
			c.handleOwnerChange(ctx, oc)
		default:
			return
		}
	}
}

func (c *Coordinator) handleOwnerChange(ctx context.Context, oc ownerChange) {
	c.logger.Debug("name owner changed", "name", oc.name, "old", oc.oldOwner, "new", oc.newOwner)

	switch oc.name {
	case PanelName:
		if oc.newOwner != "" {
			c.bindPanel(ctx, oc.newOwner)
		} else {
			c.panel, c.panelOwner = nil, ""
			c.logger.Info("panel detached")
		}
	case ConfigName:
		if oc.newOwner != "" {
			c.config, c.configOwner = c.bus.Config(oc.newOwner), oc.newOwner
			c.logger.Info("config service attached", "owner", oc.newOwner)
		} else {
			c.config, c.configOwner = nil, ""
			c.logger.Info("config service detached")
		}
		c.reloadProfile(ctx)
	}

	if comp, ok := c.componentForBusName(oc.name); ok {
		if oc.oldOwner != "" {
			c.removeFactory(comp.Name)
		}
		if oc.newOwner != "" {
			c.addFactory(comp, oc.newOwner)
		}
	}

	if strings.HasPrefix(oc.name, ":") && oc.newOwner == "" {
		c.connectionClosed(ctx, oc.name)
	}
}

func (c *Coordinator) bindPanel(ctx context.Context, owner string) {
	c.panel, c.panelOwner = c.bus.Panel(owner), owner
	c.logger.Info("panel attached", "owner", owner)
	if c.focused == nil {
		return
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.panel.FocusIn(callCtx, c.focused.Path); err != nil {
		c.logger.Warn("panel focus in", "context", c.focused.Path, "error", err)
	}
}

// componentForBusName maps a well-known bus name to a component by its
// service-name, falling back to the component name.
func (c *Coordinator) componentForBusName(name string) (*component.Component, bool) {
	if name == "" || strings.HasPrefix(name, ":") {
		return nil, false
	}
	if comp, ok := c.registry.ComponentByServiceName(name); ok {
		return comp, true
	}
	if comp, ok := c.registry.Component(name); ok {
		return comp, true
	}
	return nil, false
}

// component resolves a component name against the registry and then
// against components registered over the bus.
func (c *Coordinator) component(name string) (*component.Component, bool) {
	if comp, ok := c.registry.Component(name); ok {
		return comp, true
	}
	comp, ok := c.registered[name]
	return comp, ok
}

func (c *Coordinator) findEngine(name string) (*component.EngineDesc, bool) {
	if e, ok := c.registry.FindEngineByName(name); ok {
		return e, true
	}
	for _, comp := range c.registered {
		if e, ok := comp.Engine(name); ok {
			return e, true
		}
	}
	return nil, false
}

func (c *Coordinator) addFactory(comp *component.Component, owner string) {
	c.factories[comp.Name] = &factoryBinding{
		component: comp.Name,
		owner:     owner,
		factory:   c.bus.Factory(owner),
	}
	for _, e := range comp.Engines {
		if !c.isActive(e.Name) {
			c.active = append(c.active, e)
		}
	}
	c.logger.Info("factory attached", "component", comp.Name, "owner", owner, "engines", len(comp.Engines))
	c.publishCounts()
}

func (c *Coordinator) removeFactory(compName string) {
	if _, ok := c.factories[compName]; !ok {
		return
	}
	delete(c.factories, compName)

	kept := c.active[:0]
	for _, e := range c.active {
		if e.Component != compName {
			kept = append(kept, e)
		}
	}
	c.active = kept

	if c.defaultEngine != nil && c.defaultEngine.Component == compName {
		c.logger.Info("default engine provider gone", "engine", c.defaultEngine.Name)
		c.defaultEngine = nil
	}
	c.logger.Info("factory detached", "component", compName)
	c.publishCounts()
}

func (c *Coordinator) isActive(name string) bool {
	for _, e := range c.active {
		if e.Name == name {
			return true
		}
	}
	return false
}

// connectionClosed handles a unique connection name going away. Contexts
// the client created are destroyed, engines it provided are invalidated,
// and factories it owned are dropped.
func (c *Coordinator) connectionClosed(ctx context.Context, owner string) {
	for _, b := range c.factories {
		if b.owner == owner {
			c.removeFactory(b.component)
		}
	}

	for _, ic := range c.sortedContexts() {
		if ic.engine != nil && ic.engine.Owner() == owner {
			c.logger.Info("engine provider disconnected", "context", ic.Path, "engine", ic.desc.Name)
			ic.engine.Invalidate()
			ic.engine, ic.desc = nil, nil
			if ic.enabled {
				ic.enabled = false
				c.emit(ic, "Disabled")
			}
		}
	}

	for _, ic := range c.sortedContexts() {
		if ic.Owner == owner {
			c.destroyContext(ctx, ic)
		}
	}
}

// ProcessExited is the process manager's exit callback.
func (c *Coordinator) ProcessExited(e process.Exit) {
	status := "exit"
	if e.Err != nil {
		status = "error"
	}
	c.metrics.ProcessExited(e.Component, status)
	c.post(func() {
		c.logger.Info("component process exited", "component", e.Component, "pid", e.PID, "error", e.Err)
	})
}

// ReplaceRegistry swaps in a freshly loaded registry. Existing factory
// bindings and contexts are kept; active engines are re-resolved against
// the new snapshot.
func (c *Coordinator) ReplaceRegistry(ctx context.Context, reg *registry.Registry) error {
	return c.do(ctx, func() {
		c.registry = reg
		prev := c.active
		c.active = nil
		for _, name := range c.factoryOrder(prev) {
			if comp, ok := c.component(name); ok {
				for _, e := range comp.Engines {
					if !c.isActive(e.Name) {
						c.active = append(c.active, e)
					}
				}
			} else {
				delete(c.factories, name)
			}
		}
		if c.defaultEngine != nil {
			c.defaultEngine, _ = c.findEngine(c.defaultEngine.Name)
		}
		c.publishCounts()
		c.logger.Info("registry replaced",
			"components", len(reg.Components()),
			"engines", len(reg.Engines()))
	})
}

// factoryOrder lists bound component names in the order their engines
// appear in active, followed by any remaining bindings sorted by name.
func (c *Coordinator) factoryOrder(active []*component.EngineDesc) []string {
	seen := make(map[string]bool, len(c.factories))
	var names []string
	for _, e := range active {
		if _, bound := c.factories[e.Component]; bound && !seen[e.Component] {
			seen[e.Component] = true
			names = append(names, e.Component)
		}
	}
	var rest []string
	for name := range c.factories {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// SetHotkeys replaces the locally configured hotkeys and reloads the profile.
func (c *Coordinator) SetHotkeys(ctx context.Context, triggers, next, prev []string) error {
	return c.do(ctx, func() {
		c.opts.Triggers = triggers
		c.opts.NextKeys = next
		c.opts.PrevKeys = prev
		c.reloadProfile(ctx)
	})
}

// ConfigValueChanged handles a ValueChanged signal from the config service.
func (c *Coordinator) ConfigValueChanged(sender, section, name string) {
	c.post(func() {
		if c.config == nil || sender != c.configOwner {
			return
		}
		if section == "general/hotkey" && name == "trigger" {
			c.reloadProfile(context.Background())
		}
	})
}

// reloadProfile rebuilds the hotkey bindings from the config peer, or from
// local configuration when there is no peer or it has no value.
func (c *Coordinator) reloadProfile(ctx context.Context) {
	triggers := c.opts.Triggers
	if c.config != nil {
		callCtx, cancel := c.callContext(ctx)
		keys, ok, err := c.config.TriggerKeys(callCtx)
		cancel()
		switch {
		case err != nil:
			c.logger.Warn("read trigger from config service", "error", err)
		case ok:
			triggers = keys
		}
	}

	for _, err := range c.profile.Reload(hotkey.Trigger, triggers, hotkey.DefaultTrigger) {
		c.logger.Warn("invalid trigger key", "error", err)
	}
	for _, err := range c.profile.Reload(hotkey.NextEngine, c.opts.NextKeys, "") {
		c.logger.Warn("invalid next-engine key", "error", err)
	}
	for _, err := range c.profile.Reload(hotkey.PrevEngine, c.opts.PrevKeys, "") {
		c.logger.Warn("invalid prev-engine key", "error", err)
	}
	c.logger.Debug("hotkeys reloaded", "trigger", len(c.profile.Bindings(hotkey.Trigger)))
}

func (c *Coordinator) restoreDefaultEngine() {
	if c.opts.History == nil {
		return
	}
	name, err := c.opts.History.DefaultEngine()
	if err != nil {
		c.logger.Warn("load default engine", "error", err)
		return
	}
	if name == "" {
		return
	}
	if e, ok := c.findEngine(name); ok {
		c.defaultEngine = e
		c.logger.Info("default engine restored", "engine", name)
	}
}

func (c *Coordinator) setDefaultEngine(e *component.EngineDesc) {
	c.defaultEngine = e
	if c.opts.History == nil {
		return
	}
	if err := c.opts.History.SetDefaultEngine(e.Name); err != nil {
		c.logger.Warn("persist default engine", "engine", e.Name, "error", err)
	}
}

func (c *Coordinator) publishCounts() {
	c.metrics.SetEngineCounts(len(c.active), len(c.factories))
}

func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()
	for _, ic := range c.sortedContexts() {
		c.destroyContext(ctx, ic)
	}
	c.logger.Info("coordinator stopped")
}

// Snapshot is a point-in-time view of the coordinator state.
type Snapshot struct {
	Focused       string
	DefaultEngine string
	Contexts      int
	Factories     map[string]string
	Active        []string
	Panel         string
	Config        string
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() {
		if c.focused != nil {
			s.Focused = c.focused.Path
		}
		if c.defaultEngine != nil {
			s.DefaultEngine = c.defaultEngine.Name
		}
		s.Contexts = len(c.contexts)
		s.Factories = make(map[string]string, len(c.factories))
		for name, b := range c.factories {
			s.Factories[name] = b.owner
		}
		for _, e := range c.active {
			s.Active = append(s.Active, e.Name)
		}
		s.Panel = c.panelOwner
		s.Config = c.configOwner
	})
	return s, err
}

// WatchedNames lists the well-known names whose owners the coordinator
// tracks. The transport resolves their current owners at startup.
func (c *Coordinator) WatchedNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, func() {
		names = append(names, PanelName, ConfigName)
		for _, comp := range c.registry.Components() {
			if comp.ServiceName != "" {
				names = append(names, comp.ServiceName)
			} else {
				names = append(names, comp.Name)
			}
		}
	})
	return names, err
}
