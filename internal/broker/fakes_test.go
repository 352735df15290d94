package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ibusd/internal/component"
	"ibusd/internal/registry"
	"ibusd/internal/store"
)

// recorder collects peer calls in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(event string) bool {
	for _, e := range r.list() {
		if e == event {
			return true
		}
	}
	return false
}

func (r *recorder) index(event string) int {
	for i, e := range r.list() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeEngine struct {
	path   string
	name   string
	owner  string
	rec    *recorder
	handle bool
	gone   atomic.Bool
}

func (e *fakeEngine) Path() string  { return e.path }
func (e *fakeEngine) Owner() string { return e.owner }
func (e *fakeEngine) Invalidate()   { e.gone.Store(true) }

func (e *fakeEngine) call(member string) error {
	if e.gone.Load() {
		return ErrEngineGone
	}
	e.rec.add("engine %s %s", e.name, member)
	return nil
}

func (e *fakeEngine) ProcessKeyEvent(ctx context.Context, keyval, keycode, state uint32) (bool, error) {
	if err := e.call(fmt.Sprintf("ProcessKeyEvent %#x", keyval)); err != nil {
		return false, err
	}
	return e.handle, nil
}

func (e *fakeEngine) FocusIn(ctx context.Context) error  { return e.call("FocusIn") }
func (e *fakeEngine) FocusOut(ctx context.Context) error { return e.call("FocusOut") }
func (e *fakeEngine) Reset(ctx context.Context) error    { return e.call("Reset") }
func (e *fakeEngine) Enable(ctx context.Context) error   { return e.call("Enable") }
func (e *fakeEngine) Disable(ctx context.Context) error  { return e.call("Disable") }
func (e *fakeEngine) Destroy(ctx context.Context) error  { return e.call("Destroy") }

func (e *fakeEngine) SetCapabilities(ctx context.Context, caps uint32) error {
	return e.call(fmt.Sprintf("SetCapabilities %d", caps))
}

func (e *fakeEngine) SetCursorLocation(ctx context.Context, x, y, w, h int32) error {
	return e.call(fmt.Sprintf("SetCursorLocation %d,%d,%d,%d", x, y, w, h))
}

type fakeFactory struct {
	owner string
	bus   *fakeBus
	err   error
}

func (f *fakeFactory) Owner() string { return f.owner }

func (f *fakeFactory) CreateEngine(ctx context.Context, name string) (Engine, error) {
	f.bus.rec.add("factory %s CreateEngine %s", f.owner, name)
	if f.err != nil {
		return nil, f.err
	}
	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	f.bus.engineSeq++
	e := &fakeEngine{
		path:   fmt.Sprintf("/org/freedesktop/IBus/Engine/%d", f.bus.engineSeq),
		name:   name,
		owner:  f.owner,
		rec:    f.bus.rec,
		handle: f.bus.engineHandles,
	}
	f.bus.engines = append(f.bus.engines, e)
	return e, nil
}

type fakePanel struct {
	owner string
	rec   *recorder
}

func (p *fakePanel) FocusIn(ctx context.Context, path string) error {
	p.rec.add("panel FocusIn %s", path)
	return nil
}

func (p *fakePanel) FocusOut(ctx context.Context, path string) error {
	p.rec.add("panel FocusOut %s", path)
	return nil
}

type fakeConfig struct {
	mu   sync.Mutex
	keys []string
	ok   bool
}

func (c *fakeConfig) set(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys, c.ok = keys, true
}

func (c *fakeConfig) TriggerKeys(ctx context.Context) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys, c.ok, nil
}

type fakeBus struct {
	mu  sync.Mutex
	rec *recorder

	factories     map[string]*fakeFactory
	configs       map[string]*fakeConfig
	exported      map[string]bool
	engines       []*fakeEngine
	engineSeq     int
	engineHandles bool
	exportErr     error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		rec:       &recorder{},
		factories: make(map[string]*fakeFactory),
		configs:   make(map[string]*fakeConfig),
		exported:  make(map[string]bool),
	}
}

func (b *fakeBus) Address() string { return "unix:path=/tmp/ibus-test" }

func (b *fakeBus) Factory(owner string) Factory {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.factories[owner]
	if !ok {
		f = &fakeFactory{owner: owner, bus: b}
		b.factories[owner] = f
	}
	return f
}

func (b *fakeBus) Panel(owner string) Panel {
	return &fakePanel{owner: owner, rec: b.rec}
}

func (b *fakeBus) Config(owner string) ConfigService {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.configs[owner]
	if !ok {
		c = &fakeConfig{}
		b.configs[owner] = c
	}
	return c
}

func (b *fakeBus) ExportContext(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exportErr != nil {
		return b.exportErr
	}
	b.exported[path] = true
	return nil
}

func (b *fakeBus) UnexportContext(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exported, path)
}

func (b *fakeBus) isExported(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exported[path]
}

func (b *fakeBus) EmitContextSignal(path, member string, args ...any) error {
	b.rec.add("signal %s %s", path, member)
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	started []string
	running map[string]bool
	err     error
	onStart func(c *component.Component)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: make(map[string]bool)}
}

func (l *fakeLauncher) Start(c *component.Component) error {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return l.err
	}
	l.started = append(l.started, c.Name)
	l.running[c.Name] = true
	onStart := l.onStart
	l.mu.Unlock()

	if onStart != nil {
		onStart(c)
	}
	return nil
}

func (l *fakeLauncher) IsRunning(c *component.Component) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[c.Name]
}

func (l *fakeLauncher) starts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...)
}

type fakeHistory struct {
	mu       sync.Mutex
	def      string
	switches []store.Switch
}

func (h *fakeHistory) DefaultEngine() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.def, nil
}

func (h *fakeHistory) SetDefaultEngine(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.def = name
	return nil
}

func (h *fakeHistory) RecordSwitch(sw store.Switch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.switches = append(h.switches, sw)
	return nil
}

func (h *fakeHistory) defaultEngine() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.def
}

const acmeManifest = `<?xml version="1.0" encoding="utf-8"?>
<component>
	<name>org.acme.Engine</name>
	<description>Acme input methods</description>
	<exec>/usr/libexec/ibus-engine-acme --ibus</exec>
	<version>1.0</version>
	<engines>
		<engine>
			<name>acme-en</name>
			<longname>Acme English</longname>
			<language>en</language>
			<layout>us</layout>
		</engine>
		<engine>
			<name>acme-fr</name>
			<longname>Acme French</longname>
			<language>fr</language>
			<layout>fr</layout>
		</engine>
	</engines>
</component>
`

const zetaManifest = `<component>
	<name>org.zeta.Engine</name>
	<exec>/usr/libexec/ibus-engine-zeta</exec>
	<service-name>org.zeta.Service</service-name>
	<engines>
		<engine><name>zeta</name><language>el</language></engine>
	</engines>
</component>
`

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRegistry(t *testing.T, manifests map[string]string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range manifests {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	reg := registry.New(registry.Options{SystemDir: dir, Logger: quietLogger})
	reg.Load()
	return reg
}

type harness struct {
	t        *testing.T
	coord    *Coordinator
	bus      *fakeBus
	launcher *fakeLauncher
	history  *fakeHistory
	errc     chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		bus:      newFakeBus(),
		launcher: newFakeLauncher(),
		history:  &fakeHistory{},
		errc:     make(chan error, 1),
	}
	opts := Options{
		Registry:       testRegistry(t, map[string]string{"acme.xml": acmeManifest, "zeta.xml": zetaManifest}),
		Bus:            h.bus,
		Launcher:       h.launcher,
		History:        h.history,
		Logger:         quietLogger,
		AttachRetries:  1,
		AttachInterval: 50 * time.Microsecond,
		CallTimeout:    time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.coord = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return h
}

func (h *harness) ctx() context.Context {
	return context.Background()
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	s, err := h.coord.Snapshot(h.ctx())
	require.NoError(h.t, err)
	return s
}

// attach announces a provider taking a well-known name and waits until the
// coordinator has bound its factory.
func (h *harness) attach(busName, owner, component string) {
	h.t.Helper()
	h.coord.NameOwnerChanged(busName, "", owner)
	require.Eventually(h.t, func() bool {
		return h.snapshot().Factories[component] == owner
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) newContext(sender, client string) string {
	h.t.Helper()
	path, err := h.coord.CreateInputContext(h.ctx(), sender, client)
	require.NoError(h.t, err)
	return path
}
