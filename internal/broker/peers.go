package broker

import (
	"context"

	"ibusd/internal/component"
	"ibusd/internal/store"
)

// Engine is a created engine instance living on a provider connection.
type Engine interface {
	// Path is the engine's object path on its provider connection.
	Path() string
	// Owner is the unique bus name of the provider connection.
	Owner() string
	// Invalidate marks the engine dead; later calls fail with ErrEngineGone.
	Invalidate()

	ProcessKeyEvent(ctx context.Context, keyval, keycode, state uint32) (bool, error)
	FocusIn(ctx context.Context) error
	FocusOut(ctx context.Context) error
	Reset(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	SetCapabilities(ctx context.Context, caps uint32) error
	SetCursorLocation(ctx context.Context, x, y, w, h int32) error
	Destroy(ctx context.Context) error
}

// Factory creates engines on behalf of one provider connection.
type Factory interface {
	Owner() string
	CreateEngine(ctx context.Context, name string) (Engine, error)
}

// Panel is the UI peer told about focus changes.
type Panel interface {
	FocusIn(ctx context.Context, contextPath string) error
	FocusOut(ctx context.Context, contextPath string) error
}

// ConfigService is the settings peer.
type ConfigService interface {
	// TriggerKeys returns the general/hotkey trigger value. ok is false when
	// the key is unset.
	TriggerKeys(ctx context.Context) (keys []string, ok bool, err error)
}

// Bus is the transport the coordinator publishes through and binds peers on.
type Bus interface {
	// Address is the bus address clients should connect to.
	Address() string

	// Factory, Panel and Config return proxies bound to the connection
	// with the given unique name.
	Factory(owner string) Factory
	Panel(owner string) Panel
	Config(owner string) ConfigService

	// ExportContext publishes an input context object; UnexportContext
	// withdraws it.
	ExportContext(path string) error
	UnexportContext(path string)

	// EmitContextSignal sends a signal from an input context object.
	EmitContextSignal(path, member string, args ...any) error
}

// Launcher starts component processes.
type Launcher interface {
	Start(c *component.Component) error
	IsRunning(c *component.Component) bool
}

// History persists the default engine and the engine switch log.
type History interface {
	DefaultEngine() (string, error)
	SetDefaultEngine(name string) error
	RecordSwitch(sw store.Switch) error
}
