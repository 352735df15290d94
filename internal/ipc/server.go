package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"ibusd/internal/broker"
)

// ErrNameTaken is returned when another connection owns the service name
// and replacement was not requested or not allowed.
var ErrNameTaken = errors.New("service name is owned by another connection")

const defaultCallTimeout = 25 * time.Second

var _ broker.Bus = (*Server)(nil)

// Notifier receives bus notifications. *broker.Coordinator implements it.
type Notifier interface {
	NameOwnerChanged(name, oldOwner, newOwner string)
	ConfigValueChanged(sender, section, name string)
}

// ServerConfig configures the bus server.
type ServerConfig struct {
	// Address of the bus to join. Empty selects the session bus.
	Address string
	// Replace takes the service name over from a running instance.
	Replace bool
	// CallTimeout bounds the handling of one incoming method call.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Server joins a message bus on behalf of a Coordinator. It implements
// broker.Bus.
type Server struct {
	conn    *dbus.Conn
	address string
	cfg     ServerConfig
	logger  *slog.Logger
	signals chan *dbus.Signal

	mu       sync.Mutex
	coord    *broker.Coordinator
	stopOnce sync.Once
}

// NewServer connects to the bus. No name is requested until Serve.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, address, err := Dial(cfg.Address)
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:    conn,
		address: address,
		cfg:     cfg,
		logger:  logger,
		signals: make(chan *dbus.Signal, 64),
	}, nil
}

// Address returns the bus address.
func (s *Server) Address() string {
	return s.address
}

// UniqueName returns the server's own connection name.
func (s *Server) UniqueName() string {
	names := s.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Ping checks that the bus daemon answers.
func (s *Server) Ping(ctx context.Context) error {
	return s.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.Peer.Ping", 0).Err
}

// Serve exports the coordinator, claims broker.ServiceName and relays bus
// signals to coord until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, coord *broker.Coordinator) error {
	s.mu.Lock()
	s.coord = coord
	s.mu.Unlock()

	bus := &busObject{coord: coord, iface: broker.Interface, timeout: s.cfg.CallTimeout}
	if err := s.conn.Export(bus, broker.ObjectPath, broker.Interface); err != nil {
		return fmt.Errorf("export %s: %w", broker.ObjectPath, err)
	}
	if err := s.conn.Export(&introspectObject{bus: bus}, broker.ObjectPath, broker.IntrospectableInterface); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	if err := s.subscribe(); err != nil {
		return err
	}
	if err := s.requestName(); err != nil {
		return err
	}
	s.logger.Info("serving on bus", "name", broker.ServiceName, "address", s.address, "unique", s.UniqueName())

	s.syncOwners(ctx, coord)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-s.signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			if !handleSignal(coord, sig) {
				s.logger.Debug("ignored signal", "name", sig.Name, "sender", sig.Sender)
			}
		}
	}
}

func (s *Server) subscribe() error {
	err := s.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dbusPath),
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
	if err != nil {
		return fmt.Errorf("watch name owners: %w", err)
	}
	err = s.conn.AddMatchSignal(
		dbus.WithMatchInterface(ConfigInterface),
		dbus.WithMatchMember("ValueChanged"),
	)
	if err != nil {
		return fmt.Errorf("watch config values: %w", err)
	}
	s.conn.Signal(s.signals)
	return nil
}

func (s *Server) requestName() error {
	flags := dbus.NameFlagDoNotQueue | dbus.NameFlagAllowReplacement
	if s.cfg.Replace {
		flags |= dbus.NameFlagReplaceExisting
	}
	reply, err := s.conn.RequestName(broker.ServiceName, flags)
	if err != nil {
		return fmt.Errorf("request %s: %w", broker.ServiceName, err)
	}
	switch reply {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		return nil
	default:
		return fmt.Errorf("request %s: %w", broker.ServiceName, ErrNameTaken)
	}
}

// syncOwners reports the current owners of the names the coordinator
// watches, so peers that started before the daemon are picked up.
func (s *Server) syncOwners(ctx context.Context, coord *broker.Coordinator) {
	names, err := coord.WatchedNames(ctx)
	if err != nil {
		s.logger.Warn("list watched names", "error", err)
		return
	}
	for _, name := range names {
		var owner string
		err := s.conn.BusObject().
			CallWithContext(ctx, dbusInterface+".GetNameOwner", 0, name).
			Store(&owner)
		if err != nil || owner == "" {
			continue
		}
		s.logger.Debug("name already owned", "name", name, "owner", owner)
		coord.NameOwnerChanged(name, "", owner)
	}
}

// handleSignal relays one bus signal to n. It reports whether the signal
// was recognized.
func handleSignal(n Notifier, sig *dbus.Signal) bool {
	switch sig.Name {
	case dbusInterface + ".NameOwnerChanged":
		if len(sig.Body) != 3 {
			return false
		}
		name, ok1 := sig.Body[0].(string)
		oldOwner, ok2 := sig.Body[1].(string)
		newOwner, ok3 := sig.Body[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return false
		}
		n.NameOwnerChanged(name, oldOwner, newOwner)
		return true
	case ConfigInterface + ".ValueChanged":
		if len(sig.Body) < 2 {
			return false
		}
		section, ok1 := sig.Body[0].(string)
		name, ok2 := sig.Body[1].(string)
		if !ok1 || !ok2 {
			return false
		}
		n.ConfigValueChanged(sig.Sender, section, name)
		return true
	}
	return false
}

// Close releases the service name and closes the connection.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		s.conn.RemoveSignal(s.signals)
		if _, rerr := s.conn.ReleaseName(broker.ServiceName); rerr != nil {
			s.logger.Debug("release name", "error", rerr)
		}
		err = s.conn.Close()
	})
	return err
}

// Factory returns a proxy for the factory exported by owner.
func (s *Server) Factory(owner string) broker.Factory {
	return newFactoryProxy(s.conn, owner)
}

// Panel returns a proxy for the panel owned by owner.
func (s *Server) Panel(owner string) broker.Panel {
	return newPanelProxy(s.conn, owner)
}

// Config returns a proxy for the config service owned by owner.
func (s *Server) Config(owner string) broker.ConfigService {
	return newConfigProxy(s.conn, owner)
}

// ExportContext publishes an input context object at path.
func (s *Server) ExportContext(path string) error {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return errors.New("server is not serving")
	}

	obj := &contextObject{coord: coord, path: path, timeout: s.cfg.CallTimeout}
	op := dbus.ObjectPath(path)
	if err := s.conn.Export(obj, op, InputContextInterface); err != nil {
		return err
	}
	return s.conn.Export(introspect.Introspectable(Introspect(path)), op, broker.IntrospectableInterface)
}

// UnexportContext withdraws the objects published by ExportContext.
func (s *Server) UnexportContext(path string) {
	op := dbus.ObjectPath(path)
	if err := s.conn.Export(nil, op, InputContextInterface); err != nil {
		s.logger.Debug("unexport context", "path", path, "error", err)
	}
	if err := s.conn.Export(nil, op, broker.IntrospectableInterface); err != nil {
		s.logger.Debug("unexport context introspection", "path", path, "error", err)
	}
}

// EmitContextSignal emits member on the input context interface at path.
func (s *Server) EmitContextSignal(path, member string, args ...any) error {
	return s.conn.Emit(dbus.ObjectPath(path), InputContextInterface+"."+member, args...)
}
