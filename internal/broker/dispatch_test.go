package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibusd/internal/metrics"
)

func TestMethodTableOrder(t *testing.T) {
	h := newHarness(t, nil)

	var members []string
	for _, m := range h.coord.Methods() {
		members = append(members, m.Member)
	}
	assert.Equal(t, []string{
		"Introspect",
		"GetAddress",
		"CreateInputContext",
		"RegisterComponent",
		"ListEngines",
		"ListActiveEngines",
		"Kill",
		"RegisterFactories",
		"ListFactories",
		"SetFactory",
	}, members)
	assert.Equal(t, IntrospectableInterface, h.coord.Methods()[0].Interface)
}

func TestDispatchErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name    string
		call    Call
		kind    error
		message string
	}{
		{
			name:    "register factories",
			call:    Call{Sender: ":1.10", Interface: Interface, Member: "RegisterFactories"},
			kind:    ErrNotImplemented,
			message: "not implemented",
		},
		{
			name:    "set factory",
			call:    Call{Sender: ":1.10", Interface: Interface, Member: "SetFactory", Args: []any{"/x"}},
			kind:    ErrNotImplemented,
			message: "not implemented",
		},
		{
			name:    "unknown member",
			call:    Call{Sender: ":1.10", Interface: Interface, Member: "Frobnicate"},
			kind:    ErrUnknownMethod,
			message: `No such method "Frobnicate" on interface "org.freedesktop.IBus"`,
		},
		{
			name:    "member on wrong interface",
			call:    Call{Sender: ":1.10", Interface: IntrospectableInterface, Member: "GetAddress"},
			kind:    ErrUnknownMethod,
			message: `No such method "GetAddress" on interface "org.freedesktop.DBus.Introspectable"`,
		},
		{
			name:    "create context without client",
			call:    Call{Sender: ":1.10", Interface: Interface, Member: "CreateInputContext", Args: []any{uint32(7)}},
			kind:    ErrInvalidArgs,
			message: "Argument 1 of CreateInputContext should be an string",
		},
		{
			name:    "register invalid component",
			call:    Call{Sender: ":1.40", Interface: Interface, Member: "RegisterComponent", Args: []any{"<engine/>"}},
			kind:    ErrFailed,
			message: "Can not create factory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := tt.call
			out, err := h.coord.Dispatch(h.ctx(), &call)
			assert.Nil(t, out)

			var ce *CallError
			require.ErrorAs(t, err, &ce)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.message, ce.Message)
		})
	}
}

func TestDispatchQueries(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Introspection = func(path string) string { return "<node name=\"" + path + "\"/>" }
	})
	h.attach("org.acme.Engine", ":1.5", "org.acme.Engine")

	out, err := h.coord.Dispatch(h.ctx(), &Call{Interface: Interface, Member: "GetAddress"})
	require.NoError(t, err)
	assert.Equal(t, []any{"unix:path=/tmp/ibus-test"}, out)

	out, err = h.coord.Dispatch(h.ctx(), &Call{Interface: IntrospectableInterface, Member: "Introspect"})
	require.NoError(t, err)
	assert.Equal(t, []any{`<node name="/org/freedesktop/IBus"/>`}, out)

	out, err = h.coord.Dispatch(h.ctx(), &Call{Interface: Interface, Member: "ListEngines"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	var names []string
	for _, e := range out[0].([]EngineInfo) {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"acme-en", "acme-fr", "zeta"}, names)

	out, err = h.coord.Dispatch(h.ctx(), &Call{Interface: Interface, Member: "ListActiveEngines"})
	require.NoError(t, err)
	active := out[0].([]EngineInfo)
	require.Len(t, active, 2)
	assert.Equal(t, "acme-en", active[0].Name)
	assert.Equal(t, "us", active[0].Layout)
	assert.Equal(t, "fr", active[1].Language)

	out, err = h.coord.Dispatch(h.ctx(), &Call{Sender: ":1.10", Interface: Interface, Member: "CreateInputContext", Args: []any{"gedit"}})
	require.NoError(t, err)
	assert.Equal(t, []any{ContextPathPrefix + "1"}, out)
}

const novaComponent = `<component>
	<name>org.nova.Engine</name>
	<exec>/usr/bin/nova</exec>
	<engines>
		<engine><name>nova</name><longname>Nova</longname></engine>
	</engines>
</component>`

func TestRegisterComponent(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.coord.Dispatch(h.ctx(), &Call{
		Sender:    ":1.40",
		Interface: Interface,
		Member:    "RegisterComponent",
		Args:      []any{novaComponent},
	})
	require.NoError(t, err)
	assert.Nil(t, out)

	s := h.snapshot()
	assert.Equal(t, ":1.40", s.Factories["org.nova.Engine"])
	assert.Equal(t, []string{"nova"}, s.Active)

	path := h.newContext(":1.10", "gedit")
	bound, err := h.coord.RequestEngine(h.ctx(), path, "nova")
	require.NoError(t, err)
	assert.True(t, bound)
	assert.True(t, h.bus.rec.has("factory :1.40 CreateEngine nova"))

	h.coord.NameOwnerChanged(":1.40", ":1.40", "")
	require.Eventually(t, func() bool { return len(h.snapshot().Active) == 0 }, 2*time.Second, time.Millisecond)
}

func TestDispatchKill(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.coord.Dispatch(h.ctx(), &Call{Sender: ":1.10", Interface: Interface, Member: "Kill"})
	require.NoError(t, err)

	select {
	case <-h.coord.Killed():
	case <-time.After(time.Second):
		t.Fatal("kill not signalled")
	}
	select {
	case err := <-h.errc:
		assert.NoError(t, err)
		h.errc <- err
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	// A second kill is harmless.
	_, err = h.coord.Dispatch(h.ctx(), &Call{Interface: Interface, Member: "Kill"})
	assert.NoError(t, err)
}

func TestDispatchRecordsMetrics(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, func(o *Options) { o.Metrics = m })

	_, err := h.coord.Dispatch(h.ctx(), &Call{Interface: Interface, Member: "GetAddress"})
	require.NoError(t, err)
	_, err = h.coord.Dispatch(h.ctx(), &Call{Interface: Interface, Member: "ListFactories"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusCalls.WithLabelValues("GetAddress", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusCalls.WithLabelValues("ListFactories", "error")))
}
