package hotkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Binding
		wantErr bool
	}{
		{"Control+space", Binding{0x20, ControlMask}, false},
		{"ctrl+Space", Binding{}, true},
		{"Shift+Alt+Release+a", Binding{'a', ShiftMask | Mod1Mask | ReleaseMask}, false},
		{"Super+A", Binding{'a', SuperMask}, false},
		{"Zenkaku_Hankaku", Binding{0xff2a, 0}, false},
		{"Control++", Binding{'+', ControlMask}, false},
		{"Alt+0xff7e", Binding{0xff7e, Mod1Mask}, false},
		{" Control + grave ", Binding{0x60, ControlMask}, false},
		{"Bogus+space", Binding{}, true},
		{"Control+nokey", Binding{}, true},
		{"", Binding{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindingString(t *testing.T) {
	assert.Equal(t, "Control+space", MustParse("ctrl+space").String())
	assert.Equal(t, "Shift+Alt+Release+a", MustParse("Release+Alt+Shift+a").String())
	assert.Equal(t, "Hangul", MustParse("Hangul").String())
}

func TestMatchIgnoresLockAndNumLock(t *testing.T) {
	b := MustParse(DefaultTrigger)

	assert.True(t, b.Matches(0x20, ControlMask))
	assert.True(t, b.Matches(0x20, ControlMask|LockMask|Mod2Mask))
	assert.False(t, b.Matches(0x20, ControlMask|ShiftMask))
	assert.False(t, b.Matches(0x20, ControlMask|ReleaseMask))
	assert.False(t, b.Matches(0x20, 0))
	assert.False(t, b.Matches('a', ControlMask))
}

func TestMatchFoldsCapitals(t *testing.T) {
	b := MustParse("Shift+Control+k")
	assert.True(t, b.Matches('K', ShiftMask|ControlMask))
}

func TestProfile(t *testing.T) {
	p := NewProfile()
	require.NoError(t, p.Add("Control+space", Trigger))
	require.NoError(t, p.Add("Control+space", Trigger))
	require.NoError(t, p.Add("Hangul", Trigger))
	require.NoError(t, p.Add("Control+Shift+n", Event("next-engine")))

	assert.Len(t, p.Bindings(Trigger), 2)

	ev, ok := p.Match(0x20, ControlMask)
	require.True(t, ok)
	assert.Equal(t, Trigger, ev)

	ev, ok = p.Match('N', ControlMask|ShiftMask)
	require.True(t, ok)
	assert.Equal(t, Event("next-engine"), ev)

	p.RemoveEvent(Trigger)
	_, ok = p.Match(0x20, ControlMask)
	assert.False(t, ok)
	assert.Len(t, p.Bindings(Event("next-engine")), 1)
}

func TestReload(t *testing.T) {
	p := NewProfile()

	errs := p.Reload(Trigger, nil, DefaultTrigger)
	assert.Empty(t, errs)
	assert.Equal(t, []Binding{MustParse(DefaultTrigger)}, p.Bindings(Trigger))

	errs = p.Reload(Trigger, []string{"Alt+grave", "Shift+Hangul"}, DefaultTrigger)
	assert.Empty(t, errs)
	assert.Equal(t, []Binding{MustParse("Alt+grave"), MustParse("Shift+Hangul")}, p.Bindings(Trigger))

	errs = p.Reload(Trigger, []string{"Nope+x", "Shift+space"}, DefaultTrigger)
	assert.Len(t, errs, 1)
	assert.Equal(t, []Binding{MustParse("Shift+space")}, p.Bindings(Trigger))

	errs = p.Reload(Trigger, []string{"Nope+x"}, DefaultTrigger)
	assert.Len(t, errs, 1)
	assert.Empty(t, p.Bindings(Trigger), "a list with no valid key does not restore the default")

	errs = p.Reload(NextEngine, nil, "")
	assert.Empty(t, errs)
	assert.Empty(t, p.Bindings(NextEngine))
}
