// Package hotkey parses key bindings such as "Control+space" and matches
// key events against a profile of bindings grouped by event name.
package hotkey

import (
	"fmt"
	"strconv"
	"strings"
)

// Modifier masks carried in a key event's state.
const (
	ShiftMask   uint32 = 1 << 0
	LockMask    uint32 = 1 << 1
	ControlMask uint32 = 1 << 2
	Mod1Mask    uint32 = 1 << 3
	Mod2Mask    uint32 = 1 << 4
	Mod3Mask    uint32 = 1 << 5
	Mod4Mask    uint32 = 1 << 6
	Mod5Mask    uint32 = 1 << 7
	SuperMask   uint32 = 1 << 26
	HyperMask   uint32 = 1 << 27
	MetaMask    uint32 = 1 << 28
	ReleaseMask uint32 = 1 << 30

	ModifierMask uint32 = 0x5c001fff
)

// matchMask keeps the modifiers a binding can name. Lock and NumLock
// (Mod2) never take part in matching.
const matchMask = ShiftMask | ControlMask | Mod1Mask | Mod3Mask | Mod4Mask | Mod5Mask |
	SuperMask | HyperMask | MetaMask | ReleaseMask

// Event names a logical action bound to hotkeys.
type Event string

const (
	// Trigger toggles input-method engagement.
	Trigger Event = "trigger"
	// NextEngine and PrevEngine cycle through the active engines.
	NextEngine Event = "next-engine"
	PrevEngine Event = "prev-engine"
)

// DefaultTrigger is used when no trigger binding is configured.
const DefaultTrigger = "Control+space"

var modifierNames = map[string]uint32{
	"shift":   ShiftMask,
	"lock":    LockMask,
	"control": ControlMask,
	"ctrl":    ControlMask,
	"alt":     Mod1Mask,
	"mod1":    Mod1Mask,
	"mod2":    Mod2Mask,
	"mod3":    Mod3Mask,
	"mod4":    Mod4Mask,
	"mod5":    Mod5Mask,
	"super":   SuperMask,
	"hyper":   HyperMask,
	"meta":    MetaMask,
	"release": ReleaseMask,
}

var modifierOrder = []struct {
	mask uint32
	name string
}{
	{ShiftMask, "Shift"},
	{LockMask, "Lock"},
	{ControlMask, "Control"},
	{Mod1Mask, "Alt"},
	{Mod2Mask, "Mod2"},
	{Mod3Mask, "Mod3"},
	{Mod4Mask, "Mod4"},
	{Mod5Mask, "Mod5"},
	{SuperMask, "Super"},
	{HyperMask, "Hyper"},
	{MetaMask, "Meta"},
	{ReleaseMask, "Release"},
}

// Binding is a keysym plus the modifiers that must be held.
type Binding struct {
	Keyval    uint32
	Modifiers uint32
}

// Parse reads a binding of the form "Mod+Mod+key". Modifier names are
// case-insensitive; the key is a keysym name, a single character or a
// hex keysym such as "0xff7e".
func Parse(s string) (Binding, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Binding{}, fmt.Errorf("empty key binding")
	}

	parts := strings.Split(s, "+")
	// "Control++" binds the plus key
	if strings.HasSuffix(s, "++") {
		parts = append(parts[:len(parts)-2], "+")
	}

	var b Binding
	for _, mod := range parts[:len(parts)-1] {
		mask, ok := modifierNames[strings.ToLower(strings.TrimSpace(mod))]
		if !ok {
			return Binding{}, fmt.Errorf("unknown modifier %q in %q", mod, s)
		}
		b.Modifiers |= mask
	}

	key := strings.TrimSpace(parts[len(parts)-1])
	keyval, ok := Keyval(key)
	if !ok {
		return Binding{}, fmt.Errorf("unknown key %q in %q", key, s)
	}
	b.Keyval = normalize(keyval)
	return b, nil
}

// MustParse is Parse for static bindings.
func MustParse(s string) Binding {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

func (b Binding) String() string {
	var parts []string
	for _, m := range modifierOrder {
		if b.Modifiers&m.mask != 0 {
			parts = append(parts, m.name)
		}
	}
	parts = append(parts, KeyvalName(b.Keyval))
	return strings.Join(parts, "+")
}

// Matches reports whether a key event fires the binding.
func (b Binding) Matches(keyval, state uint32) bool {
	return normalize(keyval) == b.Keyval && state&matchMask == b.Modifiers&matchMask
}

// normalize folds Latin capitals so Shift+A and Shift+a compare equal.
func normalize(keyval uint32) uint32 {
	if keyval >= 'A' && keyval <= 'Z' {
		return keyval + ('a' - 'A')
	}
	return keyval
}

type entry struct {
	binding Binding
	event   Event
}

// Profile is an ordered set of bindings tagged with events.
type Profile struct {
	entries []entry
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{}
}

// Add binds a parsed key string to an event.
func (p *Profile) Add(key string, ev Event) error {
	b, err := Parse(key)
	if err != nil {
		return err
	}
	p.AddBinding(b, ev)
	return nil
}

// AddBinding binds b to ev. Duplicate pairs are ignored.
func (p *Profile) AddBinding(b Binding, ev Event) {
	for _, e := range p.entries {
		if e.binding == b && e.event == ev {
			return
		}
	}
	p.entries = append(p.entries, entry{binding: b, event: ev})
}

// RemoveEvent drops every binding tagged ev.
func (p *Profile) RemoveEvent(ev Event) {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.event != ev {
			kept = append(kept, e)
		}
	}
	p.entries = kept
}

// Bindings returns the bindings tagged ev in insertion order.
func (p *Profile) Bindings(ev Event) []Binding {
	var out []Binding
	for _, e := range p.entries {
		if e.event == ev {
			out = append(out, e.binding)
		}
	}
	return out
}

// Match returns the event bound to a key event, if any. The first
// matching binding wins.
func (p *Profile) Match(keyval, state uint32) (Event, bool) {
	for _, e := range p.entries {
		if e.binding.Matches(keyval, state) {
			return e.event, true
		}
	}
	return "", false
}

// Reload replaces the bindings for ev with keys. def is bound only when
// keys is empty; keys that fail to parse are skipped and returned as
// errors, so a list with no valid entry leaves ev unbound.
func (p *Profile) Reload(ev Event, keys []string, def string) []error {
	p.RemoveEvent(ev)

	if len(keys) == 0 {
		if def == "" {
			return nil
		}
		if err := p.Add(def, ev); err != nil {
			return []error{err}
		}
		return nil
	}

	var errs []error
	for _, k := range keys {
		if err := p.Add(k, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Keyval resolves a key name to its keysym.
func Keyval(name string) (uint32, bool) {
	if v, ok := keysyms[name]; ok {
		return v, true
	}
	if strings.HasPrefix(name, "0x") {
		v, err := strconv.ParseUint(name[2:], 16, 32)
		if err == nil {
			return uint32(v), true
		}
	}
	if len(name) == 1 && name[0] >= 0x20 && name[0] < 0x7f {
		return uint32(name[0]), true
	}
	return 0, false
}

// KeyvalName returns the name of a keysym.
func KeyvalName(keyval uint32) string {
	if name, ok := keysymNames[keyval]; ok {
		return name
	}
	if keyval > 0x20 && keyval < 0x7f {
		return string(rune(keyval))
	}
	return fmt.Sprintf("0x%x", keyval)
}
