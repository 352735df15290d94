package hotkey

var keysyms = map[string]uint32{
	"space":       0x0020,
	"exclam":      0x0021,
	"grave":       0x0060,
	"asciitilde":  0x007e,
	"BackSpace":   0xff08,
	"Tab":         0xff09,
	"Return":      0xff0d,
	"Pause":       0xff13,
	"Scroll_Lock": 0xff14,
	"Escape":      0xff1b,
	"Delete":      0xffff,

	"Multi_key":         0xff20,
	"Kanji":             0xff21,
	"Muhenkan":          0xff22,
	"Henkan":            0xff23,
	"Hiragana_Katakana": 0xff27,
	"Zenkaku_Hankaku":   0xff2a,
	"Eisu_toggle":       0xff30,
	"Hangul":            0xff31,
	"Hangul_Hanja":      0xff34,

	"Home":      0xff50,
	"Left":      0xff51,
	"Up":        0xff52,
	"Right":     0xff53,
	"Down":      0xff54,
	"Page_Up":   0xff55,
	"Page_Down": 0xff56,
	"End":       0xff57,
	"Insert":    0xff63,
	"Menu":      0xff67,

	"F1":  0xffbe,
	"F2":  0xffbf,
	"F3":  0xffc0,
	"F4":  0xffc1,
	"F5":  0xffc2,
	"F6":  0xffc3,
	"F7":  0xffc4,
	"F8":  0xffc5,
	"F9":  0xffc6,
	"F10": 0xffc7,
	"F11": 0xffc8,
	"F12": 0xffc9,

	"Shift_L":   0xffe1,
	"Shift_R":   0xffe2,
	"Control_L": 0xffe3,
	"Control_R": 0xffe4,
	"Caps_Lock": 0xffe5,
	"Meta_L":    0xffe7,
	"Meta_R":    0xffe8,
	"Alt_L":     0xffe9,
	"Alt_R":     0xffea,
	"Super_L":   0xffeb,
	"Super_R":   0xffec,
	"Hyper_L":   0xffed,
	"Hyper_R":   0xffee,
}

var keysymNames = func() map[uint32]string {
	m := make(map[uint32]string, len(keysyms))
	for name, v := range keysyms {
		m[v] = name
	}
	return m
}()
