package session

import "unicode/utf8"

// keysyms maps the DOM-like key identifiers spec §6 lists to their X11
// keysym values. Single-character keys are not listed here — they map to
// their Unicode code point at translate time.
var keysyms = map[string]uint32{
	"Control":    0xffe3,
	"Shift":      0xffe1,
	"Alt":        0xffe9,
	"Meta":       0xffeb,
	"Enter":      0xff0d,
	"Escape":     0xff1b,
	"ArrowUp":    0xff52,
	"ArrowDown":  0xff54,
	"ArrowLeft":  0xff51,
	"ArrowRight": 0xff53,
	"Backspace":  0xff08,
	"Delete":     0xffff,
	"Home":       0xff50,
	"End":        0xff57,
	"PageUp":     0xff55,
	"PageDown":   0xff56,
	"Insert":     0xff63,
	"Tab":        0xff09,
	"Space":      0x0020,
	"F1":         0xffbe,
	"F2":         0xffbf,
	"F3":         0xffc0,
	"F4":         0xffc1,
	"F5":         0xffc2,
	"F6":         0xffc3,
	"F7":         0xffc4,
	"F8":         0xffc5,
	"F9":         0xffc6,
	"F10":        0xffc7,
	"F11":        0xffc8,
	"F12":        0xffc9,
}

// keysymFor resolves a DOM-like key identifier to an X11 keysym. The second
// return value is false for keys with no mapping (spec §6: "unmapped keys
// are logged and dropped").
func keysymFor(key string) (uint32, bool) {
	if sym, ok := keysyms[key]; ok {
		return sym, true
	}
	r, size := utf8.DecodeRuneInString(key)
	if size == len(key) && r != utf8.RuneError {
		return uint32(r), true
	}
	return 0, false
}
