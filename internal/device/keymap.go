//go:build linux

package device

import evdev "github.com/holoplot/go-evdev"

// usKeymap maps evdev key codes to {plain, shifted} characters for a US layout.
var usKeymap = map[evdev.EvCode][2]rune{
	evdev.KEY_1: {'1', '!'}, evdev.KEY_2: {'2', '@'}, evdev.KEY_3: {'3', '#'},
	evdev.KEY_4: {'4', '$'}, evdev.KEY_5: {'5', '%'}, evdev.KEY_6: {'6', '^'},
	evdev.KEY_7: {'7', '&'}, evdev.KEY_8: {'8', '*'}, evdev.KEY_9: {'9', '('},
	evdev.KEY_0: {'0', ')'}, evdev.KEY_MINUS: {'-', '_'}, evdev.KEY_EQUAL: {'=', '+'},

	evdev.KEY_Q: {'q', 'Q'}, evdev.KEY_W: {'w', 'W'}, evdev.KEY_E: {'e', 'E'},
	evdev.KEY_R: {'r', 'R'}, evdev.KEY_T: {'t', 'T'}, evdev.KEY_Y: {'y', 'Y'},
	evdev.KEY_U: {'u', 'U'}, evdev.KEY_I: {'i', 'I'}, evdev.KEY_O: {'o', 'O'},
	evdev.KEY_P: {'p', 'P'}, evdev.KEY_LEFTBRACE: {'[', '{'}, evdev.KEY_RIGHTBRACE: {']', '}'},

	evdev.KEY_A: {'a', 'A'}, evdev.KEY_S: {'s', 'S'}, evdev.KEY_D: {'d', 'D'},
	evdev.KEY_F: {'f', 'F'}, evdev.KEY_G: {'g', 'G'}, evdev.KEY_H: {'h', 'H'},
	evdev.KEY_J: {'j', 'J'}, evdev.KEY_K: {'k', 'K'}, evdev.KEY_L: {'l', 'L'},
	evdev.KEY_SEMICOLON: {';', ':'}, evdev.KEY_APOSTROPHE: {'\'', '"'}, evdev.KEY_GRAVE: {'`', '~'},
	evdev.KEY_BACKSLASH: {'\\', '|'},

	evdev.KEY_Z: {'z', 'Z'}, evdev.KEY_X: {'x', 'X'}, evdev.KEY_C: {'c', 'C'},
	evdev.KEY_V: {'v', 'V'}, evdev.KEY_B: {'b', 'B'}, evdev.KEY_N: {'n', 'N'},
	evdev.KEY_M: {'m', 'M'}, evdev.KEY_COMMA: {',', '<'}, evdev.KEY_DOT: {'.', '>'},
	evdev.KEY_SLASH: {'/', '?'},

	evdev.KEY_SPACE: {' ', ' '}, evdev.KEY_TAB: {'\t', '\t'}, evdev.KEY_ENTER: {'\n', '\n'},
}

// characterFor returns the character produced by code, or 0 for keys that
// produce none. Ctrl and Alt chords produce no character.
func characterFor(code evdev.EvCode, mods KeyFlags) rune {
	if mods&(ModCtrl|ModAlt) != 0 {
		return 0
	}
	chars, ok := usKeymap[code]
	if !ok {
		return 0
	}
	if mods&ModShift != 0 {
		return chars[1]
	}
	return chars[0]
}
