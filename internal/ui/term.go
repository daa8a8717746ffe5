// File: internal/ui/term.go
// Brief: Terminal detection and color-mode helpers.

package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type fdProvider interface {
	Fd() uintptr
}

// TerminalWidth returns the column count of w when it is a terminal.
func TerminalWidth(w io.Writer) (int, bool) {
	if v, ok := w.(fdProvider); ok {
		if cols, _, err := term.GetSize(int(v.Fd())); err == nil {
			return cols, true
		}
	}
	return 0, false
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	v, ok := w.(fdProvider)
	return ok && term.IsTerminal(int(v.Fd()))
}

// ParseColorMode validates a --color value.
func ParseColorMode(mode string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(mode)); m {
	case "", "auto":
		return "auto", nil
	case "always", "never":
		return m, nil
	default:
		return "", fmt.Errorf("invalid --color value %q (allowed: auto, always, never)", mode)
	}
}

// ApplyColorMode sets fatih/color's global switch for output written to w.
// NO_COLOR disables color in auto mode.
func ApplyColorMode(mode string, w io.Writer, getenv func(string) string) {
	switch mode {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		color.NoColor = !IsTerminal(w) || (getenv != nil && getenv("NO_COLOR") != "")
	}
}
