package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout gets ANSI colors.
func ShouldUseColor() bool {
	return colorEnabled(os.Getenv, func() bool { return term.IsTerminal(int(os.Stdout.Fd())) })
}

// colorEnabled applies the NO_COLOR and CLICOLOR conventions in order of
// precedence, falling back to isTTY.
func colorEnabled(getenv func(string) string, isTTY func() bool) bool {
	switch {
	case getenv("NO_COLOR") != "":
		return false
	case strings.TrimSpace(getenv("CLICOLOR_FORCE")) == "1":
		return true
	case strings.TrimSpace(getenv("CLICOLOR")) == "0":
		return false
	}
	return isTTY()
}
