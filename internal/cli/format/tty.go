package format

import (
	"os"

	"golang.org/x/term"
)

// IsTTY reports whether stdout should get ANSI formatting: it must be a
// terminal, NO_COLOR must be unset, and TERM must name a capable
// terminal. Piped output always renders plain.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	switch os.Getenv("TERM") {
	case "", "dumb":
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
