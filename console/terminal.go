package console

import (
	"os"

	"golang.org/x/term"
)

func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// MakeRaw switches f to raw mode so keys arrive unbuffered and unechoed.
// The returned func restores the previous mode.
func MakeRaw(f *os.File) (restore func() error, err error) {
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() error {
		return term.Restore(fd, state)
	}, nil
}
