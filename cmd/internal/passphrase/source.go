package passphrase

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the identity keystore passphrase once, from an environment
// variable or an interactive prompt, and caches it.
type Source struct {
	envVar string
	prompt func() ([]byte, error)
	isTTY  func() bool

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on the terminal.
func NewSource(envVar string) *Source {
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: func() ([]byte, error) {
			fmt.Fprint(os.Stderr, "Enter identity keystore passphrase: ")
			defer fmt.Fprintln(os.Stderr)
			return term.ReadPassword(fd)
		},
		isTTY: func() bool { return term.IsTerminal(fd) },
	}
}

// Get returns the passphrase. A set but blank variable is an error; without
// the variable or a terminal the empty passphrase is used, which keeps
// unattended first runs working.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		if !s.isTTY() {
			return
		}
		raw, err := s.prompt()
		if err != nil {
			s.err = fmt.Errorf("read passphrase: %w", err)
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}
