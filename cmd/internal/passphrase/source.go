package passphrase

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase from an environment variable or an
// interactive prompt, caching the first result.
type Source struct {
	envVar string
	label  string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source for the operator keystore that
// checks envVar before prompting on the terminal.
func NewSource(envVar string) *Source {
	return NewLabeledSource(envVar, "operator keystore")
}

// NewLabeledSource is NewSource with a custom prompt label, e.g. "signing key".
func NewLabeledSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label}
}

// Get returns the cached passphrase. A set environment variable wins over the
// prompt; whitespace-only values are rejected.
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

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s passphrase required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s passphrase: ", s.label)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}

		passphrase := string(raw)
		if strings.TrimSpace(passphrase) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}

		s.value = passphrase
	})

	return s.value, s.err
}
