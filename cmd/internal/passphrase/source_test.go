package passphrase

import (
	"errors"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("VEIL_TEST_PASS", "hunter2")
	s := NewSource("VEIL_TEST_PASS")
	s.isTTY = func() bool { t.Fatalf("terminal must not be consulted"); return false }
	got, err := s.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestSourceRejectsBlankVariable(t *testing.T) {
	t.Setenv("VEIL_TEST_PASS", "  ")
	if _, err := NewSource("VEIL_TEST_PASS").Get(); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}

func TestSourcePromptsOnce(t *testing.T) {
	s := NewSource("VEIL_TEST_PASS_UNSET")
	calls := 0
	s.isTTY = func() bool { return true }
	s.prompt = func() ([]byte, error) {
		calls++
		return []byte("typed"), nil
	}
	for range 2 {
		got, err := s.Get()
		if err != nil || got != "typed" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	s := NewSource("")
	s.isTTY = func() bool { return false }
	s.prompt = func() ([]byte, error) { return nil, errors.New("unreachable") }
	got, err := s.Get()
	if err != nil || got != "" {
		t.Fatalf("expected empty passphrase, got %q, %v", got, err)
	}
}
