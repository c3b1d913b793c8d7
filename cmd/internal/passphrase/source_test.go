package passphrase

import (
	"errors"
	"strings"
	"testing"
)

func newTestSource(env map[string]string, terminal bool, prompt func(string) (string, error)) *Source {
	s := NewSource("LENDCTL_PASSPHRASE", "")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.prompt = prompt
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	prompted := false
	s := newTestSource(map[string]string{"LENDCTL_PASSPHRASE": " secret "}, true, func(string) (string, error) {
		prompted = true
		return "other", nil
	})
	value, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != " secret " || prompted {
		t.Fatalf("expected verbatim env value without prompting, got %q prompted=%v", value, prompted)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	s := newTestSource(map[string]string{"LENDCTL_PASSPHRASE": "   "}, true, nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected blank env error, got %v", err)
	}
}

func TestSourceRequiresTerminal(t *testing.T) {
	s := newTestSource(nil, false, nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "LENDCTL_PASSPHRASE") {
		t.Fatalf("expected env hint, got %v", err)
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	calls := 0
	s := newTestSource(nil, true, func(label string) (string, error) {
		calls++
		if label != "keystore passphrase" {
			t.Fatalf("unexpected label %q", label)
		}
		return "typed", nil
	})
	for i := 0; i < 2; i++ {
		value, err := s.Get()
		if err != nil || value != "typed" {
			t.Fatalf("get %d: %q %v", i, value, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one prompt, got %d", calls)
	}
}

func TestSourcePromptErrors(t *testing.T) {
	s := newTestSource(nil, true, func(string) (string, error) { return "", errors.New("tty closed") })
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "tty closed") {
		t.Fatalf("expected prompt error, got %v", err)
	}

	s = newTestSource(nil, true, func(string) (string, error) { return "  ", nil })
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("expected empty error, got %v", err)
	}
}
