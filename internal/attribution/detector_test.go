package attribution

import (
	"testing"
)

func TestDetectOperatorFromEnv(t *testing.T) {
	t.Setenv("FEEDERWATCH_OPERATOR", "ranger-7")
	t.Setenv("USER", "someone-else")
	got := detectOperatorUncached()
	if got != "ranger-7" {
		t.Errorf("expected ranger-7, got %s", got)
	}
}

func TestDetectOperatorFromUser(t *testing.T) {
	t.Setenv("FEEDERWATCH_OPERATOR", "")
	t.Setenv("USER", "sam")
	got := detectOperatorUncached()
	if got != "sam" {
		t.Errorf("expected sam, got %s", got)
	}
}

func TestDetectOperatorFallback(t *testing.T) {
	t.Setenv("FEEDERWATCH_OPERATOR", "")
	t.Setenv("USER", "")
	got := detectOperatorUncached()
	// Either a real git name or the default, never empty
	if got == "" {
		t.Error("expected non-empty result")
	}
}

func TestResolvePrefersExplicit(t *testing.T) {
	if got := Resolve("  alex "); got != "alex" {
		t.Errorf("expected alex, got %q", got)
	}
	if got := Resolve(""); got == "" {
		t.Error("expected a detected operator")
	}
}
