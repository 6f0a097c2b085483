package guard

import (
	"errors"
	"strings"
	"testing"
)

func TestGuard_CheckUser(t *testing.T) {
	g := New(Policy{
		AllowedUserGlobs: []string{"team-*", "svc/**"},
	})

	t.Run("Allowed", func(t *testing.T) {
		for _, u := range []string{"team-alice", "svc/bot/1"} {
			if v := g.CheckUser(u); v != nil {
				t.Errorf("Unexpected violation for %q: %v", u, v.Message)
			}
		}
	})

	t.Run("Blocked", func(t *testing.T) {
		for _, u := range []string{"mallory", "team/x", "svcx"} {
			if v := g.CheckUser(u); v == nil {
				t.Errorf("Expected violation for %q", u)
			}
		}
	})

	t.Run("Empty list allows all", func(t *testing.T) {
		if v := New(Policy{}).CheckUser("anyone"); v != nil {
			t.Errorf("Unexpected violation: %v", v)
		}
	})
}

func TestGuard_CheckUtterance(t *testing.T) {
	g := New(Policy{MaxUtteranceLength: 5})

	if v := g.CheckUtterance("héllo"); v != nil {
		t.Errorf("Length must count runes, got %v", v)
	}
	v := g.CheckUtterance("hello!")
	if v == nil {
		t.Fatal("Expected violation")
	}
	if v.Rule != "max_utterance_length" {
		t.Errorf("Unexpected rule %q", v.Rule)
	}
	if v := New(Policy{}).CheckUtterance(strings.Repeat("x", 100000)); v != nil {
		t.Errorf("Zero limit must disable the check")
	}
}

func TestGuard_ClampTopK(t *testing.T) {
	g := New(Policy{MaxTopK: 10})
	cases := map[int]int{-1: -1, 0: 0, 5: 5, 10: 10, 50: 10}
	for in, want := range cases {
		if got := g.ClampTopK(in); got != want {
			t.Errorf("ClampTopK(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestGuard_CheckHistory(t *testing.T) {
	g := New(Policy{MaxHistoryTurns: 2})
	if v := g.CheckHistory(2); v != nil {
		t.Errorf("Unexpected violation: %v", v)
	}
	if v := g.CheckHistory(3); v == nil {
		t.Error("Expected violation")
	}
}

func TestGuard_Check(t *testing.T) {
	g := New(DefaultPolicy)
	if err := g.Check("alice", "I use Go"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	err := g.Check("alice", strings.Repeat("a", DefaultPolicy.MaxUtteranceLength+1))
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("Expected *Violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "max_utterance_length") {
		t.Errorf("Error should name the rule: %q", err.Error())
	}
}
