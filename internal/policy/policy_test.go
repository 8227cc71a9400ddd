package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/airsentry/airsentryd/internal/inspector"
)

func writeRules(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing rules file: %v", err)
	}
	return path
}

func TestNewWithEmptyPathHasNoRules(t *testing.T) {
	eng, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(eng.Rules()) != 0 {
		t.Fatalf("expected no rules, got %d", len(eng.Rules()))
	}
}

func TestNewWithMissingFileIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	eng, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(eng.Rules()) != 0 {
		t.Fatalf("expected no rules, got %d", len(eng.Rules()))
	}
}

func TestPreCheckBlocksMatchingAppUser(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: deny-alice
    pre_action: block
    message: user is blocked
    match:
      app_user: ["alice"]
`)
	eng, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blocked, rule, msg := eng.PreCheck("alice", inspector.DirectionPrompt)
	if !blocked || rule != "deny-alice" || msg != "user is blocked" {
		t.Fatalf("expected block by deny-alice, got blocked=%v rule=%q msg=%q", blocked, rule, msg)
	}

	blocked, _, _ = eng.PreCheck("bob", inspector.DirectionPrompt)
	if blocked {
		t.Fatalf("expected bob not to be blocked")
	}
}

func TestPreCheckGlobMatchesAppUser(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: deny-contractors
    pre_action: block
    match:
      app_user: ["contractor-*"]
`)
	eng, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blocked, _, _ := eng.PreCheck("contractor-42", inspector.DirectionPrompt)
	if !blocked {
		t.Fatalf("expected glob match to block contractor-42")
	}
}

func TestPreCheckRespectsDirection(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: block-response-only
    pre_action: block
    match:
      app_user: ["alice"]
      direction: response
`)
	eng, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if blocked, _, _ := eng.PreCheck("alice", inspector.DirectionPrompt); blocked {
		t.Fatalf("expected rule scoped to response direction not to fire on prompt")
	}
	if blocked, _, _ := eng.PreCheck("alice", inspector.DirectionResponse); !blocked {
		t.Fatalf("expected rule to fire on response direction")
	}
}

func TestPostCheckOverridesToMask(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: soften-injection
    post_action: mask
    match:
      category: ["injection"]
`)
	eng, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v := inspector.Verdict{Category: "injection", Action: "block"}
	out, rule := eng.PostCheck("default", inspector.DirectionPrompt, v)
	if rule != "soften-injection" {
		t.Fatalf("expected soften-injection to match, got rule=%q", rule)
	}
	if out.Action != "mask" {
		t.Fatalf("expected action overridden to mask, got %q", out.Action)
	}
}

func TestPostCheckNoMatchLeavesVerdictUnchanged(t *testing.T) {
	eng, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := inspector.Verdict{Category: "benign", Action: "allow"}
	out, rule := eng.PostCheck("default", inspector.DirectionPrompt, v)
	if rule != "" {
		t.Fatalf("expected no rule to match, got %q", rule)
	}
	if out.Action != "allow" {
		t.Fatalf("expected verdict unchanged, got %+v", out)
	}
}

func TestReloadPicksUpNewRules(t *testing.T) {
	path := writeRules(t, "rules: []\n")
	eng, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(eng.Rules()) != 0 {
		t.Fatalf("expected zero rules initially")
	}

	if err := os.WriteFile(path, []byte("rules:\n  - name: new-rule\n    pre_action: block\n"), 0o644); err != nil {
		t.Fatalf("rewriting rules file: %v", err)
	}
	if err := eng.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(eng.Rules()) != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", len(eng.Rules()))
	}
}
