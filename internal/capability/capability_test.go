package capability

import "testing"

func TestEveryKnownToolHasNonEmptyCapability(t *testing.T) {
	for tool, required := range toolCapabilities {
		if required == "" {
			t.Errorf("tool %q has an empty required capability", tool)
		}
	}
}

func TestEvaluateDeniesWithoutGrant(t *testing.T) {
	d := Evaluate("create_task", []string{"dispatch.read"})
	if d.Allowed {
		t.Fatalf("expected denial without dispatch.write")
	}
	if d.Required != "dispatch.write" {
		t.Fatalf("expected required=dispatch.write, got %q", d.Required)
	}
}

func TestEvaluateWildcardShortCircuits(t *testing.T) {
	for tool := range toolCapabilities {
		if d := Evaluate(tool, []string{Wildcard}); !d.Allowed {
			t.Errorf("wildcard must grant %q", tool)
		}
	}
}

func TestEvaluateUnknownToolPassesThrough(t *testing.T) {
	if d := Evaluate("not_a_tool", nil); !d.Allowed {
		t.Fatalf("unknown tools pass through the gate; the handler decides")
	}
}

func TestDefaultsForUnknownProgramIsReadOnly(t *testing.T) {
	caps := DefaultsFor("mystery-program")
	for _, c := range caps {
		if c == Wildcard {
			t.Fatalf("unknown programs must not default to wildcard")
		}
	}
	if Check("dispatch.write", caps) {
		t.Fatalf("unknown programs must not hold write capabilities by default")
	}
}

func TestIsPrivileged(t *testing.T) {
	if !IsPrivileged("legacy") || !IsPrivileged("mobile") {
		t.Fatalf("legacy and mobile are the privileged set")
	}
	if IsPrivileged("builder") {
		t.Fatalf("builder must not be privileged")
	}
}
