package coreblock

import "testing"

func TestInitializeCreatesAutoCreatedKinds(t *testing.T) {
	m := New(Config{UserID: "u1"})
	m.Initialize()

	for _, k := range []Kind{SystemPrompt, UserPersona, TaskContext, KeyFacts, UserPreferences, WorkingMemory} {
		if _, ok := m.Get(k); !ok {
			t.Fatalf("expected %s to be auto-created", k)
		}
	}
	// Created when needed, not auto-created at Initialize.
	for _, k := range []Kind{ConversationSummary, ActiveGoals} {
		if _, ok := m.Get(k); ok {
			t.Fatalf("did not expect %s to be auto-created", k)
		}
	}
}

func TestUpdateCreatesIfAbsent(t *testing.T) {
	m := New(Config{UserID: "u1"})
	e := m.Update(ActiveGoals, "ship the release")
	if !e.Active {
		t.Fatal("expected newly-created block via Update to be active")
	}
	text, _ := e.Block.Content.Searchable()
	if text != "ship the release" {
		t.Fatalf("want %q, got %q", "ship the release", text)
	}
}

func TestDeactivateRefusesEssential(t *testing.T) {
	m := New(Config{UserID: "u1"})
	m.Initialize()
	if err := m.Deactivate(SystemPrompt); err == nil {
		t.Fatal("expected an error deactivating an essential kind")
	}
}

func TestDeactivateNonEssential(t *testing.T) {
	m := New(Config{UserID: "u1"})
	m.Initialize()
	if err := m.Deactivate(TaskContext); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	e, _ := m.Get(TaskContext)
	if e.Active {
		t.Fatal("expected TaskContext to be inactive after Deactivate")
	}
}

func TestFormatForContextOrdersByPriority(t *testing.T) {
	m := New(Config{UserID: "u1"})
	m.Initialize()
	out := m.FormatForContext()

	sysIdx := indexOf(out, "# System Prompt")
	workIdx := indexOf(out, "# Working Memory")
	if sysIdx == -1 || workIdx == -1 {
		t.Fatalf("expected both sections present, got %q", out)
	}
	if sysIdx > workIdx {
		t.Fatal("expected System Prompt section before Working Memory")
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestAutoManageDeactivatesOldestFirstUntilUnderBudget(t *testing.T) {
	m := New(Config{UserID: "u1", TotalTokenBudget: 1}) // force over-budget immediately
	m.Initialize()

	m.AutoManage()

	stats := m.Stats()
	essentialsOnly := true
	for _, k := range AllKinds() {
		e, ok := m.Get(k)
		if ok && e.Active && !specs[k].essential {
			essentialsOnly = false
		}
	}
	if !essentialsOnly {
		t.Fatalf("expected only essential blocks to remain active, stats=%+v", stats)
	}
}

func TestActivateCreatesMissingKind(t *testing.T) {
	m := New(Config{UserID: "u1"})
	m.Activate(KeyFacts)
	e, ok := m.Get(KeyFacts)
	if !ok || !e.Active {
		t.Fatal("expected Activate to create and activate the kind")
	}
}
