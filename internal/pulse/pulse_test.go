package pulse

import (
	"context"
	"testing"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

func TestValidateSessionID(t *testing.T) {
	cases := []struct {
		id     string
		valid  bool
		legacy bool
	}{
		{"session_1234567890", true, true},
		{"builder-prod.task1", true, false},
		{"bad id", false, false},
	}
	for _, c := range cases {
		got := ValidateSessionID(c.id)
		if got.Valid != c.valid || (got.Valid && got.Legacy != c.legacy) {
			t.Errorf("ValidateSessionID(%q) = %+v, want valid=%v legacy=%v", c.id, got, c.valid, c.legacy)
		}
	}
}

func TestCreateSessionStartsCompliance(t *testing.T) {
	st := store.NewMemStore()
	m := New(st, false)
	ac := &auth.AuthContext{Tenant: "tenant-1", ProgramID: "builder"}

	session, err := m.CreateSession(context.Background(), ac, CreateSessionArgs{ID: "builder-prod.task1", ProgramID: "builder"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != model.StatusActive {
		t.Fatalf("expected active status, got %s", session.Status)
	}
	if session.Compliance.State != model.ComplianceBooting {
		t.Fatalf("expected BOOTING compliance state, got %s", session.Compliance.State)
	}
}

func TestCreateSessionStrictRejectsBadID(t *testing.T) {
	st := store.NewMemStore()
	m := New(st, true)
	ac := &auth.AuthContext{Tenant: "tenant-1", ProgramID: "builder"}

	_, err := m.CreateSession(context.Background(), ac, CreateSessionArgs{ID: "bad id", ProgramID: "builder"})
	if err == nil {
		t.Fatalf("expected strict mode to reject a malformed session id")
	}
}

func TestUpdateSessionTransitionsDone(t *testing.T) {
	st := store.NewMemStore()
	m := New(st, false)
	ac := &auth.AuthContext{Tenant: "tenant-1", ProgramID: "builder"}

	if _, err := m.CreateSession(context.Background(), ac, CreateSessionArgs{ID: "builder-prod.task1", ProgramID: "builder"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := m.UpdateSession(context.Background(), ac, UpdateSessionArgs{SessionID: "builder-prod.task1", Status: model.StatusDone})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var session model.Session
	if err := st.Get(context.Background(), sessionPath(ac.Tenant, "builder-prod.task1"), &session); err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != model.StatusDone {
		t.Fatalf("expected done, got %s", session.Status)
	}
}

func TestUpdateSessionBootChecklistReachesCompliant(t *testing.T) {
	st := store.NewMemStore()
	m := New(st, false)
	ac := &auth.AuthContext{Tenant: "tenant-1", ProgramID: "builder"}
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, ac, CreateSessionArgs{ID: "builder-prod.boot", ProgramID: "builder"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, step := range bootChecklist {
		if err := m.UpdateSession(ctx, ac, UpdateSessionArgs{SessionID: "builder-prod.boot", BootStep: step}); err != nil {
			t.Fatalf("boot step %s: %v", step, err)
		}
	}

	var session model.Session
	if err := st.Get(ctx, sessionPath(ac.Tenant, "builder-prod.boot"), &session); err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Compliance == nil || session.Compliance.State != model.ComplianceCompliant {
		t.Fatalf("expected COMPLIANT after full boot checklist, got %+v", session.Compliance)
	}
}

func TestUpdateSessionJournalingTracksCount(t *testing.T) {
	st := store.NewMemStore()
	m := New(st, false)
	ac := &auth.AuthContext{Tenant: "tenant-1", ProgramID: "builder"}
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, ac, CreateSessionArgs{ID: "builder-prod.journal", ProgramID: "builder"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.UpdateSession(ctx, ac, UpdateSessionArgs{SessionID: "builder-prod.journal", Journaled: true}); err != nil {
		t.Fatalf("journal: %v", err)
	}

	var session model.Session
	if err := st.Get(ctx, sessionPath(ac.Tenant, "builder-prod.journal"), &session); err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Compliance == nil || session.Compliance.JournalCount != 1 || session.Compliance.LastJournalAt == nil {
		t.Fatalf("expected journal count tracked, got %+v", session.Compliance)
	}
}

func TestListSessionsScopedToTenant(t *testing.T) {
	st := store.NewMemStore()
	m := New(st, false)
	ctx := context.Background()

	acA := &auth.AuthContext{Tenant: "tenant-a", ProgramID: "builder"}
	acB := &auth.AuthContext{Tenant: "tenant-b", ProgramID: "builder"}
	if _, err := m.CreateSession(ctx, acA, CreateSessionArgs{ID: "builder-prod.a", ProgramID: "builder"}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := m.CreateSession(ctx, acB, CreateSessionArgs{ID: "builder-prod.b", ProgramID: "builder"}); err != nil {
		t.Fatalf("create b: %v", err)
	}

	sessions, err := m.ListSessions(ctx, acA, ListSessionsFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "builder-prod.a" {
		t.Fatalf("expected only tenant-a's session, got %+v", sessions)
	}
}
