// Package pulse implements program sessions: create/update/list, heartbeat,
// compliance tracking, and session-id format validation.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/lifecycle"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

var sessionIDPattern = regexp.MustCompile(`^([A-Za-z0-9_-]+)(?:-([A-Za-z0-9_-]+))?\.([A-Za-z0-9_-]+)$`)
var legacyNumericPattern = regexp.MustCompile(`^session_\d+$`)
var legacyBarePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// IDValidation is the outcome of validating a session-id string.
type IDValidation struct {
	Valid  bool
	Legacy bool
}

// ValidateSessionID checks id against the canonical
// `{program}[-{env}].{task}` shape, recognizing two legacy shapes that
// warn rather than fail: `session_\d+` and bare alphanumerics.
func ValidateSessionID(id string) IDValidation {
	if sessionIDPattern.MatchString(id) {
		return IDValidation{Valid: true, Legacy: false}
	}
	if legacyNumericPattern.MatchString(id) || legacyBarePattern.MatchString(id) {
		return IDValidation{Valid: true, Legacy: true}
	}
	return IDValidation{Valid: false, Legacy: false}
}

// Module implements the pulse tool handlers.
type Module struct {
	store  store.Store
	strict bool
}

// New constructs a pulse Module. strict controls whether session-id
// violations are rejected (true) or accepted (false). In either mode an id
// of a legacy shape is stored with Legacy set; no warning is emitted.
func New(st store.Store, strict bool) *Module {
	return &Module{store: st, strict: strict}
}

func sessionPath(tenant, id string) string {
	return fmt.Sprintf("tenants/%s/sessions/%s", tenant, id)
}

// ErrInvalidSessionID is returned by CreateSession in strict mode when id
// does not match any recognized shape.
type ErrInvalidSessionID struct{ ID string }

func (e *ErrInvalidSessionID) Error() string {
	return fmt.Sprintf("pulse: invalid session id %q", e.ID)
}

// CreateSessionArgs is the create_session tool's argument shape.
type CreateSessionArgs struct {
	ID        string
	ProgramID string
	Name      string
}

// CreateSession validates the session id, transitions created->active, and
// starts the compliance state machine at UNREGISTERED->BOOTING.
func (m *Module) CreateSession(ctx context.Context, ac *auth.AuthContext, a CreateSessionArgs) (*model.Session, error) {
	validation := ValidateSessionID(a.ID)
	if !validation.Valid && m.strict {
		return nil, &ErrInvalidSessionID{ID: a.ID}
	}

	now := m.store.Now()
	if _, err := lifecycle.Transition(lifecycle.KindSession, model.StatusCreated, model.StatusActive); err != nil {
		return nil, err
	}

	session := model.Session{
		ProgramID:     a.ProgramID,
		Status:        model.StatusActive,
		Name:          a.Name,
		CreatedAt:     now,
		LastUpdate:    now,
		LastHeartbeat: now,
		Legacy:        validation.Legacy,
		Compliance: &model.ComplianceBlock{
			State:         model.ComplianceBooting,
			BootChecklist: map[string]bool{},
			StateHistory:  []string{string(model.ComplianceUnregistered), string(model.ComplianceBooting)},
		},
	}
	if err := m.store.Create(ctx, sessionPath(ac.Tenant, a.ID), &session); err != nil {
		return nil, fmt.Errorf("pulse: create session: %w", err)
	}
	session.ID = a.ID
	return &session, nil
}

// bootChecklist is the fixed set of boot steps a session must report
// before its compliance state advances from BOOTING to COMPLIANT.
var bootChecklist = []string{"identity", "capabilities", "journal"}

// journalWarnAfter / journalDegradeAfter bound how stale a session's
// journaling may go before its compliance state decays.
const (
	journalWarnAfter    = 30 * time.Minute
	journalDegradeAfter = 2 * time.Hour
)

// UpdateSessionArgs is the update_session tool's argument shape.
type UpdateSessionArgs struct {
	SessionID     string
	CurrentAction string
	Progress      float64
	Status        model.Status // "" means no transition requested

	// BootStep marks one boot-checklist item done; the session turns
	// COMPLIANT once every item in bootChecklist has been reported.
	BootStep string
	// Journaled records a journaling beat, restoring a WARNED/DEGRADED
	// session to COMPLIANT.
	Journaled bool
}

// UpdateSession bumps heartbeat/progress/currentAction, advances the
// compliance state machine, and, if Status is set, transitions via the
// lifecycle engine to any status the session transition table allows.
func (m *Module) UpdateSession(ctx context.Context, ac *auth.AuthContext, a UpdateSessionArgs) error {
	path := sessionPath(ac.Tenant, a.SessionID)
	now := m.store.Now()

	return m.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
		ops := []store.Op{
			store.ServerTimestamp("lastHeartbeat"),
			store.ServerTimestamp("lastUpdate"),
		}
		if a.CurrentAction != "" {
			ops = append(ops, store.Op{Field: "currentAction", Value: a.CurrentAction})
		}
		if a.Progress > 0 {
			ops = append(ops, store.Op{Field: "progress", Value: a.Progress})
		}

		if compliance := decodeCompliance(current); compliance != nil {
			if next := advanceCompliance(compliance, a, now); next != nil {
				ops = append(ops, store.Op{Field: "compliance", Value: next})
			}
		}

		if a.Status != "" {
			from := model.Status(fmt.Sprintf("%v", current["status"]))
			to, err := lifecycle.Transition(lifecycle.KindSession, from, a.Status)
			if err != nil {
				return nil, err
			}
			ops = append(ops, store.Op{Field: "status", Value: string(to)})
		}
		return ops, nil
	})
}

func decodeCompliance(current map[string]interface{}) *model.ComplianceBlock {
	raw, ok := current["compliance"]
	if !ok || raw == nil {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var block model.ComplianceBlock
	if err := json.Unmarshal(encoded, &block); err != nil {
		return nil
	}
	return &block
}

// advanceCompliance applies one update's boot/journal signals plus the
// stale-journal decay rules, returning the updated block or nil when
// nothing changed.
func advanceCompliance(c *model.ComplianceBlock, a UpdateSessionArgs, now time.Time) *model.ComplianceBlock {
	changed := false
	setState := func(s model.ComplianceState) {
		if c.State != s {
			c.State = s
			c.StateHistory = append(c.StateHistory, string(s))
			changed = true
		}
	}

	if a.BootStep != "" {
		if c.BootChecklist == nil {
			c.BootChecklist = map[string]bool{}
		}
		if !c.BootChecklist[a.BootStep] {
			c.BootChecklist[a.BootStep] = true
			changed = true
		}
		complete := true
		for _, step := range bootChecklist {
			if !c.BootChecklist[step] {
				complete = false
				break
			}
		}
		if complete && c.State == model.ComplianceBooting {
			setState(model.ComplianceCompliant)
		}
	}

	if a.Journaled {
		c.JournalCount++
		t := now
		c.LastJournalAt = &t
		changed = true
		if c.State == model.ComplianceWarned || c.State == model.ComplianceDegraded {
			setState(model.ComplianceCompliant)
		}
	} else if (c.State == model.ComplianceCompliant || c.State == model.ComplianceWarned) && c.LastJournalAt != nil {
		switch age := now.Sub(*c.LastJournalAt); {
		case age > journalDegradeAfter:
			setState(model.ComplianceDegraded)
		case age > journalWarnAfter:
			setState(model.ComplianceWarned)
		}
	}

	if !changed {
		return nil
	}
	return c
}

// ListSessionsFilters narrows list_sessions queries.
type ListSessionsFilters struct {
	ProgramID string
	Status    model.Status
}

// ListSessions returns the tenant's non-archived sessions ordered by
// lastUpdate desc.
func (m *Module) ListSessions(ctx context.Context, ac *auth.AuthContext, f ListSessionsFilters) ([]model.Session, error) {
	filters := []store.Filter{{Field: "archived", Op: "==", Value: false}}
	if f.ProgramID != "" {
		filters = append(filters, store.Filter{Field: "programId", Op: "==", Value: f.ProgramID})
	}
	if f.Status != "" {
		filters = append(filters, store.Filter{Field: "status", Op: "==", Value: string(f.Status)})
	}

	docs, err := m.store.Query(ctx, store.Query{
		Parent:     "tenants/" + ac.Tenant,
		Collection: "sessions",
		Filters:    filters,
		OrderBy:    "lastUpdate",
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pulse: list sessions: %w", err)
	}

	out := make([]model.Session, 0, len(docs))
	for _, d := range docs {
		raw, err := json.Marshal(d.Data)
		if err != nil {
			continue
		}
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if i := strings.LastIndexByte(d.Path, '/'); i >= 0 {
			sess.ID = d.Path[i+1:]
		}
		out = append(out, sess)
	}
	return out, nil
}
