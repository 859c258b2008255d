// Package lifecycle implements the pure state-machine that is the sole
// gate on entity status writes. No module mutates status directly.
package lifecycle

import (
	"fmt"

	"github.com/cachebash/coordinator/internal/model"
)

// Kind names the four entity kinds that carry a lifecycle status.
type Kind string

const (
	KindTask        Kind = "task"
	KindSession     Kind = "session"
	KindDream       Kind = "dream"
	KindSprintStory Kind = "sprint-story"
)

// TransitionError is raised when a transition is not in the table.
type TransitionError struct {
	Kind Kind
	From model.Status
	To   model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition kind=%s from=%s to=%s", e.Kind, e.From, e.To)
}

var allStatuses = []model.Status{
	model.StatusCreated,
	model.StatusActive,
	model.StatusBlocked,
	model.StatusCompleting,
	model.StatusDone,
	model.StatusFailed,
	model.StatusDerezzed,
}

// TRANSITIONS is total on the status set for every kind: every status has
// an entry, possibly empty (e.g. derezzed has no outbound edges for any
// kind).
var TRANSITIONS = map[Kind]map[model.Status][]model.Status{
	KindTask: {
		model.StatusCreated:    {model.StatusActive, model.StatusDerezzed},
		model.StatusActive:     {model.StatusBlocked, model.StatusCompleting, model.StatusDone, model.StatusFailed, model.StatusCreated},
		model.StatusBlocked:    {model.StatusActive, model.StatusFailed},
		model.StatusCompleting: {model.StatusDone, model.StatusFailed},
		model.StatusDone:       {model.StatusDerezzed},
		model.StatusFailed:     {model.StatusCreated, model.StatusDerezzed},
		model.StatusDerezzed:   {},
	},
	KindSession: {
		model.StatusCreated:    {model.StatusActive, model.StatusDerezzed},
		model.StatusActive:     {model.StatusBlocked, model.StatusCompleting, model.StatusDone, model.StatusFailed, model.StatusDerezzed},
		model.StatusBlocked:    {model.StatusActive, model.StatusFailed},
		model.StatusCompleting: {model.StatusDone, model.StatusFailed},
		model.StatusDone:       {model.StatusDerezzed},
		model.StatusFailed:     {model.StatusDerezzed},
		model.StatusDerezzed:   {},
	},
	KindDream: {
		// Dreams never enter blocked, and never retry failed -> created.
		model.StatusCreated:    {model.StatusActive, model.StatusDerezzed},
		model.StatusActive:     {model.StatusCompleting, model.StatusDone, model.StatusFailed},
		model.StatusBlocked:    {},
		model.StatusCompleting: {model.StatusDone, model.StatusFailed},
		model.StatusDone:       {model.StatusDerezzed},
		model.StatusFailed:     {model.StatusDerezzed},
		model.StatusDerezzed:   {},
	},
	KindSprintStory: {
		model.StatusCreated:    {model.StatusActive, model.StatusDerezzed},
		model.StatusActive:     {model.StatusBlocked, model.StatusCompleting, model.StatusDone, model.StatusFailed},
		model.StatusBlocked:    {model.StatusActive, model.StatusFailed},
		model.StatusCompleting: {model.StatusDone, model.StatusFailed},
		model.StatusDone:       {model.StatusDerezzed},
		model.StatusFailed:     {model.StatusCreated, model.StatusDerezzed},
		model.StatusDerezzed:   {},
	},
}

func init() {
	// Guard the "total on the status set" invariant at package init time:
	// every kind must have an entry (possibly empty) for every status.
	for k, table := range TRANSITIONS {
		for _, s := range allStatuses {
			if _, ok := table[s]; !ok {
				panic(fmt.Sprintf("lifecycle: %s transition table missing entry for status %s", k, s))
			}
		}
	}
}

// ValidateTransition reports whether from->to is a legal move for kind.
// validateTransition(K, derezzed, S) is always false for every K and S.
func ValidateTransition(kind Kind, from, to model.Status) bool {
	table, ok := TRANSITIONS[kind]
	if !ok {
		return false
	}
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition returns `to` if the move is legal, otherwise a *TransitionError.
func Transition(kind Kind, from, to model.Status) (model.Status, error) {
	if !ValidateTransition(kind, from, to) {
		return from, &TransitionError{Kind: kind, From: from, To: to}
	}
	return to, nil
}
