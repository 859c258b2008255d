// Package signal implements human<->agent interaction: question tasks with
// encrypted content, response polling, and user-facing alerts.
package signal

import (
	"context"
	"fmt"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/crypto"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/relay"
	"github.com/cachebash/coordinator/internal/store"
)

const alertTTLSeconds = 3600 // 1 hour

// Module implements the signal tool handlers.
type Module struct {
	store store.Store
	relay *relay.Module
}

// New constructs a signal Module.
func New(st store.Store, relayModule *relay.Module) *Module {
	return &Module{store: st, relay: relayModule}
}

func taskPath(tenant, id string) string {
	return fmt.Sprintf("tenants/%s/tasks/%s", tenant, id)
}

// AskQuestionArgs is the ask_question tool's argument shape.
type AskQuestionArgs struct {
	model.Envelope
	Question string
}

// AskQuestion writes a type=question task, encrypting the question body
// under the caller's derived key.
func (m *Module) AskQuestion(ctx context.Context, ac *auth.AuthContext, a AskQuestionArgs) (string, error) {
	id := m.store.NewID("tasks")
	now := m.store.Now()

	encryptedQuestion, err := crypto.Encrypt(ac.EncryptionKey, []byte(a.Question))
	if err != nil {
		return "", fmt.Errorf("signal: encrypt question: %w", err)
	}

	task := model.Task{
		Envelope:  a.Envelope,
		Type:      model.TaskTypeQuestion,
		Title:     "question",
		Context:   encryptedQuestion,
		Status:    model.StatusCreated,
		CreatedAt: now,
		Encrypted: true,
	}
	if err := m.store.Create(ctx, taskPath(ac.Tenant, id), &task); err != nil {
		return "", fmt.Errorf("signal: ask question: %w", err)
	}
	return id, nil
}

// GetResponse polls the question task's status and decrypts the response
// field when present.
func (m *Module) GetResponse(ctx context.Context, ac *auth.AuthContext, questionID string) (status model.Status, response string, err error) {
	var task model.Task
	if err := m.store.Get(ctx, taskPath(ac.Tenant, questionID), &task); err != nil {
		return "", "", fmt.Errorf("signal: get response: %w", err)
	}

	if task.Status != model.StatusDone {
		return task.Status, "", nil
	}

	var raw map[string]interface{}
	_ = m.store.Get(ctx, taskPath(ac.Tenant, questionID), &raw)
	encryptedResponse, _ := raw["encryptedResponse"].(string)
	if encryptedResponse == "" {
		return task.Status, "", nil
	}

	plain, err := crypto.Decrypt(ac.EncryptionKey, encryptedResponse)
	if err != nil {
		return task.Status, "", fmt.Errorf("signal: decrypt response: %w", err)
	}
	return task.Status, string(plain), nil
}

// AlertType is the send_alert tool's alert classification.
type AlertType string

// SendAlert produces a short-TTL relay message AND mirrors a surfaceable
// task, so end users see alerts in either surface.
func (m *Module) SendAlert(ctx context.Context, ac *auth.AuthContext, message string, alertType AlertType) (relayID, taskID string, err error) {
	ids, err := m.relay.SendMessage(ctx, ac, relay.SendMessageArgs{
		Envelope: model.Envelope{
			Source:   ac.ProgramID,
			Target:   "mobile",
			Priority: model.PriorityHigh,
			Action:   ActionToRelayAction(alertType),
		},
		MessageType: model.MessageStatus,
		Payload:     message,
		TTLSeconds:  alertTTLSeconds,
	})
	if err != nil {
		return "", "", fmt.Errorf("signal: send alert relay: %w", err)
	}
	if len(ids) > 0 {
		relayID = ids[0]
	}

	id := m.store.NewID("tasks")
	task := model.Task{
		Envelope: model.Envelope{
			Source:   ac.ProgramID,
			Target:   "mobile",
			Priority: model.PriorityHigh,
			Action:   ActionToRelayAction(alertType),
		},
		Type:      model.TaskTypeTask,
		Title:     fmt.Sprintf("alert:%s", alertType),
		Context:   message,
		Status:    model.StatusCreated,
		CreatedAt: m.store.Now(),
	}
	if err := m.store.Create(ctx, taskPath(ac.Tenant, id), &task); err != nil {
		return relayID, "", fmt.Errorf("signal: mirror alert task: %w", err)
	}
	return relayID, id, nil
}

// ActionToRelayAction maps an alert type onto the envelope action
// vocabulary; unrecognized alert types default to "queue".
func ActionToRelayAction(alertType AlertType) model.Action {
	switch alertType {
	case "urgent":
		return model.ActionInterrupt
	default:
		return model.ActionQueue
	}
}
