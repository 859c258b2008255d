// Package relay implements ephemeral inter-program messaging: multicast
// enqueue, transactional at-most-once retrieval, and TTL bookkeeping.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

// groups is the closed group-name vocabulary.
var groups = map[string][]string{
	"council":      {"architect", "reviewer", "planner", "historian", "sentinel", "arbiter"},
	"builders":     {"builder", "builder-2", "builder-3"},
	"intelligence": {"analyst", "researcher"},
	"all": {
		"architect", "reviewer", "planner", "historian", "sentinel", "arbiter",
		"builder", "builder-2", "builder-3", "analyst", "researcher",
	},
}

// ResolveTargets expands a group name into its sorted member list, or
// returns []string{target} if target is not a known group.
func ResolveTargets(target string) []string {
	if members, ok := groups[target]; ok {
		out := append([]string{}, members...)
		sort.Strings(out)
		return out
	}
	return []string{target}
}

// Module implements the relay tool handlers.
type Module struct {
	store store.Store
}

// New constructs a relay Module.
func New(st store.Store) *Module {
	return &Module{store: st}
}

func relayPath(tenant, id string) string {
	return fmt.Sprintf("tenants/%s/relay/%s", tenant, id)
}

// SendMessageArgs is the send_message tool's argument shape.
type SendMessageArgs struct {
	model.Envelope
	MessageType model.MessageType
	Payload     string
	SessionID   string
	TTLSeconds  int64
}

// SendMessage expands group targets and writes one document per resolved
// program, sharing a multicastId when fan-out occurs.
func (m *Module) SendMessage(ctx context.Context, ac *auth.AuthContext, a SendMessageArgs) ([]string, error) {
	targets := ResolveTargets(a.Target)
	ttl := a.TTLSeconds
	if ttl <= 0 {
		ttl = model.DefaultRelayTTLSeconds
	}
	now := m.store.Now()
	expiresAt := now.Add(time.Duration(ttl) * time.Second)

	var multicastID string
	if len(targets) > 1 {
		multicastID = m.store.NewID("multicast")
	}

	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		id := m.store.NewID("relay")
		env := a.Envelope
		env.Target = target

		msg := model.RelayMessage{
			Envelope:            env,
			MessageType:         a.MessageType,
			Payload:             a.Payload,
			SessionID:           a.SessionID,
			Status:              model.RelayPending,
			TTLSeconds:          ttl,
			CreatedAt:           now,
			ExpiresAt:           expiresAt,
			DeliveryAttempts:    0,
			MaxDeliveryAttempts: model.DefaultMaxDeliveryAttempts,
			MulticastID:         multicastID,
			MulticastSource:     a.Source,
		}
		if err := m.store.Create(ctx, relayPath(ac.Tenant, id), &msg); err != nil {
			return nil, fmt.Errorf("relay: send message: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetMessages returns pending messages targeted at the caller's program,
// optionally scoped to sessionID and/or bounded to those created at or
// after since, atomically marking each delivered so that at most one
// caller attempt observes it (a transactional status!=pending guard per
// document).
func (m *Module) GetMessages(ctx context.Context, ac *auth.AuthContext, sessionID string, since time.Time, includeDelivered bool) ([]model.RelayMessage, error) {
	filters := []store.Filter{{Field: "target", Op: "==", Value: ac.ProgramID}}
	if !includeDelivered {
		filters = append(filters, store.Filter{Field: "status", Op: "==", Value: string(model.RelayPending)})
	}
	if sessionID != "" {
		filters = append(filters, store.Filter{Field: "sessionId", Op: "==", Value: sessionID})
	}
	if !since.IsZero() {
		filters = append(filters, store.Filter{Field: "createdAt", Op: ">=", Value: since})
	}

	docs, err := m.store.Query(ctx, store.Query{
		Parent:     "tenants/" + ac.Tenant,
		Collection: "relay",
		Filters:    filters,
		OrderBy:    "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("relay: get messages: %w", err)
	}

	out := make([]model.RelayMessage, 0, len(docs))
	for _, d := range docs {
		status, _ := d.Data["status"].(string)
		if model.RelayStatus(status) != model.RelayPending {
			if includeDelivered {
				var msg model.RelayMessage
				if decodeErr := decodeRelay(d, &msg); decodeErr == nil {
					out = append(out, msg)
				}
			}
			continue
		}

		delivered := false
		err := m.store.TransactionalUpdate(ctx, d.Path, func(current map[string]interface{}) ([]store.Op, error) {
			curStatus, _ := current["status"].(string)
			if model.RelayStatus(curStatus) != model.RelayPending {
				return nil, store.ErrPrecondition
			}
			delivered = true
			return []store.Op{
				{Field: "status", Value: string(model.RelayDelivered)},
				store.ServerTimestamp("deliveredAt"),
			}, nil
		})
		if err != nil && err != store.ErrPrecondition {
			return nil, fmt.Errorf("relay: mark delivered: %w", err)
		}
		if !delivered {
			continue // lost the race to another concurrent poller
		}

		var msg model.RelayMessage
		if decodeErr := decodeRelay(d, &msg); decodeErr == nil {
			msg.Status = model.RelayDelivered
			out = append(out, msg)
		}
	}
	return out, nil
}

func decodeRelay(d store.Doc, dst *model.RelayMessage) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	dst.ID = docID(d.Path)
	return nil
}

func docID(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
