// Package capability holds the static tool->capability table and the
// per-program default capability grants.
package capability

// Wildcard grants every capability.
const Wildcard = "*"

// privileged programs may impersonate a different `source` in gate
// source-claim verification (see internal/gate). Documented, not widened.
var privileged = map[string]bool{
	"legacy": true,
	"mobile": true,
}

// IsPrivileged reports whether programID may act as a different source.
func IsPrivileged(programID string) bool {
	return privileged[programID]
}

// toolCapabilities maps tool name -> required capability string, in the
// form "module.action".
var toolCapabilities = map[string]string{
	"create_task":     "dispatch.write",
	"get_tasks":       "dispatch.read",
	"claim_task":      "dispatch.write",
	"complete_task":   "dispatch.write",
	"send_message":    "relay.write",
	"get_messages":    "relay.read",
	"create_session":  "pulse.write",
	"update_session":  "pulse.write",
	"list_sessions":   "pulse.read",
	"ask_question":    "signal.write",
	"get_response":    "signal.read",
	"send_alert":      "signal.write",
	"dream_peek":      "dream.read",
	"dream_activate":  "dream.write",
	"get_operational_metrics": "state.read",
}

// Required returns the capability string a tool requires, and whether the
// tool is known. Unknown tool names pass through the gate uninspected;
// the module handler decides.
func Required(tool string) (string, bool) {
	cap, ok := toolCapabilities[tool]
	return cap, ok
}

// programDefaults maps programId -> default capability list, used when an
// API key does not carry a narrower explicit list.
var programDefaults = map[string][]string{
	"legacy":  {Wildcard},
	"mobile":  {Wildcard},
	"builder": {"dispatch.read", "dispatch.write", "relay.read", "relay.write", "pulse.read", "pulse.write"},
	"council": {"dispatch.read", "relay.read", "relay.write", "pulse.read", "state.read"},
}

// DefaultsFor returns the default capability list for programID, or a
// minimal read-only set if the program is unknown.
func DefaultsFor(programID string) []string {
	if caps, ok := programDefaults[programID]; ok {
		return caps
	}
	return []string{"dispatch.read", "relay.read", "pulse.read"}
}

// Check reports whether held grants the required capability.
func Check(required string, held []string) bool {
	for _, h := range held {
		if h == Wildcard || h == required {
			return true
		}
	}
	return false
}

// Decision is the result of a capability check.
type Decision struct {
	Allowed  bool
	Required string
	Held     []string
}

// Evaluate runs Check for tool against held, returning a full Decision.
// Unknown tools are always allowed at this layer (the module handler
// decides); callers should treat Decision.Required == "" as "unchecked".
func Evaluate(tool string, held []string) Decision {
	required, known := Required(tool)
	if !known {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: Check(required, held), Required: required, Held: held}
}
