// Package rest mirrors every registered tool 1:1 as a REST endpoint behind
// the same gate pipeline the JSON-RPC transport uses, wrapped in a uniform
// success/error envelope.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/config"
	"github.com/cachebash/coordinator/internal/controlloop"
	"github.com/cachebash/coordinator/internal/crypto"
	"github.com/cachebash/coordinator/internal/gate"
	"github.com/cachebash/coordinator/internal/ratelimit"
	"github.com/cachebash/coordinator/internal/tool"
)

// envelope is the uniform REST response body.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type errorBody struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	Required      string   `json:"required,omitempty"`
	Held          []string `json:"held,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

type meta struct {
	Timestamp string `json:"timestamp"`
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	body.Meta = meta{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var codeStatus = map[gate.Code]int{
	gate.CodeAuth:           http.StatusUnauthorized,
	gate.CodeSourceMismatch: http.StatusForbidden,
	gate.CodeForbidden:      http.StatusForbidden,
	gate.CodeDreamKilled:    http.StatusForbidden,
	gate.CodeBudgetExceeded: http.StatusPaymentRequired,
	gate.CodeRateLimited:    http.StatusTooManyRequests,
	gate.CodeConflict:       http.StatusConflict,
	gate.CodeInternal:       http.StatusInternalServerError,
}

// toolHandler builds an http.HandlerFunc that decodes the request into a
// tool args map, runs it through the gate under toolName, and writes the
// uniform envelope. Every REST route is this same shape; only the
// tool name and the param/body merge differ.
func toolHandler(g *gate.Gate, registry *tool.Registry, toolName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]interface{}{}

		if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPatch) {
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
				writeEnvelope(w, http.StatusBadRequest, envelope{Error: &errorBody{Code: "bad_request", Message: "invalid JSON body"}})
				return
			}
			for k, v := range body {
				args[k] = v
			}
		}

		for _, pk := range chi.RouteContext(r.Context()).URLParams.Keys {
			args[pk] = chi.URLParam(r, pk)
		}

		for k, vs := range r.URL.Query() {
			if len(vs) > 0 {
				args[k] = vs[0]
			}
		}

		result, denial := g.Invoke(r.Context(), registry, toolName, r.Header.Get("Authorization"), args)
		if denial != nil {
			status, ok := codeStatus[denial.Code]
			if !ok {
				status = http.StatusInternalServerError
			}
			if denial.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(denial.RetryAfter.Seconds())))
			}
			writeEnvelope(w, status, envelope{Error: &errorBody{
				Code: string(denial.Code), Message: denial.Message,
				Required: denial.Required, Held: denial.Held, CorrelationID: denial.CorrelationID,
			}})
			return
		}

		writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: result.Data})
	}
}

// Internal wires the scheduler-facing loop triggers under /v1/internal:
// every route is authenticated by the fixed bearer secret, and each
// endpoint runs one or more control loops synchronously.
type Internal struct {
	Secret string
	Loops  map[string][]controlloop.Runner // route suffix -> loops to run
}

// DefaultInternalLoops maps the internal route names onto the seven
// control loops.
func DefaultInternalLoops(wake, orphan, dreamTimeout, relayExpiry, deadLetter, staleSessions, syncProcessor controlloop.Runner) map[string][]controlloop.Runner {
	return map[string][]controlloop.Runner{
		"wake":             {wake},
		"cleanup":          {relayExpiry, deadLetter},
		"reconcile-tasks":  {orphan},
		"reconcile-dreams": {dreamTimeout},
		"reconcile-sync":   {syncProcessor},
		"stale-sessions":   {staleSessions},
	}
}

func internalAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if secret == "" || !crypto.ConstantTimeEqual(token, secret) {
				writeEnvelope(w, http.StatusUnauthorized, envelope{Error: &errorBody{
					Code: "auth", Message: "invalid internal credentials",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func internalLoopHandler(cfg *config.Config, internal *Internal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "loop")
		runners, ok := internal.Loops[name]
		if !ok {
			writeEnvelope(w, http.StatusNotFound, envelope{Error: &errorBody{
				Code: "not_found", Message: "unknown internal endpoint",
			}})
			return
		}

		timeout := cfg.ReconciliationTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		var reports []controlloop.Report
		failed := false
		for _, runner := range runners {
			report, err := runner.Run(ctx)
			reports = append(reports, report)
			if err != nil {
				// Re-raise so the external scheduler observes non-200 and
				// retries.
				failed = true
			}
		}
		status := http.StatusOK
		if failed {
			status = http.StatusInternalServerError
		}
		writeEnvelope(w, status, envelope{Success: !failed, Data: map[string]interface{}{"reports": reports}})
	}
}

// NewRouter builds the chi router mirroring every tool. The middleware
// ordering follows the standard coordination-kernel chain: CORS → security
// headers → request id → recoverer → logger → body-size limit → per-IP
// limiter. internal may be nil (no scheduler endpoints mounted);
// ipLimiter may be nil (no per-IP limiting).
func NewRouter(cfg *config.Config, log zerolog.Logger, g *gate.Gate, registry *tool.Registry, ipLimiter *ratelimit.IPLimiter, internal *Internal) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLoggerMiddleware(log))
	r.Use(maxBodySizeMiddleware(cfg.MaxBodyBytes))
	r.Use(IPLimitMiddleware(ipLimiter))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, envelope{Error: &errorBody{Code: "not_found", Message: "unknown route"}})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", toolHandler(g, registry, "create_task"))
		r.Get("/tasks", toolHandler(g, registry, "get_tasks"))
		r.Post("/tasks/{taskId}/claim", toolHandler(g, registry, "claim_task"))
		r.Post("/tasks/{taskId}/complete", toolHandler(g, registry, "complete_task"))

		r.Post("/messages", toolHandler(g, registry, "send_message"))
		r.Get("/messages", toolHandler(g, registry, "get_messages"))

		r.Post("/sessions", toolHandler(g, registry, "create_session"))
		r.Patch("/sessions/{sessionId}", toolHandler(g, registry, "update_session"))
		r.Get("/sessions", toolHandler(g, registry, "list_sessions"))

		r.Post("/questions", toolHandler(g, registry, "ask_question"))
		r.Get("/questions/{questionId}", toolHandler(g, registry, "get_response"))
		r.Post("/alerts", toolHandler(g, registry, "send_alert"))

		r.Get("/dreams", toolHandler(g, registry, "dream_peek"))
		r.Post("/dreams/{dreamId}/activate", toolHandler(g, registry, "dream_activate"))

		r.Route("/internal", func(r chi.Router) {
			r.Get("/operational-metrics", toolHandler(g, registry, "get_operational_metrics"))

			if internal != nil {
				auth := internalAuthMiddleware(internal.Secret)
				r.With(auth).Post("/health-check", func(w http.ResponseWriter, r *http.Request) {
					writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
				})
				r.With(auth).Post("/{loop}", internalLoopHandler(cfg, internal))
			}
		})
	})

	return r
}
