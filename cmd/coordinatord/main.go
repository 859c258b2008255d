// Command coordinatord is the cachebash coordination kernel: a single
// binary serving both the REST and MCP transports behind one gate
// pipeline, plus the background control loops that keep dispatch, relay
// and dream state consistent over time.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	osignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/cache"
	"github.com/cachebash/coordinator/internal/config"
	"github.com/cachebash/coordinator/internal/controlloop"
	"github.com/cachebash/coordinator/internal/dispatch"
	"github.com/cachebash/coordinator/internal/dream"
	"github.com/cachebash/coordinator/internal/gate"
	"github.com/cachebash/coordinator/internal/ledger"
	"github.com/cachebash/coordinator/internal/logger"
	"github.com/cachebash/coordinator/internal/metrics"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/pulse"
	"github.com/cachebash/coordinator/internal/ratelimit"
	"github.com/cachebash/coordinator/internal/relay"
	signalmodule "github.com/cachebash/coordinator/internal/signal"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/syncqueue"
	"github.com/cachebash/coordinator/internal/tool"
	"github.com/cachebash/coordinator/internal/transport/mcp"
	"github.com/cachebash/coordinator/internal/transport/rest"
	"github.com/cachebash/coordinator/internal/webhook"
)

func newStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) store.Store {
	if cfg.FirebaseProjectID == "" {
		log.Warn().Msg("FIREBASE_PROJECT_ID unset — using in-memory store")
		return store.NewMemStore()
	}
	fs, err := store.NewFirestoreStore(ctx, cfg.FirebaseProjectID)
	if err != nil {
		log.Fatal().Err(err).Msg("firestore init failed")
	}
	log.Info().Str("project", cfg.FirebaseProjectID).Msg("firestore connected")
	return fs
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("coordinatord starting")

	ctx := context.Background()
	st := newStore(ctx, cfg, log)

	var rdb *cache.Cache
	if cfg.RedisURL != "" {
		c, err := cache.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without cache")
		} else if err := c.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without cache")
		} else {
			rdb = c
			log.Info().Msg("redis connected")
		}
	}

	resolver := auth.New(st, rdb, cfg, log)
	keyLimiter := ratelimit.NewKeyLimiter()
	ipLimiter := ratelimit.NewIPLimiter()
	budgetCache := dream.NewBudgetCache()
	m := metrics.New()

	lp := ledger.New(st, log, ledger.DefaultConfig())
	lp.Start(ctx)

	g := gate.New(st, resolver, keyLimiter, budgetCache, lp, m, log)

	sweeperStop := make(chan struct{})
	keyLimiter.RunSweeper(2*time.Minute, sweeperStop)

	syncQueue := syncqueue.New(st, log)
	// Mirror writes project tasks into the surfaceable per-tenant mirror
	// collection the mobile client reads.
	mirrorTask := func(ctx context.Context, it syncqueue.Item) error {
		var task model.Task
		taskDoc := fmt.Sprintf("tenants/%s/tasks/%s", it.Tenant, it.Payload)
		if err := st.Get(ctx, taskDoc, &task); err != nil {
			return err
		}
		return st.Create(ctx, fmt.Sprintf("tenants/%s/mirror/%s", it.Tenant, it.Payload), &task)
	}
	syncQueue.Register("mirror_task_create", mirrorTask)
	syncQueue.Register("mirror_task_complete", mirrorTask)

	dispatcher := webhook.New(cfg.DispatcherWebhookURL, cfg.DispatcherWebhookSecret, log)

	dispatchM := dispatch.New(st, dispatcher, syncQueue.Enqueue)
	relayM := relay.New(st)
	pulseM := pulse.New(st, cfg.StrictSessionIDs())
	signalM := signalmodule.New(st, relayM)
	dreamM := dream.NewModule(st, budgetCache)

	registry := tool.NewRegistry()
	registerTools(registry, dispatchM, relayM, pulseM, signalM, dreamM)

	events := controlloop.NewEventLog(0)

	wakeHTTPClient := &http.Client{}
	probeHealth := func(ctx context.Context) error {
		if cfg.WakeHostURL == "" {
			return nil
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, cfg.WakeHostURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := wakeHTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("wake host health check: status %d", resp.StatusCode)
		}
		return nil
	}
	requestSpawn := func(ctx context.Context, target string) error {
		if cfg.WakeHostURL == "" {
			return nil
		}
		spawnCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(spawnCtx, http.MethodPost, cfg.WakeHostURL+"/spawn/"+target, nil)
		if err != nil {
			return err
		}
		resp, err := wakeHTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("wake host spawn request: status %d", resp.StatusCode)
		}
		return nil
	}

	wakeDaemon := controlloop.NewWakeDaemon(st, probeHealth, requestSpawn, log, m, events)
	orphanRevival := controlloop.NewOrphanTaskRevival(st, cfg.ReconciliationTimeout, log, m, events)
	dreamTimeout := controlloop.NewDreamTimeoutEnforcement(st, log, m, events)
	relayExpiry := controlloop.NewRelayExpirySweep(st, log, m, events)
	deadLetter := controlloop.NewDeadLetterProcessing(st, log, m, events)
	staleSession := controlloop.NewStaleSessionArchiver(st, cfg.ReconciliationTimeout, log, m, events)
	syncProcessor := controlloop.NewSyncQueueProcessor(syncQueue, log, m, events)

	registry.Register("get_operational_metrics", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		loop, _ := args["loop"].(string)
		limit := 100
		switch v := args["limit"].(type) {
		case float64:
			if v > 0 {
				limit = int(v)
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		return tool.Result{Data: map[string]interface{}{"events": events.Recent(loop, limit)}}, nil
	})

	var scheduler *controlloop.Scheduler
	if cfg.EnableInProcessCron {
		scheduler = controlloop.NewScheduler(log)
		if err := controlloop.DefaultSchedule(scheduler, wakeDaemon, orphanRevival, dreamTimeout, relayExpiry, deadLetter, staleSession, syncProcessor); err != nil {
			log.Fatal().Err(err).Msg("control loop scheduling failed")
		}
		scheduler.Start()
		log.Info().Msg("in-process control loop scheduler started")
	} else {
		log.Info().Msg("in-process cron disabled — control loops must be triggered externally")
	}

	internal := &rest.Internal{
		Secret: cfg.InternalAPIKey,
		Loops:  rest.DefaultInternalLoops(wakeDaemon, orphanRevival, dreamTimeout, relayExpiry, deadLetter, staleSession, syncProcessor),
	}
	restRouter := rest.NewRouter(cfg, log, g, registry, ipLimiter, internal)
	mcpHandler := mcp.New(g, registry, st, log, cfg.MCPAllowedHosts)

	mux := http.NewServeMux()
	mux.Handle("/", restRouter)
	mcpHandler.Routes(mux, rest.IPLimitMiddleware(ipLimiter))
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout is left at zero: an MCP POST can legitimately hold
		// the connection for up to pollTimeout while it polls its
		// session's response queue, and we don't want the server cutting
		// that short.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	osignal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("coordinatord listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	if scheduler != nil {
		scheduler.Stop()
	}
	close(sweeperStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("coordinatord stopped gracefully")
	}

	lp.Stop()
}
