package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/brokerlab/control-plane/internal/auth"
	"github.com/brokerlab/control-plane/internal/config"
	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/handlers"
	"github.com/brokerlab/control-plane/internal/logging"
	"github.com/brokerlab/control-plane/internal/metrics"
	"github.com/brokerlab/control-plane/internal/middleware"
	"github.com/brokerlab/control-plane/internal/provisioner"
	"github.com/brokerlab/control-plane/internal/runtime"
	"github.com/brokerlab/control-plane/internal/secgate"
	"github.com/brokerlab/control-plane/internal/store"
	"github.com/brokerlab/control-plane/internal/workspace"
)

func main() {
	_ = godotenv.Load()
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor := database.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)

	st := store.New(config.Cfg.RedisAddr, config.Cfg.RedisPassword, config.Cfg.RedisDB)
	defer st.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.Ping(ctx); err != nil {
			log.Printf("WARNING: state store unreachable at %s: %v", config.Cfg.RedisAddr, err)
		}
		cancel()
	}

	ctx := context.Background()

	rt := runtime.NewDocker(config.Cfg.DockerHost)
	if err := rt.Initialize(ctx); err != nil {
		// The control plane stays up in degraded mode; sessions and
		// provisioning will fail individually until the engine returns.
		log.Printf("WARNING: container runtime unavailable: %v", err)
	} else {
		go pullImages(ctx, rt)
	}

	policy := secgate.DefaultPolicy()
	if config.Cfg.SecurityPolicyPath != "" {
		loaded, err := secgate.LoadPolicyFile(config.Cfg.SecurityPolicyPath)
		if err != nil {
			log.Fatalf("Security policy %s: %v", config.Cfg.SecurityPolicyPath, err)
		}
		policy = loaded
		log.Printf("Security policy loaded from %s", config.Cfg.SecurityPolicyPath)
	}
	gate := secgate.New(policy)

	collector := metrics.NewCollector()

	prov := provisioner.New(rt, st, provisioner.Config{
		NetworkPrefix:     config.Cfg.NetworkPrefix,
		BrokerImage:       config.Cfg.BrokerImage,
		CoordinatorImage:  config.Cfg.CoordinatorImage,
		BrokerMemory:      memBytes(config.Cfg.BrokerMemory),
		CoordinatorMemory: memBytes(config.Cfg.CoordinatorMemory),
		BrokerCPUShares:   config.Cfg.BrokerCPUShares,
		ReadyPollInterval: duration(config.Cfg.ReadyPollInterval, 2*time.Second),
		ReadyTimeout:      duration(config.Cfg.ReadyTimeout, 30*time.Second),
		LabTTL:            duration(config.Cfg.LabTTL, 2*time.Hour),
		LockTTL:           duration(config.Cfg.LockTTL, 10*time.Second),
	}).WithMetrics(collector).WithAudit(auditor)

	workspaces := workspace.NewManager(rt, st, gate, workspace.NewTimerScheduler(), workspace.Config{
		Image:         config.Cfg.WorkspaceImage,
		NetworkPrefix: config.Cfg.NetworkPrefix,
		Memory:        memBytes(config.Cfg.WorkspaceMemory),
		CPUShares:     config.Cfg.WorkspaceCPUShares,
		PidsLimit:     config.Cfg.WorkspacePidsLimit,
		User:          config.Cfg.WorkspaceUser,
		WorkDir:       config.Cfg.WorkspaceDir,
		IdleTimeout:   duration(config.Cfg.IdleTimeout, 30*time.Minute),
		CloseTimeout:  duration(config.Cfg.CloseTimeout, 5*time.Minute),
		LockTTL:       duration(config.Cfg.LockTTL, 10*time.Second),
		SessionTTL:    duration(config.Cfg.SessionTTL, 2*time.Hour),
		HistoryLimit:  int64(config.Cfg.HistoryLimit),
		HistoryTTL:    duration(config.Cfg.HistoryTTL, 30*24*time.Hour),
	}).WithMetrics(collector).WithAudit(auditor)

	handlers.Provisioner = prov
	handlers.Workspaces = workspaces
	handlers.Gate = gate
	handlers.Runtime = rt
	handlers.Auditor = auditor
	handlers.Metrics = collector
	handlers.StorePinger = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return st.Ping(ctx)
	}

	var verifier auth.Verifier
	if !config.Cfg.AuthDisabled {
		v, err := auth.NewFernetVerifier(authKey(), duration(config.Cfg.SessionTTL, 2*time.Hour))
		if err != nil {
			log.Fatalf("Auth init: %v", err)
		}
		verifier = v
	} else {
		log.Printf("WARNING: authentication disabled, all requests run as local admin")
	}

	rateMax := int64(config.Cfg.RateLimitMax)
	rateWindow := duration(config.Cfg.RateLimitWindow, 15*time.Minute)
	limiter := middleware.LimiterFunc(func(r *http.Request, id string) (bool, error) {
		count, err := st.IncrWindow(r.Context(), id, rateWindow)
		if err != nil {
			return false, err
		}
		return count <= rateMax, nil
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.JanitorSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := prov.SweepOrphans(sweepCtx); err != nil {
			log.Printf("[janitor] lab sweep: %v", err)
		} else if n > 0 {
			log.Printf("[janitor] swept %d orphaned lab environments", n)
		}
		if n, err := workspaces.SweepOrphans(sweepCtx); err != nil {
			log.Printf("[janitor] workspace sweep: %v", err)
		} else if n > 0 {
			log.Printf("[janitor] swept %d orphaned workspaces", n)
		}
	}); err != nil {
		log.Fatalf("Janitor schedule %q: %v", config.Cfg.JanitorSchedule, err)
	}
	if _, err := scheduler.AddFunc("0 3 * * *", func() {
		if n, err := auditor.PurgeExpired(); err != nil {
			log.Printf("[janitor] audit purge: %v", err)
		} else if n > 0 {
			log.Printf("[janitor] purged %d expired audit events", n)
		}
	}); err != nil {
		log.Fatalf("Audit purge schedule: %v", err)
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(verifier))
			r.Use(middleware.RateLimit(limiter))

			r.Post("/labs/{envKey}/start", handlers.StartLab)
			r.Post("/labs/{envKey}/stop", handlers.StopLab)
			r.Get("/labs/{envKey}/status", handlers.LabStatus)
			r.Post("/labs/{envKey}/topics", handlers.CreateTopics)
			r.Post("/labs/{envKey}/execute", handlers.ExecuteLabCommand)
			r.Get("/labs/{envKey}/metrics", handlers.LabMetrics)

			r.Post("/commands/validate", handlers.ValidateCommand)
			r.Get("/commands/history", handlers.CommandHistory)

			r.Get("/terminal", handlers.Terminal)
			r.Get("/sessions", handlers.ListSessions)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Delete("/admin/workspaces/{ownerId}", handlers.DestroyWorkspace)
				r.Get("/admin/audit", handlers.AuditLog)
				r.Get("/admin/logs", handlers.ServerLogs)
			})
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// pullImages warms the image cache so the first session and lab start
// don't pay the pull latency.
func pullImages(ctx context.Context, rt runtime.Runtime) {
	for _, img := range []string{
		config.Cfg.WorkspaceImage,
		config.Cfg.BrokerImage,
		config.Cfg.CoordinatorImage,
	} {
		if err := rt.EnsureImage(ctx, img); err != nil {
			log.Printf("WARNING: pull %s: %v", img, err)
		}
	}
}

// authKey returns the configured token key, generating and persisting one
// on first boot so tokens survive restarts.
func authKey() string {
	if config.Cfg.AuthKey != "" {
		return config.Cfg.AuthKey
	}
	if key, err := database.GetSetting("auth_key"); err == nil && key != "" {
		return key
	}
	key := auth.GenerateKey()
	if err := database.SetSetting("auth_key", key); err != nil {
		log.Printf("WARNING: could not persist generated auth key: %v", err)
	}
	log.Printf("Generated new auth key")
	return key
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func memBytes(raw string) int64 {
	n, err := units.RAMInBytes(raw)
	if err != nil {
		log.Fatalf("Invalid memory size %q: %v", raw, err)
	}
	return n
}
