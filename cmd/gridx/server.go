package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/api/handlers"
	"github.com/gridxlabs/gridx/config"
	"github.com/gridxlabs/gridx/internal/aggregate"
	"github.com/gridxlabs/gridx/internal/blob"
	"github.com/gridxlabs/gridx/internal/database"
	"github.com/gridxlabs/gridx/internal/events"
	"github.com/gridxlabs/gridx/internal/jobs"
	"github.com/gridxlabs/gridx/internal/liveness"
	"github.com/gridxlabs/gridx/internal/metrics"
	"github.com/gridxlabs/gridx/internal/scheduler"
	"github.com/gridxlabs/gridx/internal/server"
	"github.com/gridxlabs/gridx/internal/split"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/internal/telemetry"
)

// Server wires the coordinator together: storage, blob access, the
// scheduler, the HTTP surface, the gauge monitor and the optional
// lease reaper.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers

	pool        *database.PoolManager
	hub         *events.Hub
	jobsSvc     *jobs.Service
	sched       *scheduler.Scheduler
	reaper      *scheduler.Reaper
	monitor     *scheduler.Monitor
	httpManager *server.Manager

	reaperCancel  context.CancelFunc
	reaperDone    chan struct{}
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewServer builds the full coordinator from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (*Server, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(cfg.Database), logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	st := store.New(db, logger)

	var blobs blob.Store
	if cfg.Blob.BaseURL == "" {
		logger.Warn("no blob service configured, using in-memory store")
		blobs = blob.NewMemStore()
	} else {
		blobs = blob.NewHTTPStore(cfg.Blob.BaseURL, blob.FetchConfig{
			Attempts:       cfg.Blob.FetchAttempts,
			Backoff:        cfg.Blob.FetchBackoff,
			AttemptTimeout: cfg.Blob.FetchAttemptTimeout,
		}, logger)
	}

	splitter := split.New(st, blobs, split.Config{
		ChunkCount:        cfg.Split.ChunkCount,
		UploadConcurrency: cfg.Split.UploadConcurrency,
	}, logger)
	jobsSvc := jobs.New(st, blobs, splitter, logger)

	agg := aggregate.New(st, blobs, aggregate.Config{
		DownloadConcurrency: cfg.Aggregation.DownloadConcurrency,
		Timeout:             cfg.Aggregation.Timeout,
	}, logger)

	hub := events.NewHub(logger)
	collector := metrics.NewCollector("gridx", logger)

	schedCfg := scheduler.Config{
		PollRate:       cfg.Scheduler.PollRate,
		PollBurst:      cfg.Scheduler.PollBurst,
		LeaseEnabled:   cfg.Scheduler.LeaseEnabled,
		Lease:          cfg.Scheduler.Lease,
		LivenessWindow: cfg.Scheduler.LivenessWindow,
		ReapInterval:   cfg.Scheduler.ReapInterval,
		SampleInterval: cfg.Scheduler.SampleInterval,
	}
	sched := scheduler.New(st, agg, hub, collector, schedCfg, logger)

	var tracker liveness.Tracker
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		tracker = liveness.NewRedisTracker(client, st, cfg.Scheduler.LivenessWindow, logger)
	} else {
		tracker = liveness.NewDBTracker(st)
	}

	auth := handlers.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, logger)
	agentH := handlers.NewAgentHandler(st, sched, tracker, blobs, logger)
	jobH := handlers.NewJobHandler(jobsSvc, logger)
	healthH := handlers.NewHealthHandler(pool, tracker, Version, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/register", agentH.Register)
	mux.HandleFunc("POST /v1/agent/heartbeat", agentH.Heartbeat)
	mux.HandleFunc("POST /v1/agent/request_task", agentH.RequestTask)
	mux.HandleFunc("POST /v1/agent/upload_result", agentH.UploadResult)
	mux.HandleFunc("POST /v1/agent/complete_task", agentH.CompleteTask)
	mux.HandleFunc("GET /v1/agents", agentH.ListOnline)
	mux.Handle("POST /v1/jobs", auth.Middleware(http.HandlerFunc(jobH.Submit)))
	mux.Handle("GET /v1/jobs", auth.Middleware(http.HandlerFunc(jobH.List)))
	mux.Handle("GET /v1/jobs/{id}", auth.Middleware(http.HandlerFunc(jobH.Get)))
	mux.Handle("GET /v1/jobs/{id}/subtasks", auth.Middleware(http.HandlerFunc(jobH.Subtasks)))
	mux.Handle("GET /v1/jobs/{id}/result", auth.Middleware(http.HandlerFunc(jobH.Result)))
	mux.Handle("GET /v1/events", hub)
	mux.HandleFunc("GET /healthz", healthH.Health)
	mux.HandleFunc("GET /readyz", healthH.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(collector),
		RequestLogger(logger),
	)

	manager := server.NewManager(handler, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSCertFile:     cfg.Server.TLSCertFile,
		TLSKeyFile:      cfg.Server.TLSKeyFile,
	}, logger)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		providers:   providers,
		pool:        pool,
		hub:         hub,
		jobsSvc:     jobsSvc,
		sched:       sched,
		httpManager: manager,
	}
	if cfg.Scheduler.LeaseEnabled {
		s.reaper = scheduler.NewReaper(st, hub, collector, schedCfg, logger)
	}
	s.monitor = scheduler.NewMonitor(st, tracker, collector, schedCfg, logger)
	return s, nil
}

// Start brings up the HTTP listener and, when enabled, the lease
// reaper.
func (s *Server) Start() error {
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	if s.reaper != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.reaperCancel = cancel
		s.reaperDone = make(chan struct{})
		go func() {
			defer close(s.reaperDone)
			s.reaper.Run(ctx)
		}()
	}
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	s.monitorCancel = monitorCancel
	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		s.monitor.Run(monitorCtx)
	}()
	s.logger.Info("coordinator started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Bool("lease_reaper", s.reaper != nil),
	)
	return nil
}

// WaitForShutdown blocks until a termination signal, then drains
// background work and releases resources.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	if s.reaperCancel != nil {
		s.reaperCancel()
		<-s.reaperDone
	}
	if s.monitorCancel != nil {
		s.monitorCancel()
		<-s.monitorDone
	}
	s.jobsSvc.Wait()
	s.sched.Wait()
	s.hub.Close()

	if err := s.pool.Close(); err != nil {
		s.logger.Warn("closing database pool", zap.Error(err))
	}
	if s.providers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.providers.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
}
