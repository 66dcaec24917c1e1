package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/channel"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/registry"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rpc"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/tracing"
)

type stores struct {
	steps service.StepRepository
	tasks service.TaskRepository
	audit service.AuditRepository
	close func()
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{steps: mem.Steps(), tasks: mem.Tasks(), audit: mem.Audit(), close: func() {}}, nil
	case "postgres", "":
		db, err := database.New(ctx, databaseConfig(cfg.Database))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		applied, err := db.Migrate(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("Database connection established")
		return &stores{
			steps: repository.NewApprovalStepsRepository(db),
			tasks: repository.NewApprovalTasksRepository(db),
			audit: repository.NewApprovalAuditRepository(db),
			close: db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openDirectory(cfg config.DirectoryConfig, log *logger.Logger) (directory.Directory, func(), error) {
	switch cfg.Driver {
	case "mysql":
		dir, err := directory.OpenMySQL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open directory: %w", err)
		}
		log.Info().Msg("Directory connected")
		return dir, func() { _ = dir.Close() }, nil
	case "memory", "":
		if cfg.SeedFile == "" {
			log.Warn().Msg("Directory has no seed file, nobody is eligible for any step")
			return directory.NewMemory(), func() {}, nil
		}
		dir, err := directory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("seed_file", cfg.SeedFile).Msg("Directory seeded")
		return dir, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory driver %q", cfg.Driver)
	}
}

func runServe(parent context.Context, configPath string) error {
	// Load configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log := newLogger(cfg)
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, tracing.Config{ServiceName: cfg.Service.Name, Version: cfg.Service.Version})
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	// Initialize storage and reference data
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	dir, closeDir, err := openDirectory(cfg.Directory, log)
	if err != nil {
		return err
	}
	defer closeDir()

	reg := registry.FromConfig(cfg.Actions)

	// Initialize services
	steps := service.NewStepService(st.steps, st.audit, reg, log.Component("steps"))
	tasks := service.NewTaskService(st.tasks, st.steps, st.audit, reg, service.NewAssignmentResolver(dir), log.Component("tasks"))
	steps.AddWatcher(tasks)

	hub := channel.NewHub(tasks, channel.Config{
		WriteWait:      cfg.Channel.WriteWait,
		PongWait:       cfg.Channel.PongWait,
		SendBuffer:     cfg.Channel.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, log.Component("channel"))
	tasks.AddNotifier(hub)

	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Component("nats"))
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, workflow events disabled")
		} else {
			defer nc.Drain()
			tasks.AddNotifier(client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Component("nats")))
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(steps, tasks, reg, tokens, hub, log.Component("http"))
	router := handler.NewRouter(httpHandler, tokens, handler.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, &log.Logger)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	// WriteTimeout would cut long-lived task channel connections; the
	// router's Timeout middleware bounds the other routes.

	errc := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(middleware.UnaryAuth(tokens)))
	rpc.RegisterWorkflowServiceServer(grpcServer, handler.NewGRPCHandler(steps, tasks, log.Component("grpc")))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}
	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errc <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Error().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
	return err
}
