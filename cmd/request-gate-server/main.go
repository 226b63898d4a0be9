package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/auth"
	"github.com/triage-ai/palisade/services/request_gate/internal/config"
	"github.com/triage-ai/palisade/services/request_gate/internal/configguard"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"github.com/triage-ai/palisade/services/request_gate/internal/kv"
	"github.com/triage-ai/palisade/services/request_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/request_gate/internal/server"
	"github.com/triage-ai/palisade/services/request_gate/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	configFile := flag.String("config", os.Getenv("REQUEST_GATE_CONFIG"), "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting request gate server",
		zap.String("port", cfg.Port),
		zap.String("settings_driver", cfg.SettingsDriver),
		zap.Duration("decision_timeout", cfg.DecisionTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Settings storage
	backend, closeBackend := mustOpenSettings(ctx, cfg, logger)
	defer closeBackend()
	store := approval.NewStore(backend, logger)
	store.Subscribe(func(targets []string) {
		logger.Info("auto-approve list changed", zap.Int("entries", len(targets)))
	})

	// Audit storage: ClickHouse, or the log writer fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Auth: Postgres if a DSN is provided, otherwise static keys
	var authenticator auth.Authenticator
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL,
			FailOpen: cfg.AuthFailOpen,
			Logger:   logger,
		})
		logger.Info("postgres authenticator connected")
	} else {
		keys := make(map[string]auth.Role, len(cfg.AgentKeys)+len(cfg.OperatorKeys))
		for _, k := range cfg.AgentKeys {
			keys[k] = auth.RoleAgent
		}
		for _, k := range cfg.OperatorKeys {
			keys[k] = auth.RoleOperator
		}
		if len(keys) == 0 {
			// config.Validate only lets this through with dev mode on.
			authenticator = auth.NewDevAuthenticator()
			logger.Warn("REQUEST_GATE_DEV_MODE on: accepting any rgk_ key, rgk_op_ keys are operators (development only)")
		} else {
			authenticator = auth.NewStaticAuthenticator(keys)
			logger.Info("using static authenticator", zap.Int("keys", len(keys)))
		}
	}

	// Gate
	broker := gate.NewBroker(m, logger)
	g := gate.NewGate(store, broker, writer, m, logger, gate.Options{DecisionTimeout: cfg.DecisionTimeout})
	guard, err := configguard.New(store, logger)
	if err != nil {
		logger.Fatal("failed to compile config import schemas", zap.Error(err))
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			// Checks may wait on a human; no MaxConnectionAge.
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	gateServer := server.NewRequestGateServer(g, broker, store, guard, authenticator, logger)
	server.RegisterRequestGateServiceServer(grpcServer, gateServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection lists every service but can only describe the proto-based
	// health service; RequestGateService speaks the JSON codec and has no
	// descriptor, so call it with gatectl.
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("request gate server listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Graceful shutdown
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		// Parked checks hold their RPCs open; give them a bounded drain.
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warn("graceful stop timed out, forcing")
			grpcServer.Stop()
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("server exited with error", zap.Error(err))
	}
}

func mustOpenSettings(ctx context.Context, cfg config.Config, logger *zap.Logger) (kv.Store, func()) {
	switch cfg.SettingsDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory settings, approvals will not survive a restart")
		return kv.NewMemory(), func() {}
	case config.DriverPostgres:
		s, err := kv.OpenSQL(ctx, kv.DialectPostgres, cfg.SettingsDSN)
		if err != nil {
			logger.Fatal("failed to open postgres settings store", zap.Error(err))
		}
		logger.Info("postgres settings store connected")
		return s, func() { _ = s.Close() }
	default:
		s, err := kv.OpenSQL(ctx, kv.DialectSQLite, cfg.SettingsDSN)
		if err != nil {
			logger.Fatal("failed to open sqlite settings store", zap.String("path", cfg.SettingsDSN), zap.Error(err))
		}
		logger.Info("sqlite settings store opened", zap.String("path", cfg.SettingsDSN))
		return s, func() { _ = s.Close() }
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
