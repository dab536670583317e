package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gorilla/mux"

	"github.com/bitechdev/filtergateway/pkg/admin"
	"github.com/bitechdev/filtergateway/pkg/config"
	"github.com/bitechdev/filtergateway/pkg/errortracking"
	"github.com/bitechdev/filtergateway/pkg/eventbroker"
	"github.com/bitechdev/filtergateway/pkg/eventbroker/ingress"
	"github.com/bitechdev/filtergateway/pkg/logger"
	"github.com/bitechdev/filtergateway/pkg/metrics"
	"github.com/bitechdev/filtergateway/pkg/middleware"
	"github.com/bitechdev/filtergateway/pkg/server"
	"github.com/bitechdev/filtergateway/pkg/tracing"
)

func main() {
	cfgMgr := config.NewManager()
	if err := cfgMgr.Load(); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cfg, err := cfgMgr.GetConfig()
	if err != nil {
		log.Fatalf("failed to get configuration: %v", err)
	}

	logger.Init(cfg.Logger.Dev)
	if cfg.Logger.Path != "" {
		logger.UpdateLoggerPath(cfg.Logger.Path, cfg.Logger.Dev)
	}

	tracker, err := errortracking.NewProviderFromConfig(cfg.ErrorTracking)
	if err != nil {
		logger.Error("failed to init error tracking: %v", err)
		os.Exit(1)
	}
	logger.InitErrorTracking(tracker)
	defer logger.CloseErrorTracking()

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Endpoint:       cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("failed to init tracing: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown: %v", err)
		}
	}()

	metrics.SetProvider(metrics.NewPrometheusProvider(metrics.DefaultConfig()))

	logger.Info("filter gateway starting, instance_id=%s", cfg.FilterGateway.InstanceID)

	sup, err := newSupervisor(cfg)
	if err != nil {
		logger.Error("failed to build supervisor: %v", err)
		os.Exit(1)
	}
	if err := sup.Start(); err != nil {
		logger.Error("failed to start supervisor: %v", err)
		os.Exit(1)
	}

	in, err := newIngress(cfg, sup)
	if err != nil {
		logger.Error("failed to build ingress adapter: %v", err)
		os.Exit(1)
	}
	if err := in.Start(context.Background()); err != nil {
		logger.Error("failed to start ingress adapter: %v", err)
		os.Exit(1)
	}
	defer in.Stop()

	r := mux.NewRouter()
	admin.NewHandler(sup).Register(r)
	r.Handle("/metrics", metrics.GetProvider().Handler()).Methods("GET")

	mgr := server.NewManager()
	host, port, err := parseAddr(cfg.Server.Addr)
	if err != nil {
		logger.Error("invalid server address %q: %v", cfg.Server.Addr, err)
		os.Exit(1)
	}

	var handler = middleware.PanicRecovery(r)
	if _, err := mgr.Add(server.Config{
		Name:            "admin",
		Host:            host,
		Port:            port,
		Handler:         handler,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DrainTimeout:    cfg.Server.DrainTimeout,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
	}); err != nil {
		logger.Error("failed to add admin server: %v", err)
		os.Exit(1)
	}

	logger.Info("admin surface listening on %s", cfg.Server.Addr)
	if err := mgr.ServeWithGracefulShutdown(); err != nil {
		logger.Error("server failed: %v", err)
		os.Exit(1)
	}
}

// ingressAdapter is the minimal surface both transport adapters expose.
type ingressAdapter interface {
	Start(ctx context.Context) error
	Stop()
}

func newSupervisor(cfg *config.Config) (*eventbroker.Supervisor, error) {
	opts := eventbroker.Options{
		ExtractorSource:   cfg.FilterGateway.ExtractorSource,
		InstanceID:        cfg.FilterGateway.InstanceID,
		MailboxBufferSize: cfg.FilterGateway.MailboxBufferSize,
		WorkerIdleTTL:     cfg.FilterGateway.WorkerIdleTTL,
		ReloadDeadline:    cfg.FilterGateway.ReloadDeadline,
		ClusterGroup:      cfg.FilterGateway.ClusterGroup,
	}

	if cfg.FilterGateway.Membership == "nats" {
		m, err := eventbroker.NewNATSMembership(
			cfg.FilterGateway.NATS.URL,
			cfg.FilterGateway.NATS.MembershipSubject,
			cfg.FilterGateway.NATS.HeartbeatInterval,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to init NATS membership: %w", err)
		}
		opts.Membership = m
	}

	return eventbroker.NewSupervisor(opts)
}

func newIngress(cfg *config.Config, sup *eventbroker.Supervisor) (ingressAdapter, error) {
	switch cfg.FilterGateway.Ingress {
	case "redis":
		return ingress.NewRedisIngress(ingress.RedisConfig{
			Host:          cfg.FilterGateway.Redis.Host,
			Port:          cfg.FilterGateway.Redis.Port,
			Password:      cfg.FilterGateway.Redis.Password,
			DB:            cfg.FilterGateway.Redis.DB,
			StreamName:    cfg.FilterGateway.Redis.StreamName,
			ConsumerGroup: cfg.FilterGateway.Redis.ConsumerGroup,
		}, sup)
	case "nats", "":
		return ingress.NewNATSIngress(ingress.NATSConfig{
			URL:            cfg.FilterGateway.NATS.URL,
			IngressSubject: cfg.FilterGateway.NATS.IngressSubject,
			InstanceID:     cfg.FilterGateway.InstanceID,
		}, sup)
	default:
		return nil, fmt.Errorf("unknown ingress adapter: %s", cfg.FilterGateway.Ingress)
	}
}

func parseAddr(addr string) (host string, port int, err error) {
	if addr == "" {
		return "", 8080, nil
	}
	if addr[0] == ':' {
		_, err = fmt.Sscanf(addr, ":%d", &port)
		return "", port, err
	}
	_, err = fmt.Sscanf(addr, "%[^:]:%d", &host, &port)
	return host, port, err
}
