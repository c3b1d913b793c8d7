package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ledgerconfig "debtledger/config"
	"debtledger/core/events"
	"debtledger/native/common"
	"debtledger/observability"
	"debtledger/observability/logging"
	telemetry "debtledger/observability/otel"
	"debtledger/services/lendingd/config"
	"debtledger/services/lendingd/eventstore"
	"debtledger/services/lendingd/ledger"
	"debtledger/services/lendingd/server"
	"debtledger/services/lendingd/stream"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("DEBTLEDGER_ENV"))
	}
	logger, logCloser := logging.SetupWithFile("lendingd", env, cfg.LogFile)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ledgerCfg, err := ledgerconfig.LoadLedger(cfg.LedgerConfig)
	if err != nil {
		log.Fatalf("load ledger config: %v", err)
	}

	store, err := eventstore.Open(cfg.EventStore.Driver, cfg.EventStore.DSN, logger)
	if err != nil {
		log.Fatalf("open event store: %v", err)
	}
	defer store.Close()
	logger.Info("event store ready",
		slog.String("driver", cfg.EventStore.Driver),
		logging.MaskField("dsn", cfg.EventStore.DSN))

	hub := stream.NewHub(64, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := ledger.Open(ctx, ledgerCfg, ledger.Options{
		Emitter: events.Multi{store, hub, observability.Events()},
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	var quota *common.QuotaTracker
	if cfg.Quota.MaxRequestsPerEpoch > 0 || cfg.Quota.MaxAmountPerEpoch > 0 {
		quota = common.NewQuotaTracker(cfg.Quota)
	}
	srv := server.New(server.Config{
		Engine: l.Engine,
		Pauses: l.Pauses,
		Events: store,
		Stream: hub,
		Auth: server.AuthConfig{
			HMACSecret:    cfg.Auth.JWTSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			ClockSkew:     cfg.Auth.ClockSkew.Duration,
			AdminSubjects: cfg.Auth.AdminSubjects,
		},
		RateLimit:      server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Quota:          quota,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout.Duration,
		ServiceName:    cfg.Telemetry.ServiceName,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	useTLS := cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != ""
	if !useTLS {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening",
			slog.String("address", cfg.ListenAddress),
			slog.Bool("tls", useTLS),
			slog.String("ledger", l.Address.String()))
		if useTLS {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
