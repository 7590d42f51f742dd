package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"studentvc/internal/app"
	"studentvc/internal/identity"
	"studentvc/internal/issuance/handler"
	"studentvc/internal/platform/config"
	"studentvc/internal/platform/httpserver"
	"studentvc/internal/platform/logger"
	httptransport "studentvc/internal/transport/http"
	"studentvc/pkg/platform/middleware/metadata"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal service packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "studentvc:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}()

	clientIP, err := metadata.NewResolver(cfg.Server.TrustedProxies...)
	if err != nil {
		return err
	}

	health := make(map[string]httptransport.HealthCheck, len(a.Health))
	for name, check := range a.Health {
		health[name] = check
	}
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:   log,
		Document: identity.NewDocument(a.Key),
		Gatherer: a.Registry,
		Health:   health,
		Routes: []httptransport.Routes{
			handler.New(a.Service, log, handler.WithRateLimit(a.RateLimit)),
		},
		RateLimit: a.RateLimit,
		ClientIP:  clientIP,
	})

	srv := httpserver.New(cfg.Server.Addr, router, cfg.Server.ReadHeaderTimeout)
	log.Info("starting studentvc", "addr", cfg.Server.Addr, "issuer_id", a.Key.Identifier(), "store", cfg.Store.Backend)
	return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
}
