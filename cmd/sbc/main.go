package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/sbcengine/internal/banner"
	"github.com/sebas/sbcengine/internal/logger"
	"github.com/sebas/sbcengine/internal/sbc/api"
	"github.com/sebas/sbcengine/internal/sbc/config"
	"github.com/sebas/sbcengine/internal/sbc/engine"
	"github.com/sebas/sbcengine/internal/sbc/metrics"
	"github.com/sebas/sbcengine/internal/sbc/registry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("SBC Call-Leg Engine", []banner.ConfigLine{
		{Label: "SIP port", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "API port", Value: fmt.Sprintf(":%d", cfg.APIPort)},
		{Label: "RTP mode", Value: cfg.ParseRTPMode().String()},
		{Label: "Hold method", Value: cfg.ParseHoldMethod().String()},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	run(cfg)
}

func run(cfg *config.Config) {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	sessions := registry.NewSessionRegistry()
	calls := registry.NewCallRegistry()

	eng := engine.New(engine.Config{
		Sessions:   sessions,
		Calls:      calls,
		Metrics:    m,
		RTPMode:    cfg.ParseRTPMode(),
		HoldPolicy: cfg.ParseHoldMethod(),
	})
	slog.Info("Engine ready", "legs", eng.ActiveLegs())

	apiServer := api.NewServer(cfg.APIPort, sessions, calls, promReg)
	go func() {
		if err := apiServer.Start(); err != nil {
			slog.Error("API server error", "error", err)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng.Shutdown(ctx)
	if err := apiServer.Shutdown(ctx); err != nil {
		slog.Error("API shutdown error", "error", err)
	}
}
