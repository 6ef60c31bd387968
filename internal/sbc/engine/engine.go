// Package engine wires the call-leg machinery together: it builds legs
// with a shared configuration, bridges them, and tears everything down
// on shutdown.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/leg"
	"github.com/sebas/sbcengine/internal/sbc/media"
	"github.com/sebas/sbcengine/internal/sbc/metrics"
	"github.com/sebas/sbcengine/internal/sbc/registry"
	"github.com/sebas/sbcengine/internal/sbc/sdputil"
)

// Config carries the engine-wide collaborators and defaults.
type Config struct {
	Sessions   *registry.SessionRegistry
	Calls      *registry.CallRegistry
	Handler    leg.LegHandler
	Metrics    *metrics.Metrics
	RTPMode    media.Mode
	HoldPolicy sdputil.HoldMethod
	Logger     *slog.Logger
}

// Engine builds and bridges call legs over a shared registry pair.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates an engine. Nil registries are replaced with fresh ones.
func New(cfg Config) *Engine {
	if cfg.Sessions == nil {
		cfg.Sessions = registry.NewSessionRegistry()
	}
	if cfg.Calls == nil {
		cfg.Calls = registry.NewCallRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, log: cfg.Logger}
}

// Sessions returns the shared session registry.
func (e *Engine) Sessions() *registry.SessionRegistry { return e.cfg.Sessions }

// Calls returns the shared call registry.
func (e *Engine) Calls() *registry.CallRegistry { return e.cfg.Calls }

// NewCallerLeg builds and starts the caller-side leg for an incoming
// dialog.
func (e *Engine) NewCallerLeg(dlg dialog.Dialog) (*leg.CallLeg, error) {
	l := leg.NewALeg(dlg, leg.Config{
		Registry:   e.cfg.Sessions,
		Calls:      e.cfg.Calls,
		Handler:    e.cfg.Handler,
		Metrics:    e.cfg.Metrics,
		RTPMode:    e.cfg.RTPMode,
		HoldPolicy: e.cfg.HoldPolicy,
		Logger:     e.log,
	})
	if err := l.Start(); err != nil {
		return nil, err
	}
	return l, nil
}

// Bridge schedules the creation of a callee leg bridged to caller. The
// callee dialog must be fresh; the caller's stored INVITE is relayed to
// it.
func (e *Engine) Bridge(caller *leg.CallLeg, calleeDlg dialog.Dialog, hdrs dialog.Headers) bool {
	return caller.Do(func() {
		callee := leg.NewBLeg(caller, calleeDlg, nil)
		if err := caller.AddNewCallee(callee, caller.NewConnectMessage(hdrs)); err != nil {
			e.log.Error("[Engine] Failed to bridge call", "caller", caller.Tag(), "error", err)
		}
	})
}

// ActiveLegs returns the number of currently registered legs.
func (e *Engine) ActiveLegs() int { return e.cfg.Sessions.Count() }

// Shutdown terminates every registered leg and waits for the registry
// to drain or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, tag := range e.cfg.Sessions.Tags() {
		e.cfg.Sessions.Send(tag, &leg.Terminate{})
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for e.cfg.Sessions.Count() > 0 {
		select {
		case <-ctx.Done():
			e.log.Warn("[Engine] Shutdown timed out", "remaining", e.cfg.Sessions.Count())
			return
		case <-ticker.C:
		}
	}
}
