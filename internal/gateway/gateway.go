// ABOUTME: Gateway wires the bus, store, resolver, recorder, router, and livefeed together
// ABOUTME: Runs the consume loops and handles each delivery resolve → record → dispatch

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fieldtalk/bridge-gateway/internal/bus"
	"github.com/fieldtalk/bridge-gateway/internal/config"
	"github.com/fieldtalk/bridge-gateway/internal/dedupe"
	"github.com/fieldtalk/bridge-gateway/internal/dispatch"
	"github.com/fieldtalk/bridge-gateway/internal/envelope"
	"github.com/fieldtalk/bridge-gateway/internal/history"
	"github.com/fieldtalk/bridge-gateway/internal/livefeed"
	"github.com/fieldtalk/bridge-gateway/internal/session"
	"github.com/fieldtalk/bridge-gateway/internal/store"
)

const (
	// recentTTL bounds how long a message id is remembered in process.
	// The store's unique constraint covers everything beyond that.
	recentTTL     = 10 * time.Minute
	recentMaxSize = 10000

	shutdownTimeout = 10 * time.Second
)

// Gateway is the assembled service: consume loops feeding the
// resolve → record → dispatch pipeline, plus the livefeed listener.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	bus      *bus.Client
	resolver *session.Resolver
	recorder *history.Recorder
	router   *dispatch.Router
	hub      *livefeed.Hub
	recent   *dedupe.Cache
}

// New builds a Gateway from configuration. The bus is not connected yet;
// Run does that.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	busClient, err := bus.New(cfg.Bus, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating bus client: %w", err)
	}

	recorder := history.New(st, history.Config{
		ReconnectTemplate: cfg.Session.ReconnectTemplate,
	}, logger)

	g := &Gateway{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		store:  st,
		bus:    busClient,
		resolver: session.New(st, session.Config{
			DefaultOfficerID: cfg.Session.DefaultOfficerID,
			ReengageWindow:   cfg.Session.ReengageWindow,
		}, logger),
		recorder: recorder,
		router: dispatch.New(dispatch.Config{
			AssistantKey:      cfg.Dispatch.AssistantKey,
			PlatformKeys:      cfg.Dispatch.PlatformKeys,
			ReconnectTemplate: cfg.Session.ReconnectTemplate,
		}, busClient, recorder, logger),
		hub:    livefeed.NewHub(logger),
		recent: dedupe.New(recentTTL, recentMaxSize),
	}
	return g, nil
}

// Run connects to the broker, declares topology, starts the livefeed
// listener and one consume loop per configured binding, then blocks until
// ctx is cancelled. In-flight deliveries finish before resources close.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.Connect(ctx); err != nil {
		return err
	}
	if err := g.bus.Initialize(ctx); err != nil {
		return err
	}

	feed := livefeed.NewServer(g.hub, g.router, g.recorder, g.logger)
	httpSrv := &http.Server{
		Addr:    g.cfg.Server.HTTPAddr,
		Handler: feed.Routes(),
	}
	go func() {
		g.logger.Info("livefeed listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("livefeed listener failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for _, b := range g.cfg.Gateway.Consume {
		wg.Add(1)
		go func(b bus.QueueBinding) {
			defer wg.Done()
			if err := g.bus.Consume(ctx, b.Queue, b.RoutingKey, g.handleDelivery); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("consume loop exited", "queue", b.Queue, "error", err)
			}
		}(b)
	}

	<-ctx.Done()
	g.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("livefeed shutdown", "error", err)
	}

	wg.Wait()
	g.Close()
	return ctx.Err()
}

// Close releases everything Run opened. Safe after a failed Run.
func (g *Gateway) Close() {
	g.bus.Disconnect()
	g.hub.Close()
	g.recent.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Warn("closing store", "error", err)
	}
}

// handleDelivery processes one bus delivery sequentially:
// decode → resolve → record → dispatch → livefeed notify.
// Returned errors are logged by the bus client and the delivery is
// acknowledged regardless; everything that must survive a crash is
// protected by the store's idempotent insert instead.
//
// The cache is consulted read-only and marked only once the whole pipeline
// has run, so a transient failure anywhere leaves the id unmarked and the
// broker's redelivery re-enters the pipeline. A redelivery that finds its
// record already persisted is still dispatched: downstream consumers dedupe
// by message id, and skipping would lose the outbound leg after a crash
// between record and dispatch.
func (g *Gateway) handleDelivery(ctx context.Context, body []byte) error {
	env, err := envelope.Decode(body)
	if err != nil {
		g.logger.Warn("dropping malformed envelope", "error", err)
		return err
	}

	logger := g.logger.With("message_id", env.Header.MessageID, "sender_role", env.Header.SenderRole)

	if g.recent.Contains(env.Header.MessageID) {
		logger.Debug("dropping recently seen message")
		return nil
	}

	res, err := g.resolver.Resolve(ctx, env)
	if err != nil {
		if errors.Is(err, session.ErrNoOfficer) {
			logger.Warn("dropping unroutable envelope", "error", err)
			return err
		}
		logger.Error("session resolution failed", "error", err)
		return err
	}

	rec, err := g.recorder.Record(ctx, env, res.Session.ID, res.SendReconnectTemplate)
	if err != nil {
		logger.Error("recording failed", "error", err)
		return err
	}
	if rec.Duplicate {
		logger.Debug("redelivered message, already recorded", "chat_id", rec.ChatID)
	}

	if err := g.router.Route(ctx, env, rec.SessionID, rec.SendReconnectTemplate); err != nil {
		if errors.Is(err, dispatch.ErrUnknownPlatform) {
			// Data error: dropping is final, redelivery cannot fix it.
			g.recent.Mark(env.Header.MessageID)
			return nil
		}
		logger.Error("dispatch failed", "error", err)
		return err
	}

	g.recent.Mark(env.Header.MessageID)
	if !rec.Duplicate {
		g.notifyFeed(ctx, rec.SessionID, env.Header.MessageID)
	}
	return nil
}

// notifyFeed pushes the freshly persisted record to livefeed subscribers.
// Best effort; a miss only delays the viewer until the next replay.
func (g *Gateway) notifyFeed(ctx context.Context, sessionID, messageID string) {
	rec, err := g.store.GetChatRecordByMessageID(ctx, sessionID, messageID)
	if err != nil {
		g.logger.Warn("livefeed lookup failed", "session_id", sessionID, "error", err)
		return
	}
	g.hub.Publish(sessionID, rec)
}
