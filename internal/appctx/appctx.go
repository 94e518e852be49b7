// Package appctx wires the engine, gossip fabric and API runtime together.
// It holds no broadcast state of its own (spec §4.4): its only job is
// translating an engine.Event into the right gossip publication or API
// fan-out call, and translating an inbound gossip message into the right
// engine call. This mirrors the routing table in the original TCE's
// app_context/protocol.rs.
package appctx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topos-protocol/tce-node/internal/api"
	"github.com/topos-protocol/tce-node/internal/engine"
	"github.com/topos-protocol/tce-node/internal/gossip"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// EventObserver receives a tally of engine event kinds as they're routed.
// telemetry.Recorder satisfies this without appctx importing telemetry.
type EventObserver interface {
	ObserveEngineEvent(kind engine.EventKind)
}

// AppContext is the pure router between the engine, the gossip fabric and
// the API runtime.
type AppContext struct {
	logger         *slog.Logger
	engine         *engine.Engine
	fabric         *gossip.Fabric
	api            *api.Server
	observer       EventObserver
	onStableSample func()

	idleSweepInterval time.Duration

	eg *errgroup.Group
}

// New builds an AppContext. logger defaults to slog.Default() if nil.
func New(logger *slog.Logger, eng *engine.Engine, fabric *gossip.Fabric, apiServer *api.Server, idleSweepInterval time.Duration) *AppContext {
	if logger == nil {
		logger = slog.Default()
	}
	if idleSweepInterval <= 0 {
		idleSweepInterval = 5 * time.Second
	}
	return &AppContext{
		logger:            logger,
		engine:            eng,
		fabric:            fabric,
		api:               apiServer,
		idleSweepInterval: idleSweepInterval,
	}
}

// SetObserver attaches an EventObserver used for subsequent engine events.
// A nil observer (the default) disables the measurement.
func (a *AppContext) SetObserver(o EventObserver) {
	a.observer = o
}

// SetStableSampleCallback registers a callback invoked once, the first time
// the engine reports its validator sample as stable — used to flip the
// gRPC health status to SERVING.
func (a *AppContext) SetStableSampleCallback(cb func()) {
	a.onStableSample = cb
}

// Run starts every routing loop in its own goroutine and returns without
// blocking; the loops run until ctx is cancelled, and Wait blocks until
// they've all drained — the cooperative-shutdown idiom the original
// sequencer's CancellationToken + completion channel implements in Rust.
// The loops are supervised by an errgroup.Group rather than a bare
// sync.WaitGroup: an unexpected closed channel in any one of them cancels
// the shared context and is surfaced through Wait, instead of the other
// loops running on unsupervised.
func (a *AppContext) Run(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	a.eg = eg

	eg.Go(func() error { return a.routeEngineEvents(egCtx) })
	eg.Go(func() error { return a.routeGossipTopic(egCtx, gossip.TopicGossip, a.onGossip) })
	eg.Go(func() error { return a.routeGossipTopic(egCtx, gossip.TopicEcho, a.onEcho) })
	eg.Go(func() error { return a.routeGossipTopic(egCtx, gossip.TopicReady, a.onReady) })
	eg.Go(func() error { return a.sweepIdleLoop(egCtx) })
}

// Wait blocks until every routing goroutine started by Run has returned,
// and reports the first unexpected error any of them hit (nil on a clean
// context-cancellation shutdown).
func (a *AppContext) Wait() error {
	return a.eg.Wait()
}

func (a *AppContext) routeEngineEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.engine.Events():
			if !ok {
				return fmt.Errorf("appctx: engine event channel closed unexpectedly")
			}
			a.onEngineEvent(ctx, ev)
		}
	}
}

func (a *AppContext) onEngineEvent(ctx context.Context, ev engine.Event) {
	if a.observer != nil {
		a.observer.ObserveEngineEvent(ev.Kind)
	}
	switch ev.Kind {
	case engine.EventGossip:
		// Plain dissemination of the certificate, not a vote: no validator
		// identity attached.
		a.publish(ctx, gossip.TopicGossip, ev.Certificate, "")
	case engine.EventEcho:
		a.publish(ctx, gossip.TopicEcho, ev.Certificate, a.engine.SelfValidatorId())
	case engine.EventReady:
		a.publish(ctx, gossip.TopicReady, ev.Certificate, a.engine.SelfValidatorId())
	case engine.EventBroadcast:
		a.api.Publish(ev.Certificate)
		a.logger.Info("certificate delivered", "certificate_id", ev.Certificate.Id.String(), "source_subnet_id", ev.Certificate.SourceSubnetId.String())
	case engine.EventBroadcastFailed:
		a.logger.Warn("broadcast failed", "certificate_id", certID(ev.Certificate), "error", ev.Err)
	case engine.EventAlreadyDelivered:
		a.logger.Debug("resubmission of already-delivered certificate ignored", "certificate_id", certID(ev.Certificate))
	case engine.EventStableSample:
		a.logger.Info("validator sample is stable")
		if a.onStableSample != nil {
			a.onStableSample()
		}
	}
}

func certID(c *topos.Certificate) string {
	if c == nil {
		return ""
	}
	return c.Id.String()
}

func (a *AppContext) publish(ctx context.Context, topic gossip.Topic, cert *topos.Certificate, validator topos.ValidatorId) {
	if err := a.fabric.Publish(ctx, gossip.Message{Topic: topic, Certificate: cert, Validator: validator}); err != nil {
		a.logger.Warn("gossip publish failed", "topic", topic, "error", err)
	}
}

func (a *AppContext) routeGossipTopic(ctx context.Context, topic gossip.Topic, handle func(gossip.Message)) error {
	sub := a.fabric.Subscribe(topic, 0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub:
			if !ok {
				return fmt.Errorf("appctx: gossip subscription for topic %s closed unexpectedly", topic)
			}
			handle(msg)
		}
	}
}

func (a *AppContext) onGossip(msg gossip.Message) {
	if err := a.engine.OnGossip(msg.Certificate); err != nil {
		a.logger.Warn("gossip certificate rejected", "error", err)
	}
}

func (a *AppContext) onEcho(msg gossip.Message) {
	a.engine.OnEcho(msg.Certificate.Id, msg.Validator)
}

func (a *AppContext) onReady(msg gossip.Message) {
	a.engine.OnReady(msg.Certificate.Id, msg.Validator)
}

func (a *AppContext) sweepIdleLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			a.engine.SweepIdle(now)
		}
	}
}
