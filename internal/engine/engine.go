// Package engine implements the Double-Echo reliable broadcast state
// machine (spec §4.2): per-certificate Echo/Ready vote counting against
// thresholds derived from the validator set size, pending-bucket causal
// ordering, idle-timeout eviction, and the event stream the rest of the
// node reacts to.
package engine

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/topos-protocol/tce-node/internal/pkg/toposerr"
	"github.com/topos-protocol/tce-node/internal/storage"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// Verifier performs the proof/signature check spec §5 ("Suspension points")
// calls out as CPU work that must not run inline on the engine's own
// goroutine. The proof system's internals are out of this module's scope
// (spec §1 Non-goals: "the cryptographic proof system's internals... are
// opaque byte strings"); Verifier is the seam a concrete scheme plugs into.
type Verifier interface {
	Verify(cert *topos.Certificate) error
}

// noopVerifier hashes the certificate's content-identifying fields to stand
// in for the real CPU cost spec §5 describes, then accepts unconditionally.
// A production deployment plugs in a Verifier that checks proof against the
// scheme named by cert.Verifier.
type noopVerifier struct{}

func (noopVerifier) Verify(cert *topos.Certificate) error {
	h := sha256.New()
	h.Write(cert.Id[:])
	h.Write(cert.StateRoot[:])
	h.Write(cert.TxRootHash[:])
	h.Write(cert.Proof)
	h.Write(cert.Signature)
	h.Sum(nil)
	return nil
}

// defaultMaxConcurrentVerifications bounds how many certificate
// verifications run at once across concurrently-calling goroutines (gRPC
// unary handlers, gossip delivery) when Config.MaxConcurrentVerifications
// is unset.
const defaultMaxConcurrentVerifications = 8

// Status is the lifecycle state of a certificate's broadcast.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusEchoSent
	StatusReadySent
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEchoSent:
		return "echo_sent"
	case StatusReadySent:
		return "ready_sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Thresholds are the echo/ready/delivery vote counts a broadcast needs to
// progress, computed once at startup from the validator set size (spec
// §4.2). They are frozen for the lifetime of the engine: the spec treats a
// mid-broadcast validator set change as out of scope.
type Thresholds struct {
	Echo    int
	Ready   int
	Deliver int
}

// ComputeThresholds derives E/R/D from a validator set of size n, tolerating
// up to f = (n-1)/3 byzantine validators, matching the Bracha double-echo
// thresholds: E = R = D = n - f.
func ComputeThresholds(n int) Thresholds {
	if n <= 0 {
		n = 1
	}
	f := (n - 1) / 3
	q := n - f
	return Thresholds{Echo: q, Ready: q, Deliver: q}
}

// Event is emitted by the engine for the AppContext router to fan out to
// gossip and the API runtime.
type Event struct {
	Kind        EventKind
	Certificate *topos.Certificate
	Err         error
}

type EventKind int

const (
	EventGossip EventKind = iota
	EventEcho
	EventReady
	EventBroadcast
	EventBroadcastFailed
	EventAlreadyDelivered
	EventStableSample
)

type broadcastState struct {
	cert       *topos.Certificate
	status     Status
	echoes     map[topos.ValidatorId]struct{}
	readies    map[topos.ValidatorId]struct{}
	lastActive time.Time
}

// Engine runs the double-echo protocol over a fixed validator set.
type Engine struct {
	mu sync.Mutex

	store           *storage.Store
	thresholds      Thresholds
	isValidator     bool
	selfValidatorId topos.ValidatorId
	idleTimeout     time.Duration

	verifier  Verifier
	verifySem *semaphore.Weighted

	broadcasts map[topos.CertificateId]*broadcastState
	events     chan Event

	stableSample bool
}

// Config configures a new Engine.
type Config struct {
	Store                      *storage.Store
	ValidatorSetSize           int
	IsValidator                bool
	SelfValidatorId            topos.ValidatorId
	BroadcastIdleTimeout       time.Duration
	EventBufferSize            int
	Verifier                   Verifier
	MaxConcurrentVerifications int
}

// New builds an Engine with thresholds frozen from cfg.ValidatorSetSize.
func New(cfg Config) *Engine {
	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 2048
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = noopVerifier{}
	}
	maxVerifications := int64(cfg.MaxConcurrentVerifications)
	if maxVerifications <= 0 {
		maxVerifications = defaultMaxConcurrentVerifications
	}
	return &Engine{
		store:           cfg.Store,
		thresholds:      ComputeThresholds(cfg.ValidatorSetSize),
		isValidator:     cfg.IsValidator,
		selfValidatorId: cfg.SelfValidatorId,
		idleTimeout:     cfg.BroadcastIdleTimeout,
		verifier:        verifier,
		verifySem:       semaphore.NewWeighted(maxVerifications),
		broadcasts:      make(map[topos.CertificateId]*broadcastState),
		events:          make(chan Event, bufSize),
	}
}

// SelfValidatorId returns this node's own validator identity, stamped onto
// the Echo/Ready votes it casts so remote peers can tell it apart from
// every other validator (spec §3, §4.2: distinct validator_id per vote).
func (e *Engine) SelfValidatorId() topos.ValidatorId {
	return e.selfValidatorId
}

// Events returns the channel of protocol events for the AppContext router
// to drain. The engine never closes it; shutdown is the caller's concern.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Thresholds returns the frozen E/R/D thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Event bus is full: drop rather than block the protocol loop.
		// The API runtime's own bounded queues apply backpressure upstream
		// of this, so a full event bus indicates a slow consumer, not a
		// healthy-but-busy one.
	}
}

// Submit introduces a certificate to the broadcast, as either a local
// submission or a first gossip observation. If the certificate's
// predecessor hasn't been delivered yet, it is parked and re-submitted
// automatically once the predecessor lands (causal ordering, spec §4.2).
func (e *Engine) Submit(cert *topos.Certificate) error {
	if err := cert.Validate(); err != nil {
		return toposerr.Wrap(toposerr.InvalidInput, err, "certificate validation failed")
	}

	if err := e.verifyCertificate(cert); err != nil {
		return toposerr.Wrap(toposerr.InvalidInput, err, "certificate signature verification failed")
	}

	if _, _, err := e.store.GetSourceHead(cert.SourceSubnetId); err != nil {
		return toposerr.Wrap(toposerr.UnableToGetSourceHead, err, "resolve source head for %s", cert.SourceSubnetId)
	}

	e.mu.Lock()
	if bs, ok := e.broadcasts[cert.Id]; ok {
		e.mu.Unlock()
		if bs.status == StatusDelivered {
			e.emit(Event{Kind: EventAlreadyDelivered, Certificate: cert})
		}
		return nil
	}

	if !cert.IsGenesis() {
		if existing, err := e.store.GetCertificate(cert.PrevId); err == nil && existing == nil {
			e.mu.Unlock()
			if err := e.store.ParkPending(cert.SourceSubnetId, cert.PrevId, cert); err != nil {
				return toposerr.Wrap(toposerr.Die, err, "park pending certificate %s", cert.Id)
			}
			return nil
		}
	}

	e.broadcasts[cert.Id] = &broadcastState{
		cert:       cert,
		status:     StatusPending,
		echoes:     make(map[topos.ValidatorId]struct{}),
		readies:    make(map[topos.ValidatorId]struct{}),
		lastActive: time.Now(),
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventGossip, Certificate: cert})
	if e.isValidator {
		e.castEcho(cert)
	}
	return nil
}

// verifyCertificate runs cert through the configured Verifier under a
// weighted semaphore, so a burst of concurrent Submit callers (unary gRPC
// handlers, gossip delivery goroutines) can't starve each other or the
// engine's own event loop of CPU (spec §5 "Suspension points").
func (e *Engine) verifyCertificate(cert *topos.Certificate) error {
	ctx := context.Background()
	if err := e.verifySem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.verifySem.Release(1)
	return e.verifier.Verify(cert)
}

// OnGossip handles a certificate observed from a peer's gossip message.
func (e *Engine) OnGossip(cert *topos.Certificate) error {
	return e.Submit(cert)
}

// OnEcho records an echo vote from validator for certID, progressing to
// EchoSent (emitting a Ready vote) once the echo threshold is met.
func (e *Engine) OnEcho(certID topos.CertificateId, from topos.ValidatorId) {
	e.mu.Lock()
	bs, ok := e.broadcasts[certID]
	if !ok || bs.status == StatusDelivered || bs.status == StatusFailed {
		e.mu.Unlock()
		return
	}
	bs.echoes[from] = struct{}{}
	bs.lastActive = time.Now()
	reachedEcho := len(bs.echoes) >= e.thresholds.Echo && bs.status == StatusPending
	if reachedEcho {
		bs.status = StatusEchoSent
	}
	cert := bs.cert
	e.mu.Unlock()

	if reachedEcho && e.isValidator {
		e.castReady(cert)
	}
}

// OnReady records a ready vote from validator for certID, progressing to
// ReadySent (triggering a Ready re-broadcast, the "amplification" step of
// double-echo) once the ready threshold is met, and to Delivered once the
// delivery threshold is met.
func (e *Engine) OnReady(certID topos.CertificateId, from topos.ValidatorId) {
	e.mu.Lock()
	bs, ok := e.broadcasts[certID]
	if !ok || bs.status == StatusDelivered || bs.status == StatusFailed {
		e.mu.Unlock()
		return
	}
	bs.readies[from] = struct{}{}
	bs.lastActive = time.Now()

	reachedReady := len(bs.readies) >= e.thresholds.Ready && bs.status == StatusEchoSent
	if reachedReady {
		bs.status = StatusReadySent
	}
	reachedDeliver := len(bs.readies) >= e.thresholds.Deliver && bs.status != StatusDelivered
	cert := bs.cert
	if reachedDeliver {
		bs.status = StatusDelivered
	}
	e.mu.Unlock()

	if reachedReady && e.isValidator && !reachedDeliver {
		e.castReady(cert)
	}
	if reachedDeliver {
		e.deliver(cert)
	}
}

func (e *Engine) castEcho(cert *topos.Certificate) {
	e.emit(Event{Kind: EventEcho, Certificate: cert})
}

func (e *Engine) castReady(cert *topos.Certificate) {
	e.emit(Event{Kind: EventReady, Certificate: cert})
}

func (e *Engine) deliver(cert *topos.Certificate) {
	if err := e.store.PutDelivered(cert); err != nil && !toposerr.Is(err, toposerr.AlreadyExists) {
		e.mu.Lock()
		if bs, ok := e.broadcasts[cert.Id]; ok {
			bs.status = StatusFailed
		}
		e.mu.Unlock()
		e.emit(Event{Kind: EventBroadcastFailed, Certificate: cert, Err: err})
		return
	}

	e.emit(Event{Kind: EventBroadcast, Certificate: cert})
	e.releasePending(cert)
}

// releasePending re-submits any certificate that was parked waiting on
// cert's delivery (spec §4.2 causal ordering).
func (e *Engine) releasePending(cert *topos.Certificate) {
	released, err := e.store.ReleasePending(cert.SourceSubnetId, cert.Id)
	if err != nil || released == nil {
		return
	}
	_ = e.Submit(released)
}

// Status returns the current broadcast status for a certificate, or
// StatusUnknown if it has never been seen by this engine instance (it may
// still have been delivered before a restart; callers needing durable
// status should consult storage directly).
func (e *Engine) Status(certID topos.CertificateId) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs, ok := e.broadcasts[certID]
	if !ok {
		return StatusUnknown
	}
	return bs.status
}

// SweepIdle fails every broadcast that has seen no vote activity for longer
// than the configured idle timeout (spec §4.2 "Idle timeout").
func (e *Engine) SweepIdle(now time.Time) {
	e.mu.Lock()
	var failed []*topos.Certificate
	for id, bs := range e.broadcasts {
		if bs.status == StatusDelivered || bs.status == StatusFailed {
			continue
		}
		if now.Sub(bs.lastActive) >= e.idleTimeout {
			bs.status = StatusFailed
			failed = append(failed, bs.cert)
			delete(e.broadcasts, id)
		}
	}
	e.mu.Unlock()

	for _, cert := range failed {
		e.emit(Event{Kind: EventBroadcastFailed, Certificate: cert,
			Err: toposerr.New(toposerr.BroadcastFailed, "idle timeout elapsed for certificate %s", cert.Id)})
	}
}

// MarkStableSample flips the engine's notion of "the validator sample is
// stable" and, the first time, emits EventStableSample, which AppContext
// hands to its stable-sample callback (the node's gRPC health reporter
// switches to SERVING there).
func (e *Engine) MarkStableSample() {
	e.mu.Lock()
	already := e.stableSample
	e.stableSample = true
	e.mu.Unlock()
	if !already {
		e.emit(Event{Kind: EventStableSample})
	}
}

// StableSample reports whether MarkStableSample has been called.
func (e *Engine) StableSample() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stableSample
}
