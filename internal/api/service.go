// Package api implements the gRPC runtime described in spec §4.3:
// SubmitCertificate and GetSourceHead as unary RPCs, WatchCertificates as a
// bidirectional stream with an OpenStream handshake, bounded per-stream
// outbound queues, and a subnet_subscription fan-out index. The wire
// framing rides the "topos" codec (internal/api/wire) rather than
// generated protobuf descriptor code.
package api

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/topos-protocol/tce-node/internal/api/wire"
	"github.com/topos-protocol/tce-node/internal/engine"
	"github.com/topos-protocol/tce-node/internal/pkg/toposerr"
	"github.com/topos-protocol/tce-node/internal/pkg/ulid"
	"github.com/topos-protocol/tce-node/internal/storage"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// ServiceName matches the service declared in api/topos.proto.
const ServiceName = "topos.tce.v1.TceService"

// outboundQueueSize bounds how many pushed certificates a single
// WatchCertificates stream can have in flight before it starts dropping
// (spec §4.3 "bounded outbound queues").
const outboundQueueSize = 256

type stream struct {
	id      string
	targets map[topos.SubnetId]struct{}
	out     chan *wire.CertificatePushed
	done    chan struct{}
}

// StreamGauge receives WatchCertificates stream open/close signals.
// telemetry.Recorder satisfies this without api importing telemetry.
type StreamGauge interface {
	StreamOpened()
	StreamClosed()
}

// Server implements the TceService handlers described in api/topos.proto.
type Server struct {
	engine *engine.Engine
	store  *storage.Store
	gauge  StreamGauge

	mu                 sync.RWMutex
	activeStreams      map[string]*stream
	subnetSubscription map[topos.SubnetId]map[string]struct{}
}

// New builds a Server bound to eng and store.
func New(eng *engine.Engine, store *storage.Store) *Server {
	return &Server{
		engine:             eng,
		store:              store,
		activeStreams:      make(map[string]*stream),
		subnetSubscription: make(map[topos.SubnetId]map[string]struct{}),
	}
}

// SetStreamGauge attaches a StreamGauge used for subsequent stream
// open/close events. A nil gauge (the default) disables the measurement.
func (s *Server) SetStreamGauge(g StreamGauge) {
	s.gauge = g
}

// ServiceDesc is the hand-authored equivalent of a protoc-gen-go-grpc
// _grpc.pb.go ServiceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitCertificate", Handler: submitCertificateHandler},
		{MethodName: "GetSourceHead", Handler: getSourceHeadHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchCertificates",
			Handler:       watchCertificatesHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "api/topos.proto",
}

// Register attaches the TceService handlers to s.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func submitCertificateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.handleSubmitCertificate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + ServiceName + "/SubmitCertificate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.handleSubmitCertificate(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) handleSubmitCertificate(_ context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	if in.SubmitCertificateRequest == nil {
		return nil, status.Error(toposerr.InvalidInput.GRPCCode(), "missing submit_certificate_request")
	}
	cert := in.SubmitCertificateRequest.Certificate.ToDomain()
	if err := s.engine.Submit(cert); err != nil {
		if toposerr.Is(err, toposerr.AlreadyExists) {
			return &wire.Envelope{Type: wire.TypeSubmitCertificateResponse, SubmitCertificateResponse: &wire.SubmitCertificateResponse{}}, nil
		}
		return nil, grpcError(err)
	}
	return &wire.Envelope{Type: wire.TypeSubmitCertificateResponse, SubmitCertificateResponse: &wire.SubmitCertificateResponse{}}, nil
}

func getSourceHeadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.handleGetSourceHead(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + ServiceName + "/GetSourceHead"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.handleGetSourceHead(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) handleGetSourceHead(_ context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	if in.GetSourceHeadRequest == nil {
		return nil, status.Error(toposerr.InvalidInput.GRPCCode(), "missing get_source_head_request")
	}
	subnet := topos.SubnetId(in.GetSourceHeadRequest.SubnetId)
	cert, pos, err := s.store.GetSourceHead(subnet)
	if err != nil {
		return nil, grpcError(err)
	}
	return &wire.Envelope{
		Type: wire.TypeGetSourceHeadResponse,
		GetSourceHeadResponse: &wire.GetSourceHeadResponse{
			SubnetId:    subnet,
			Certificate: wire.FromDomain(cert),
			Position:    uint64(pos),
		},
	}, nil
}

func watchCertificatesHandler(srv any, ss grpc.ServerStream) error {
	s := srv.(*Server)
	return s.handleWatchCertificates(ss)
}

func (s *Server) handleWatchCertificates(ss grpc.ServerStream) error {
	first := new(wire.Envelope)
	if err := ss.RecvMsg(first); err != nil {
		return err
	}
	if first.Type != wire.TypeOpenStream || first.OpenStream == nil {
		return status.Error(toposerr.InvalidInput.GRPCCode(), "first message on WatchCertificates must be open_stream")
	}
	if len(first.OpenStream.TargetSubnetIds) == 0 {
		return grpcError(toposerr.New(toposerr.InvalidInput, "open_stream target_subnet_ids must not be empty"))
	}

	checkpoint := targetCheckpointFromOpenStream(first.OpenStream)

	st := &stream{
		// A ULID rather than a UUID: stream ids sort chronologically
		// by open time.
		id:      ulid.New(),
		targets: make(map[topos.SubnetId]struct{}, len(checkpoint.TargetSubnetIds)),
		out:     make(chan *wire.CertificatePushed, outboundQueueSize),
		done:    make(chan struct{}),
	}
	for _, t := range checkpoint.TargetSubnetIds {
		st.targets[t] = struct{}{}
	}

	s.mu.Lock()
	s.activeStreams[st.id] = st
	for target := range st.targets {
		if s.subnetSubscription[target] == nil {
			s.subnetSubscription[target] = make(map[string]struct{})
		}
		s.subnetSubscription[target][st.id] = struct{}{}
	}
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.StreamOpened()
	}

	defer s.closeStream(st)

	subnetIds := make([][32]byte, 0, len(st.targets))
	for target := range st.targets {
		subnetIds = append(subnetIds, target)
	}
	if err := ss.SendMsg(&wire.Envelope{Type: wire.TypeStreamOpened, StreamOpened: &wire.StreamOpened{StreamId: st.id, SubnetIds: subnetIds}}); err != nil {
		return err
	}

	if err := s.replayBacklog(ss, st, checkpoint.Source); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go s.pumpOutbound(ss, st, errCh)
	go s.drainInbound(ss, errCh)

	return <-errCh
}

// targetCheckpointFromOpenStream converts the wire handshake payload into
// the domain TargetCheckpoint: the target subnet ids a watcher subscribes
// to, plus the per-source positions it wants to resume from.
func targetCheckpointFromOpenStream(os *wire.OpenStream) topos.TargetCheckpoint {
	source := topos.SourceCheckpoint{Positions: make(map[topos.SubnetId]topos.SourceStreamPosition, len(os.SourcePositions))}
	for subnet, pos := range os.SourcePositions {
		id := topos.SubnetId(subnet)
		source.Positions[id] = topos.SourceStreamPosition{SubnetId: id, Position: topos.Position(pos)}
	}
	targets := make([]topos.SubnetId, len(os.TargetSubnetIds))
	for i, t := range os.TargetSubnetIds {
		targets[i] = t
	}
	return topos.TargetCheckpoint{TargetSubnetIds: targets, Source: source}
}

// replayBacklog pushes every already-delivered certificate targeting this
// stream's subnets that postdates its checkpoint, before live delivery
// begins — the "resume a watch stream" contract from spec §4.3.
func (s *Server) replayBacklog(ss grpc.ServerStream, st *stream, checkpoint topos.SourceCheckpoint) error {
	certs, err := s.store.GetCertificatesPerSubnet(checkpoint, 1<<20)
	if err != nil {
		return grpcError(err)
	}
	for _, cert := range certs {
		if !targetsAny(cert, st.targets) {
			continue
		}
		pos, _ := checkpoint.PositionFor(cert.SourceSubnetId)
		if err := ss.SendMsg(&wire.Envelope{
			Type: wire.TypeCertificatePushed,
			CertificatePushed: &wire.CertificatePushed{
				Certificate: wire.FromDomain(cert),
				Position:    uint64(pos),
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func targetsAny(cert *topos.Certificate, subnets map[topos.SubnetId]struct{}) bool {
	for _, t := range cert.TargetSubnets {
		if _, ok := subnets[t]; ok {
			return true
		}
	}
	return false
}

func (s *Server) pumpOutbound(ss grpc.ServerStream, st *stream, errCh chan<- error) {
	for {
		select {
		case push, ok := <-st.out:
			if !ok {
				return
			}
			if err := ss.SendMsg(&wire.Envelope{Type: wire.TypeCertificatePushed, CertificatePushed: push}); err != nil {
				errCh <- err
				return
			}
		case <-st.done:
			return
		}
	}
}

func (s *Server) drainInbound(ss grpc.ServerStream, errCh chan<- error) {
	for {
		msg := new(wire.Envelope)
		if err := ss.RecvMsg(msg); err != nil {
			errCh <- err
			return
		}
		// Clients only ever send the initial open_stream; anything further
		// on the client->server half is ignored rather than tearing down
		// the stream, matching a keepalive-tolerant read loop.
	}
}

func (s *Server) closeStream(st *stream) {
	close(st.done)
	s.mu.Lock()
	delete(s.activeStreams, st.id)
	for target := range st.targets {
		subs := s.subnetSubscription[target]
		delete(subs, st.id)
		if len(subs) == 0 {
			delete(s.subnetSubscription, target)
		}
	}
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.StreamClosed()
	}
}

// Publish fans a newly delivered certificate out to every active stream
// subscribed to one of its target subnets (spec §4.3 "subnet_subscription
// inverted index"). A stream whose outbound queue is full has the
// certificate dropped for it — the watcher will pick it up on
// reconnect-and-replay.
func (s *Server) Publish(cert *topos.Certificate) {
	pushed := &wire.CertificatePushed{Certificate: wire.FromDomain(cert)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, target := range cert.TargetSubnets {
		for streamID := range s.subnetSubscription[target] {
			if _, ok := seen[streamID]; ok {
				continue
			}
			seen[streamID] = struct{}{}
			st, ok := s.activeStreams[streamID]
			if !ok {
				continue
			}
			select {
			case st.out <- pushed:
			default:
			}
		}
	}
}

func grpcError(err error) error {
	var te *toposerr.Error
	if e, ok := err.(*toposerr.Error); ok {
		te = e
	} else {
		return status.Error(toposerr.Die.GRPCCode(), err.Error())
	}
	return status.Error(te.Kind.GRPCCode(), fmt.Sprintf("%s: %s", te.Kind, te.Message))
}
