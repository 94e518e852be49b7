package api

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/topos-protocol/tce-node/internal/api/wire"
	"github.com/topos-protocol/tce-node/internal/engine"
	"github.com/topos-protocol/tce-node/internal/pkg/toposerr"
	"github.com/topos-protocol/tce-node/internal/storage"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// fakeServerStream is a minimal grpc.ServerStream for exercising
// handleWatchCertificates without a real network connection. recvQueue is
// consumed in order by RecvMsg; once empty, RecvMsg returns recvErr (or
// io.EOF), which is how a test ends the handler's inbound/outbound pumps.
type fakeServerStream struct {
	mu        sync.Mutex
	recvQueue []*wire.Envelope
	recvErr   error

	sendMu sync.Mutex
	sent   []*wire.Envelope
}

func (f *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)       {}
func (f *fakeServerStream) Context() context.Context     { return context.Background() }

func (f *fakeServerStream) SendMsg(m any) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if env, ok := m.(*wire.Envelope); ok {
		f.sent = append(f.sent, env)
	}
	return nil
}

func (f *fakeServerStream) RecvMsg(m any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recvQueue) == 0 {
		if f.recvErr != nil {
			return f.recvErr
		}
		return io.EOF
	}
	env := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	out := m.(*wire.Envelope)
	*out = *env
	return nil
}

func newTestServer(t *testing.T) (*Server, *engine.Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := engine.New(engine.Config{Store: store, ValidatorSetSize: 1, IsValidator: true})
	return New(eng, store), eng, store
}

func TestHandleSubmitCertificateAcceptsGenesis(t *testing.T) {
	s, eng, _ := newTestServer(t)
	subnet := topos.SubnetId{1}
	cert := &topos.Certificate{SourceSubnetId: subnet, Id: topos.CertificateId{1}}

	resp, err := s.handleSubmitCertificate(context.Background(), &wire.Envelope{
		Type:                     wire.TypeSubmitCertificateRequest,
		SubmitCertificateRequest: &wire.SubmitCertificateRequest{Certificate: wire.FromDomain(cert)},
	})
	require.NoError(t, err)
	require.Equal(t, wire.TypeSubmitCertificateResponse, resp.Type)
	require.Equal(t, engine.StatusPending, eng.Status(cert.Id))
}

func TestHandleSubmitCertificateRejectsMissingPayload(t *testing.T) {
	s, _, _ := newTestServer(t)
	_, err := s.handleSubmitCertificate(context.Background(), &wire.Envelope{Type: wire.TypeSubmitCertificateRequest})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, toposerr.InvalidInput.GRPCCode(), st.Code())
}

func TestHandleGetSourceHeadReturnsSyntheticGenesis(t *testing.T) {
	s, _, _ := newTestServer(t)
	subnet := topos.SubnetId{7}

	resp, err := s.handleGetSourceHead(context.Background(), &wire.Envelope{
		Type:                 wire.TypeGetSourceHeadRequest,
		GetSourceHeadRequest: &wire.GetSourceHeadRequest{SubnetId: subnet},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), resp.GetSourceHeadResponse.Position)
	require.True(t, topos.CertificateId(resp.GetSourceHeadResponse.Certificate.Id).IsZero())
}

func TestHandleWatchCertificatesSendsStreamOpenedWithSubnetIds(t *testing.T) {
	s, _, _ := newTestServer(t)
	targets := [][32]byte{{1}, {2}}

	ss := &fakeServerStream{recvQueue: []*wire.Envelope{
		{Type: wire.TypeOpenStream, OpenStream: &wire.OpenStream{TargetSubnetIds: targets}},
	}}

	err := s.handleWatchCertificates(ss)
	require.Error(t, err) // the fake stream's exhausted queue surfaces as io.EOF
	require.Equal(t, io.EOF, err)

	require.NotEmpty(t, ss.sent)
	require.Equal(t, wire.TypeStreamOpened, ss.sent[0].Type)
	require.ElementsMatch(t, targets, ss.sent[0].StreamOpened.SubnetIds)
}

func TestHandleWatchCertificatesRejectsEmptyTargetSubnetIds(t *testing.T) {
	s, _, _ := newTestServer(t)

	ss := &fakeServerStream{recvQueue: []*wire.Envelope{
		{Type: wire.TypeOpenStream, OpenStream: &wire.OpenStream{}},
	}}

	err := s.handleWatchCertificates(ss)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, toposerr.InvalidInput.GRPCCode(), st.Code())
	require.Empty(t, ss.sent, "no stream_opened ack should be sent for a rejected handshake")
}

func TestPublishFansOutToSubscribedStreamOnly(t *testing.T) {
	s, _, _ := newTestServer(t)
	target := topos.SubnetId{2}
	other := topos.SubnetId{3}

	subscribed := &stream{id: "s1", targets: map[topos.SubnetId]struct{}{target: {}}, out: make(chan *wire.CertificatePushed, 4), done: make(chan struct{})}
	unsubscribed := &stream{id: "s2", targets: map[topos.SubnetId]struct{}{other: {}}, out: make(chan *wire.CertificatePushed, 4), done: make(chan struct{})}

	s.mu.Lock()
	s.activeStreams[subscribed.id] = subscribed
	s.activeStreams[unsubscribed.id] = unsubscribed
	s.subnetSubscription[target] = map[string]struct{}{subscribed.id: {}}
	s.subnetSubscription[other] = map[string]struct{}{unsubscribed.id: {}}
	s.mu.Unlock()

	cert := &topos.Certificate{Id: topos.CertificateId{9}, SourceSubnetId: topos.SubnetId{1}, TargetSubnets: []topos.SubnetId{target}}
	s.Publish(cert)

	select {
	case push := <-subscribed.out:
		require.Equal(t, cert.Id, topos.CertificateId(push.Certificate.Id))
	default:
		t.Fatal("expected subscribed stream to receive the push")
	}

	select {
	case <-unsubscribed.out:
		t.Fatal("unsubscribed stream should not receive the push")
	default:
	}
}

func TestPublishDropsOnFullQueueWithoutBlocking(t *testing.T) {
	s, _, _ := newTestServer(t)
	target := topos.SubnetId{2}
	st := &stream{id: "s1", targets: map[topos.SubnetId]struct{}{target: {}}, out: make(chan *wire.CertificatePushed, 1), done: make(chan struct{})}

	s.mu.Lock()
	s.activeStreams[st.id] = st
	s.subnetSubscription[target] = map[string]struct{}{st.id: {}}
	s.mu.Unlock()

	cert := &topos.Certificate{Id: topos.CertificateId{1}, TargetSubnets: []topos.SubnetId{target}}
	s.Publish(cert) // fills the 1-slot queue
	s.Publish(&topos.Certificate{Id: topos.CertificateId{2}, TargetSubnets: []topos.SubnetId{target}})

	require.Len(t, st.out, 1)
}
