package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/internal/topos"
)

func sampleCertificate() *topos.Certificate {
	return &topos.Certificate{
		PrevId:         topos.CertificateId{1},
		SourceSubnetId: topos.SubnetId{2},
		StateRoot:      [32]byte{3},
		TxRootHash:     [32]byte{4},
		TargetSubnets:  []topos.SubnetId{{5}, {6}},
		Verifier:       7,
		Id:             topos.CertificateId{8},
		Proof:          []byte{9, 9, 9},
		Signature:      []byte{10, 10},
	}
}

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	data, err := env.MarshalBinary()
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, out.UnmarshalBinary(data))
	return &out
}

func TestCertificateRoundTrip(t *testing.T) {
	cert := sampleCertificate()
	wc := FromDomain(cert)
	require.True(t, cert.Equal(wc.ToDomain()))
}

func TestSubmitCertificateRequestRoundTrip(t *testing.T) {
	cert := sampleCertificate()
	env := &Envelope{
		Type:                      TypeSubmitCertificateRequest,
		SubmitCertificateRequest:  &SubmitCertificateRequest{Certificate: FromDomain(cert)},
	}
	out := roundTrip(t, env)
	require.Equal(t, TypeSubmitCertificateRequest, out.Type)
	require.True(t, cert.Equal(out.SubmitCertificateRequest.Certificate.ToDomain()))
}

func TestGetSourceHeadResponseRoundTrip(t *testing.T) {
	cert := sampleCertificate()
	env := &Envelope{
		Type: TypeGetSourceHeadResponse,
		GetSourceHeadResponse: &GetSourceHeadResponse{
			SubnetId:    cert.SourceSubnetId,
			Certificate: FromDomain(cert),
			Position:    42,
		},
	}
	out := roundTrip(t, env)
	require.Equal(t, uint64(42), out.GetSourceHeadResponse.Position)
	require.Equal(t, cert.SourceSubnetId, topos.SubnetId(out.GetSourceHeadResponse.SubnetId))
}

func TestOpenStreamRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: TypeOpenStream,
		OpenStream: &OpenStream{
			TargetSubnetIds: [][32]byte{{1}, {2}},
			SourcePositions: map[[32]byte]uint64{
				{9}: 100,
			},
		},
	}
	out := roundTrip(t, env)
	require.Len(t, out.OpenStream.TargetSubnetIds, 2)
	require.Equal(t, uint64(100), out.OpenStream.SourcePositions[[32]byte{9}])
}

func TestStreamOpenedRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: TypeStreamOpened,
		StreamOpened: &StreamOpened{
			StreamId:  "stream-1",
			SubnetIds: [][32]byte{{1}, {2}},
		},
	}
	out := roundTrip(t, env)
	require.Equal(t, "stream-1", out.StreamOpened.StreamId)
	require.Equal(t, [][32]byte{{1}, {2}}, out.StreamOpened.SubnetIds)
}

func TestStreamOpenedRoundTripEmptySubnetIds(t *testing.T) {
	env := &Envelope{
		Type:         TypeStreamOpened,
		StreamOpened: &StreamOpened{StreamId: "stream-2"},
	}
	out := roundTrip(t, env)
	require.Equal(t, "stream-2", out.StreamOpened.StreamId)
	require.Empty(t, out.StreamOpened.SubnetIds)
}

func TestCertificatePushedRoundTrip(t *testing.T) {
	cert := sampleCertificate()
	env := &Envelope{
		Type: TypeCertificatePushed,
		CertificatePushed: &CertificatePushed{
			Certificate: FromDomain(cert),
			Position:    7,
		},
	}
	out := roundTrip(t, env)
	require.Equal(t, uint64(7), out.CertificatePushed.Position)
	require.True(t, cert.Equal(out.CertificatePushed.Certificate.ToDomain()))
}

func TestCodecMarshalUnmarshal(t *testing.T) {
	c := codec{}
	env := &Envelope{Type: TypeSubmitCertificateResponse, SubmitCertificateResponse: &SubmitCertificateResponse{}}

	data, err := c.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, TypeSubmitCertificateResponse, out.Type)
}
