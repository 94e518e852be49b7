package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/internal/pkg/toposerr"
	"github.com/topos-protocol/tce-node/internal/topos"
)

func testSubnet(b byte) topos.SubnetId {
	var s topos.SubnetId
	s[0] = b
	return s
}

func testCertID(b byte) topos.CertificateId {
	var c topos.CertificateId
	c[0] = b
	return c
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetSourceHeadSyntheticGenesis(t *testing.T) {
	store := openTestStore(t)
	subnet := testSubnet(1)

	cert, pos, err := store.GetSourceHead(subnet)
	require.NoError(t, err)
	require.Equal(t, topos.Position(0), pos)
	require.True(t, cert.Id.IsZero())
	require.True(t, cert.IsGenesis())
	require.Equal(t, subnet, cert.SourceSubnetId)
}

func TestPutDeliveredGenesisThenSuccessor(t *testing.T) {
	store := openTestStore(t)
	subnet := testSubnet(1)

	genesis := &topos.Certificate{
		SourceSubnetId: subnet,
		Id:             testCertID(1),
	}
	require.NoError(t, store.PutDelivered(genesis))

	head, pos, err := store.GetSourceHead(subnet)
	require.NoError(t, err)
	require.Equal(t, topos.Position(0), pos)
	require.True(t, head.Id == genesis.Id)

	next := &topos.Certificate{
		PrevId:         genesis.Id,
		SourceSubnetId: subnet,
		Id:             testCertID(2),
		TargetSubnets:  []topos.SubnetId{testSubnet(2)},
	}
	require.NoError(t, store.PutDelivered(next))

	head, pos, err = store.GetSourceHead(subnet)
	require.NoError(t, err)
	require.Equal(t, topos.Position(1), pos)
	require.True(t, head.Id == next.Id)
}

func TestPutDeliveredRejectsUnexpectedPrev(t *testing.T) {
	store := openTestStore(t)
	subnet := testSubnet(1)

	bogus := &topos.Certificate{
		PrevId:         testCertID(99),
		SourceSubnetId: subnet,
		Id:             testCertID(1),
	}
	err := store.PutDelivered(bogus)
	require.Error(t, err)
	require.True(t, toposerr.Is(err, toposerr.UnexpectedPrev))
}

func TestPutDeliveredRejectsDuplicate(t *testing.T) {
	store := openTestStore(t)
	subnet := testSubnet(1)

	genesis := &topos.Certificate{SourceSubnetId: subnet, Id: testCertID(1)}
	require.NoError(t, store.PutDelivered(genesis))

	err := store.PutDelivered(genesis)
	require.Error(t, err)
	require.True(t, toposerr.Is(err, toposerr.AlreadyExists))
}

func TestParkAndReleasePending(t *testing.T) {
	store := openTestStore(t)
	subnet := testSubnet(1)
	expectedPrev := testCertID(1)

	waiting := &topos.Certificate{
		PrevId:         expectedPrev,
		SourceSubnetId: subnet,
		Id:             testCertID(2),
	}
	require.NoError(t, store.ParkPending(subnet, expectedPrev, waiting))

	released, err := store.ReleasePending(subnet, expectedPrev)
	require.NoError(t, err)
	require.NotNil(t, released)
	require.True(t, released.Equal(waiting))

	// Releasing again finds nothing: the pending entry was consumed.
	again, err := store.ReleasePending(subnet, expectedPrev)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestGetCertificatesPerSubnetOrdersAndBounds(t *testing.T) {
	store := openTestStore(t)
	subnet := testSubnet(1)

	prev := topos.ZeroCertificateId
	var ids []topos.CertificateId
	for i := byte(1); i <= 5; i++ {
		cert := &topos.Certificate{
			PrevId:         prev,
			SourceSubnetId: subnet,
			Id:             testCertID(i),
		}
		require.NoError(t, store.PutDelivered(cert))
		ids = append(ids, cert.Id)
		prev = cert.Id
	}

	checkpoint := topos.SourceCheckpoint{
		Positions: map[topos.SubnetId]topos.SourceStreamPosition{
			subnet: {SubnetId: subnet, Position: 1},
		},
	}

	got, err := store.GetCertificatesPerSubnet(checkpoint, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, ids[2], got[0].Id)
	require.Equal(t, ids[3], got[1].Id)
}

func TestGetTargetStreamFiltersByTarget(t *testing.T) {
	store := openTestStore(t)
	source := testSubnet(1)
	targetA := testSubnet(2)
	targetB := testSubnet(3)

	c1 := &topos.Certificate{SourceSubnetId: source, Id: testCertID(1), TargetSubnets: []topos.SubnetId{targetA}}
	require.NoError(t, store.PutDelivered(c1))
	c2 := &topos.Certificate{PrevId: c1.Id, SourceSubnetId: source, Id: testCertID(2), TargetSubnets: []topos.SubnetId{targetB}}
	require.NoError(t, store.PutDelivered(c2))
	c3 := &topos.Certificate{PrevId: c2.Id, SourceSubnetId: source, Id: testCertID(3), TargetSubnets: []topos.SubnetId{targetA}}
	require.NoError(t, store.PutDelivered(c3))

	got, err := store.GetTargetStream(targetA, source, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, c1.Id, got[0].Id)
	require.Equal(t, c3.Id, got[1].Id)
}

func TestKnownSubnets(t *testing.T) {
	store := openTestStore(t)
	s1, s2 := testSubnet(1), testSubnet(2)
	require.NoError(t, store.PutDelivered(&topos.Certificate{SourceSubnetId: s1, Id: testCertID(1)}))
	require.NoError(t, store.PutDelivered(&topos.Certificate{SourceSubnetId: s2, Id: testCertID(2)}))

	subnets, err := store.KnownSubnets()
	require.NoError(t, err)
	require.Len(t, subnets, 2)
}
