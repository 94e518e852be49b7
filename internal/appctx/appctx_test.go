package appctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/internal/api"
	"github.com/topos-protocol/tce-node/internal/engine"
	"github.com/topos-protocol/tce-node/internal/gossip"
	"github.com/topos-protocol/tce-node/internal/storage"
	"github.com/topos-protocol/tce-node/internal/topos"
)

func TestRunDeliversSingleValidatorBroadcast(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := engine.New(engine.Config{Store: store, ValidatorSetSize: 1, IsValidator: true})
	fabric := gossip.New(nil)
	apiServer := api.New(eng, store)

	ctx, cancel := context.WithCancel(context.Background())
	a := New(nil, eng, fabric, apiServer, time.Hour)
	a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		a.Wait()
	})

	subnet := topos.SubnetId{1}
	cert := &topos.Certificate{SourceSubnetId: subnet, Id: topos.CertificateId{1}}
	require.NoError(t, eng.Submit(cert))

	require.Eventually(t, func() bool {
		return eng.Status(cert.Id) == engine.StatusDelivered
	}, time.Second, time.Millisecond)

	head, pos, err := store.GetSourceHead(subnet)
	require.NoError(t, err)
	require.Equal(t, topos.Position(0), pos)
	require.Equal(t, cert.Id, head.Id)
}

// TestMultiValidatorGossipCountsDistinctVoters wires three validator
// AppContexts and one non-voting observer onto a single shared gossip
// fabric. Quorum (3 of 3) can only be reached if each validator's Echo/Ready
// votes reach the observer tagged with its own, distinct SelfValidatorId —
// if AppContext ever stamped every vote with the same (e.g. empty)
// validator id, as it did before SelfValidatorId was wired through publish,
// the observer would see only one distinct voter and this would time out.
func TestMultiValidatorGossipCountsDistinctVoters(t *testing.T) {
	fabric := gossip.New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	observerStore, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = observerStore.Close() })
	observerEngine := engine.New(engine.Config{Store: observerStore, ValidatorSetSize: 3, IsValidator: false})
	observerAPI := api.New(observerEngine, observerStore)
	observerCtx := New(nil, observerEngine, fabric, observerAPI, time.Hour)
	observerCtx.Run(ctx)

	var peerCtxs []*AppContext
	var peerEngines []*engine.Engine
	for _, validatorID := range []topos.ValidatorId{"validator-a", "validator-b", "validator-c"} {
		store, err := storage.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		eng := engine.New(engine.Config{
			Store:            store,
			ValidatorSetSize: 3,
			IsValidator:      true,
			SelfValidatorId:  validatorID,
		})
		peerCtx := New(nil, eng, fabric, api.New(eng, store), time.Hour)
		peerCtx.Run(ctx)
		peerCtxs = append(peerCtxs, peerCtx)
		peerEngines = append(peerEngines, eng)
	}

	// Registered last, so it runs first during cleanup: cancel before any
	// store is closed, so no routing goroutine is left touching a closed
	// store when Wait returns.
	t.Cleanup(func() {
		cancel()
		_ = observerCtx.Wait()
		for _, pc := range peerCtxs {
			_ = pc.Wait()
		}
	})

	subnet := topos.SubnetId{7}
	cert := &topos.Certificate{SourceSubnetId: subnet, Id: topos.CertificateId{7}}
	require.NoError(t, observerEngine.Submit(cert))

	for _, peerEngine := range peerEngines {
		require.NoError(t, peerEngine.Submit(cert))
	}

	require.Eventually(t, func() bool {
		return observerEngine.Status(cert.Id) == engine.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond, "observer never reached quorum across 3 distinct validators")
}
