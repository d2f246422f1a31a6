package mempool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/mock"

	"slotchain/types"
)

const broadcastTimeout = 30 * time.Second

// mempoolLogger is a TestingLogger which uses a different color for each
// node ("node" key must exist).
func mempoolLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "node" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	})
}

// connect n mempool reactors through n switches
func makeAndConnectReactors(config *cfg.Config, n int) []*Reactor {
	reactors := make([]*Reactor, n)
	logger := mempoolLogger()
	for i := 0; i < n; i++ {
		mempool, cleanup := newMempool()
		defer cleanup()

		reactors[i] = NewReactor(mempool)
		reactors[i].SetLogger(logger.With("node", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("MEMPOOL", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func stopReactors(t *testing.T, reactors []*Reactor) {
	for _, r := range reactors {
		if err := r.Stop(); err != nil {
			assert.NoError(t, err)
		}
	}
}

func waitForTxsOnReactors(t *testing.T, txs types.Txs, reactors []*Reactor) {
	wg := new(sync.WaitGroup)
	for i, reactor := range reactors {
		wg.Add(1)
		go func(r *Reactor, reactorIndex int) {
			defer wg.Done()
			waitForTxsOnReactor(t, txs, r, reactorIndex)
		}(reactor, i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.After(broadcastTimeout)
	select {
	case <-timer:
		t.Fatal("Timed out waiting for txs")
	case <-done:
	}
}

func waitForTxsOnReactor(t *testing.T, txs types.Txs, reactor *Reactor, reactorIndex int) {
	mempool := reactor.mempool
	for mempool.Size() < len(txs) {
		time.Sleep(time.Millisecond * 100)
	}

	reaped := mempool.ReapMaxBytes(-1)
	require.Equal(t, len(txs), len(reaped))

	want := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		want[string(tx.Hash())] = struct{}{}
	}
	for _, tx := range reaped {
		assert.Containsf(t, want, string(tx.Hash()),
			"unexpected tx on reactor %d: %v", reactorIndex, tx)
	}
}

// ensure no txs on reactor after some timeout
func ensureNoTxs(t *testing.T, reactor *Reactor, timeout time.Duration) {
	time.Sleep(timeout)
	assert.Zero(t, reactor.mempool.Size())
}

// txs checked into one node show up on its peer
func TestReactorBroadcastTxsMessage(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	txs := checkTxs(t, reactors[0].mempool, 100, UnknownPeerID)
	waitForTxsOnReactors(t, txs, reactors)
}

// concurrent checks and updates on both ends must not race or deadlock
func TestReactorConcurrency(t *testing.T) {
	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	var wg sync.WaitGroup
	const numTxs = 5

	for i := 0; i < 100; i++ {
		wg.Add(2)

		txs := checkTxs(t, reactors[0].mempool, numTxs, UnknownPeerID)
		go func() {
			defer wg.Done()

			reactors[0].mempool.Lock()
			defer reactors[0].mempool.Unlock()

			err := reactors[0].mempool.Update(1, txs)
			assert.NoError(t, err)
		}()

		_ = checkTxs(t, reactors[1].mempool, numTxs, UnknownPeerID)
		go func() {
			defer wg.Done()

			reactors[1].mempool.Lock()
			defer reactors[1].mempool.Unlock()
			err := reactors[1].mempool.Update(1, types.Txs{})
			assert.NoError(t, err)
		}()

		reactors[1].mempool.Flush()
	}

	wg.Wait()
}

// a tx received from a peer is never echoed back to that peer
func TestReactorNoBroadcastToSender(t *testing.T) {
	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	const peerID = 1
	checkTxs(t, reactors[0].mempool, 100, peerID)
	ensureNoTxs(t, reactors[peerID], 100*time.Millisecond)
}

func TestBroadcastTxForPeerStopsWhenPeerStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	// stop peer
	sw := reactors[1].Switch
	sw.StopPeerForError(sw.Peers().List()[0], errors.New("some reason"))

	// broadcastTxRoutine must finish when the peer is stopped
	leaktest.CheckTimeout(t, 10*time.Second)()
}

func TestBroadcastTxForPeerStopsWhenReactorStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)

	stopReactors(t, reactors)

	// broadcastTxRoutine must finish when the reactor is stopped
	leaktest.CheckTimeout(t, 10*time.Second)()
}

func TestMempoolIDsBasic(t *testing.T) {
	ids := newMempoolIDs()

	peer := mock.NewPeer(nil)

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 1, ids.GetForPeer(peer))
	ids.Reclaim(peer)

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 2, ids.GetForPeer(peer))
	ids.Reclaim(peer)
}

func TestMempoolIDsUnknownReserved(t *testing.T) {
	ids := newMempoolIDs()

	// 0 belongs to UnknownPeerID and is never handed out
	peers := make([]p2p.Peer, 5)
	for i := range peers {
		peers[i] = mock.NewPeer(nil)
		ids.ReserveForPeer(peers[i])
		require.NotZero(t, ids.GetForPeer(peers[i]))
	}
}

func TestReactorChannels(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	reactor := NewReactor(mem)
	channels := reactor.GetChannels()
	require.Len(t, channels, 1)
	assert.Equal(t, TxChannel, channels[0].ID)
}

// garbage on the wire must stop the peer, not the reactor
func TestReactorReceiveGarbage(t *testing.T) {
	config := cfg.TestConfig()
	reactors := makeAndConnectReactors(config, 1)
	defer stopReactors(t, reactors)
	reactor := reactors[0]

	peer := mock.NewPeer(nil)
	reactor.InitPeer(peer)
	assert.NotPanics(t, func() {
		reactor.Receive(TxChannel, peer, []byte{0x1, 0x2, 0x3})
	})
	assert.Zero(t, reactor.mempool.Size())
}
