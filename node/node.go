package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
	tmdb "github.com/tendermint/tm-db"

	"slotchain/author"
	"slotchain/finality"
	"slotchain/importer"
	"slotchain/libs/metric"
	mempl "slotchain/mempool"
	"slotchain/privval"
	"slotchain/rpc"
	"slotchain/slot"
	"slotchain/state"
	"slotchain/store"
	"slotchain/types"
)

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node ties the whole chain together: slot clock, transaction pool, import
// queue, fork choice, finality gadget, block author, gossip switch and the
// RPC surface.
type Node struct {
	service.BaseService

	// config
	config     *cfg.Config
	genesisDoc *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// services
	clock          slot.Clock
	mempool        *mempl.ListMempool
	mempoolReactor *mempl.Reactor
	importQueue    *importer.ImportQueue
	importReactor  *importer.Reactor
	forkChoice     *importer.ForkChoice
	gadget         *finality.Gadget
	voteReactor    *finality.Reactor
	blockAuthor    *author.Author

	blockDB    tmdb.DB
	stateDB    tmdb.DB
	blockStore store.BlockStore
	stateStore state.Store

	metricSet    *metric.MetricSet
	rpcListeners []net.Listener
}

type Option func(*Node)

// DefaultNewNode loads everything from the standard file layout: node key,
// validator key and genesis doc under the config root.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	return NewNode(config, pv, nodeKey, genDoc, logger)
}

func NewNode(
	config *cfg.Config,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	blockDB, err := tmdb.NewDB("blockstore", tmdb.GoLevelDBBackend, config.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	blockStore := store.NewBlockStoreWithDB(blockDB, logger.With("module", "store"))

	stateDB, err := tmdb.NewDB("state", tmdb.GoLevelDBBackend, config.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	stateStore := state.NewKVStore(stateDB)

	exec := state.NewKVExecutor()
	exec.SetLogger(logger.With("module", "executor"))

	st, tree, err := loadState(stateStore, blockStore, exec, genDoc)
	if err != nil {
		return nil, err
	}

	clock := slot.NewWallClock(st.GenesisTime, st.SlotDuration)
	clock.SetLogger(logger.With("module", "slot"))

	forkChoice := importer.NewForkChoice(tree)

	// admission runs the ledger's validity check against the best known
	// state, so the pool only carries includable transactions
	mempool := mempl.NewListMempool(config.Mempool, clock.CurrentSlot(),
		mempl.SetPreCheck(func(tx types.Tx) error {
			return exec.ValidateTx(forkChoice.BestBlock().StateRoot, tx)
		}),
	)
	mempoolReactor := mempl.NewReactor(mempool)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	importQueue := importer.NewImportQueue(st, clock, exec, tree, blockStore,
		importer.SetMempool(mempool),
		importer.SetStateStore(stateStore),
	)
	importQueue.SetLogger(logger.With("module", "importer"))
	importReactor := importer.NewReactor(importQueue)
	importReactor.SetLogger(logger.With("module", "importer"))

	gadget := finality.NewGadget(finality.DefaultConfig(), st, importQueue, forkChoice,
		finality.SetPrivValidator(privVal))
	gadget.SetLogger(logger.With("module", "finality"))
	voteReactor := finality.NewReactor(gadget)
	voteReactor.SetLogger(logger.With("module", "finality"))

	blockAuthor, err := author.NewAuthor(author.DefaultConfig(), st, privVal, clock,
		mempool, exec, importQueue, forkChoice)
	if err != nil {
		return nil, err
	}
	blockAuthor.SetLogger(logger.With("module", "author"))

	metricSet := metric.NewMetricSet()
	_ = metricSet.SetMetrics("mempool", mempool.Metric())
	_ = metricSet.SetMetrics("importer", importQueue.Metric())
	_ = metricSet.SetMetrics("finality", gadget.Metric())
	_ = metricSet.SetMetrics("author", blockAuthor.Metric())

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(
		config, transport, mempoolReactor, importReactor, voteReactor,
		nodeInfo, nodeKey, logger.With("module", "p2p"),
	)

	node := &Node{
		config:     config,
		genesisDoc: genDoc,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		clock:          clock,
		mempool:        mempool,
		mempoolReactor: mempoolReactor,
		importQueue:    importQueue,
		importReactor:  importReactor,
		forkChoice:     forkChoice,
		gadget:         gadget,
		voteReactor:    voteReactor,
		blockAuthor:    blockAuthor,

		blockDB:    blockDB,
		stateDB:    stateDB,
		blockStore: blockStore,
		stateStore: stateStore,
		metricSet:  metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}
	return node, nil
}

// loadState resumes from the persisted checkpoint when there is one,
// otherwise starts at genesis. On resume the executor is warmed up by
// re-applying the finalized ancestry, so imports on top of the checkpoint
// find their parent snapshots.
func loadState(
	stateStore state.Store,
	blockStore store.BlockStore,
	exec state.Executor,
	genDoc *types.GenesisDoc,
) (state.State, *types.BlockTree, error) {
	st, err := stateStore.Load()
	if err != nil {
		return state.State{}, nil, err
	}

	genesis := genDoc.GenesisBlock()
	if st.IsEmpty() {
		st = state.MakeGenesisState(genDoc)
		if err := blockStore.PutBlock(genesis); err != nil {
			return state.State{}, nil, err
		}
		if err := blockStore.SetFinalized(genesis.Hash(), 0, nil); err != nil {
			return state.State{}, nil, err
		}
		if err := stateStore.Save(st); err != nil {
			return state.State{}, nil, err
		}
		return st, types.NewBlockTree(genesis), nil
	}

	root, err := blockStore.GetBlock(st.LastFinalizedHash)
	if err != nil {
		return state.State{}, nil, fmt.Errorf("checkpoint block missing from store: %w", err)
	}

	// walk back to genesis and replay forward
	chain := []*types.Block{}
	for cur := root; cur.Number > 0; {
		chain = append(chain, cur)
		parent, err := blockStore.GetBlock(cur.ParentHash)
		if err != nil {
			return state.State{}, nil, fmt.Errorf("finalized ancestry missing from store: %w", err)
		}
		cur = parent
	}
	parentRoot := state.GenesisRoot()
	for i := len(chain) - 1; i >= 0; i-- {
		parentRoot, err = exec.Apply(parentRoot, chain[i])
		if err != nil {
			return state.State{}, nil, fmt.Errorf("replay of finalized chain failed: %w", err)
		}
	}

	return st, types.NewBlockTree(root), nil
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	mempoolReactor *mempl.Reactor,
	importReactor *importer.Reactor,
	voteReactor *finality.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("IMPORTER", importReactor)
	sw.AddReactor("FINALITY", voteReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			8, // global
			11,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			mempl.TxChannel,
			importer.BlockChannel,
			finality.VoteChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func (n *Node) OnStart() error {
	if err := n.clock.Start(); err != nil {
		return err
	}
	if err := n.importQueue.Start(); err != nil {
		return err
	}
	if err := n.gadget.Start(); err != nil {
		return err
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// the switch starts the reactors
	if err := n.sw.Start(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	// the author goes last: everything it leans on is running by now
	if err := n.blockAuthor.Start(); err != nil {
		return err
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	return nil
}

func (n *Node) OnStop() {
	for _, l := range n.rpcListeners {
		n.Logger.Info("closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("error closing listener", "listener", l, "err", err)
		}
	}

	if err := n.blockAuthor.Stop(); err != nil {
		n.Logger.Error("error stopping author", "err", err)
	}
	if err := n.gadget.Stop(); err != nil {
		n.Logger.Error("error stopping finality gadget", "err", err)
	}
	if err := n.importQueue.Stop(); err != nil {
		n.Logger.Error("error stopping import queue", "err", err)
	}
	if err := n.clock.Stop(); err != nil {
		n.Logger.Error("error stopping slot clock", "err", err)
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("error stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("error closing transport", "err", err)
	}

	if err := n.blockDB.Close(); err != nil {
		n.Logger.Error("error closing block store", "err", err)
	}
	if err := n.stateDB.Close(); err != nil {
		n.Logger.Error("error closing state store", "err", err)
	}
}

func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:    n.mempool,
		ImportQ:    n.importQueue,
		ForkChoice: n.forkChoice,
		Gadget:     n.gadget,
		BlockStore: n.blockStore,
		Clock:      n.clock,
		MetricSet:  n.metricSet,
	})

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	rpcLogger := n.Logger.With("module", "rpc-server")

	config := rpcserver.DefaultConfig()
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

		wm := rpcserver.NewWebsocketManager(rpc.Routes,
			rpcserver.OnDisconnect(func(remoteAddr string) {
				rpc.UnsubscribeAll(remoteAddr)
			}),
		)
		wm.SetLogger(rpcLogger.With("protocol", "websocket"))
		mux.HandleFunc("/websocket", wm.WebsocketHandler)

		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}

		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				rpcLogger.Error("rpc server stopped", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}

	return listeners, nil
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) GenesisDoc() *types.GenesisDoc {
	return n.genesisDoc
}

func (n *Node) ImportQueue() *importer.ImportQueue {
	return n.importQueue
}

func (n *Node) Mempool() *mempl.ListMempool {
	return n.mempool
}

// splitAndTrimEmpty slices s into all subslices separated by sep, trims
// cutset from each and drops the empties.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
