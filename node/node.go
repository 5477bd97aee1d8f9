package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	tmdb "github.com/tendermint/tm-db"

	cfg "worldbft_demo/config"
	"worldbft_demo/consensus"
	"worldbft_demo/libs/metric"
	mempl "worldbft_demo/mempool"
	"worldbft_demo/privval"
	"worldbft_demo/rpc"
	"worldbft_demo/store"
	"worldbft_demo/types"
)

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node 把一个完整的worldbft节点组装起来：
// privval -> block store -> change pool -> consensus -> reactor -> p2p -> rpc
type Node struct {
	service.BaseService

	// config
	config     *cfg.Config
	genesisDoc *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// services
	blockStore   store.Store
	changePool   mempl.ChangePool
	memR         *mempl.Reactor
	consensus    *consensus.State
	conR         *consensus.Reactor
	metricSet    *metric.MetricSet
	rpcListeners []net.Listener
}

type Option func(*Node)

// DefaultNewNode loads the node key and genesis doc from the config paths.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	return NewNode(config, nodeKey, genDoc, logger)
}

func createBlockStore(config *cfg.Config, logger log.Logger) (store.Store, error) {
	var db tmdb.DB
	switch config.DBBackend {
	case "memdb":
		db = tmdb.NewMemDB()
	default:
		gdb, err := tmdb.NewGoLevelDB("worldstate", config.DBDir())
		if err != nil {
			return nil, err
		}
		db = gdb
	}
	return store.NewBlockStore(db, logger.With("module", "store"))
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	poolReactor *mempl.Reactor,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CHANGEPOOL", poolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	genDoc *types.GenesisDoc,
	nodeKey *p2p.NodeKey,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			8,
			11,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       "1.0.0",
		Channels: []byte{
			consensus.StateChannel,
			consensus.ProposalChannel,
			consensus.VoteChannel,
			mempl.ChangePoolChannel,
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

func NewNode(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	blockStore, err := createBlockStore(config, logger)
	if err != nil {
		return nil, err
	}

	changePool := mempl.NewCListPool(config.Mempool)
	changePool.SetLogger(logger.With("module", "mempool"))

	memR := mempl.NewReactor(changePool)
	memR.SetLogger(logger.With("module", "mempool"))

	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	genVals := genDoc.ValidatorSet()

	cs := consensus.NewState(
		config.Consensus,
		genDoc.ChainID,
		blockStore,
		changePool,
		consensus.SetPrivValidator(pv),
		consensus.SetValidatorSet(genVals),
		consensus.SetOwnStake(config.StakeAmount),
		consensus.SetMasternode(config.Masternode),
	)
	cs.SetLogger(logger.With("module", "consensus"))

	conR := consensus.NewReactor(cs)
	conR.SetLogger(logger.With("module", "consensus"))

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", metric.FuncMetricItem(cs.MetricJSON)); err != nil {
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(config, genDoc, nodeKey)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(
		config, transport, memR, conR, nodeInfo, nodeKey, logger.With("module", "p2p"),
	)

	node := &Node{
		config:     config,
		genesisDoc: genDoc,
		transport:  transport,
		sw:         sw,
		nodeInfo:   nodeInfo,
		nodeKey:    nodeKey,
		blockStore: blockStore,
		changePool: changePool,
		memR:       memR,
		consensus:  cs,
		conR:       conR,
		metricSet:  metricSet,
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}

	return node, nil
}

func (n *Node) OnStart() error {
	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// Switch带着consensus reactor一起启动
	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.consensus.Start(); err != nil {
		return err
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	return nil
}

func (n *Node) OnStop() {
	for _, l := range n.rpcListeners {
		if err := l.Close(); err != nil {
			n.Logger.Error("error closing rpc listener", "err", err)
		}
	}

	if err := n.consensus.Stop(); err != nil {
		n.Logger.Error("error stopping consensus", "err", err)
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("error stopping switch", "err", err)
	}

	if err := n.transport.Close(); err != nil {
		n.Logger.Error("error closing transport", "err", err)
	}
}

// startRPC 挂载jsonrpc路由，游戏逻辑模块通过它提交世界变更
func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		ChangePool: n.changePool,
		Consensus:  n.consensus,
		BlockStore: n.blockStore,
		MetricSet:  n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc-server")

	config := rpcserver.DefaultConfig()
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listener, err := rpcserver.Listen(n.config.RPC.ListenAddress, config)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
	wm := rpcserver.NewWebsocketManager(rpc.Routes, rpcserver.ReadLimit(config.MaxBodyBytes))
	wm.SetLogger(rpcLogger.With("protocol", "websocket"))
	mux.HandleFunc("/websocket", wm.WebsocketHandler)

	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
			rpcLogger.Error("rpc server stopped", "err", err)
		}
	}()

	return []net.Listener{listener}, nil
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) Consensus() *consensus.State {
	return n.consensus
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. Also filters out empty strings.
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
