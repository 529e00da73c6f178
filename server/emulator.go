package server

import (
	"fmt"
	"sort"
	"sync"

	"p2phun-rpc/routing"
)

// NodeConfig is the single argument of p2phun_node_sup:create_node.
type NodeConfig struct {
	ID           uint64            `json:"id"`
	Port         int               `json:"port"`
	RoutingTable routing.Partition `json:"routingtable_cfg"`
}

type emuNode struct {
	cfg NodeConfig
	id  routing.NodeID
	pid string
}

// Emulator keeps the nodes created on one emulated host. Peer tables are not
// maintained: every node knows every other node on the host, and the routing
// table layout only caps how many of them a lookup returns.
type Emulator struct {
	mu    sync.Mutex
	nodes map[routing.NodeID]*emuNode
	seq   int
}

func NewEmulator() *Emulator {
	return &Emulator{nodes: make(map[routing.NodeID]*emuNode)}
}

// Install registers the emulated modules on svr.
func (e *Emulator) Install(svr *Server) error {
	for mod, rcvr := range map[string]any{
		"p2phun_node_sup":             &NodeSup{e},
		"p2phun_peertable_operations": &PeerTableOperations{e},
		"p2phun_swarm":                &Swarm{e},
	} {
		if err := svr.Register(mod, rcvr); err != nil {
			return err
		}
	}
	return nil
}

type NodeSup struct{ e *Emulator }

// CreateNode starts a node and returns its process id.
func (s *NodeSup) CreateNode(cfg NodeConfig) (string, error) {
	rt := cfg.RoutingTable
	if rt.SpaceSize == nil || rt.BigBinSpaceSize == nil {
		return "", fmt.Errorf("%w: routingtable_cfg is missing the space sizes", ErrBadArg)
	}
	if rt.BigBinSpaceSize.Sign() < 0 || rt.BigBinSpaceSize.Cmp(rt.SpaceSize) > 0 {
		return "", fmt.Errorf("%w: bigbin_spacesize %s outside space of %s", ErrBadArg, rt.BigBinSpaceSize, rt.SpaceSize)
	}

	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	id := routing.NewNodeID(cfg.ID)
	if n, ok := e.nodes[id]; ok {
		return "", fmt.Errorf("already_started: %s", n.pid)
	}
	e.seq++
	n := &emuNode{cfg: cfg, id: id, pid: fmt.Sprintf("<0.%d.0>", 100+e.seq)}
	e.nodes[id] = n
	return n.pid, nil
}

type PeerTableOperations struct{ e *Emulator }

// FetchAll returns the base64 ids in node num's routing table, closest first.
func (p *PeerTableOperations) FetchAll(num uint64) ([]string, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[routing.NewNodeID(num)]
	if !ok {
		return nil, fmt.Errorf("no such node: %d", num)
	}
	rt := n.cfg.RoutingTable
	return e.closest(n.id, n.id, rt.BigBinNodeSize+rt.SmallBins*rt.SmallBinNodeSize), nil
}

type Swarm struct{ e *Emulator }

// FindNode returns up to bigbin_nodesize ids known to myID that are closest to id2find.
func (s *Swarm) FindNode(myID, id2find string) ([]string, error) {
	me, err := routing.ParseNodeID(myID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadArg, err)
	}
	target, err := routing.ParseNodeID(id2find)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadArg, err)
	}

	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[me]
	if !ok {
		return nil, fmt.Errorf("no such node: %s", myID)
	}
	return e.closest(n.id, target, n.cfg.RoutingTable.BigBinNodeSize), nil
}

// closest must be called with mu held. self is never part of the result.
func (e *Emulator) closest(self, target routing.NodeID, limit int) []string {
	peers := make([]routing.NodeID, 0, len(e.nodes))
	for id := range e.nodes {
		if id != self {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Distance(target).Uint64() < peers[j].Distance(target).Uint64()
	})
	if limit >= 0 && limit < len(peers) {
		peers = peers[:limit]
	}
	out := make([]string, len(peers))
	for i, id := range peers {
		out[i] = id.Base64()
	}
	return out
}
