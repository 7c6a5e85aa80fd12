package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ksred/klear-liquidity/internal/types"
)

var (
	ErrCyclicGraph   = fmt.Errorf("%w: cyclic action graph", types.ErrConfiguration)
	ErrDanglingEdge  = fmt.Errorf("%w: edge to unknown action", types.ErrConfiguration)
	ErrUnknownAction = fmt.Errorf("%w: unknown action", types.ErrConfiguration)
)

// Node is one action in the remediation graph
type Node struct {
	ID          uint                   `json:"id"`
	System      string                 `json:"system"`
	Command     string                 `json:"command"`
	Params      map[string]interface{} `json:"params,omitempty"`
	OnSuccessID *uint                  `json:"on_success_id,omitempty"`
	OnFailID    *uint                  `json:"on_fail_id,omitempty"`
}

func (n Node) Terminal() bool {
	return n.OnSuccessID == nil && n.OnFailID == nil
}

// Next returns the edge followed for the given outcome, nil at the end of the chain
func (n Node) Next(success bool) *uint {
	if success {
		return n.OnSuccessID
	}
	return n.OnFailID
}

func (n Node) edges() []uint {
	var out []uint
	if n.OnSuccessID != nil {
		out = append(out, *n.OnSuccessID)
	}
	if n.OnFailID != nil {
		out = append(out, *n.OnFailID)
	}
	return out
}

// Graph is an immutable adjacency map of actions keyed by id
type Graph struct {
	nodes map[uint]Node
}

func New(actions []types.LiquidityManagementAction) *Graph {
	g := &Graph{nodes: make(map[uint]Node, len(actions))}
	for _, a := range actions {
		g.nodes[a.ID] = nodeFromAction(a)
	}
	return g
}

func nodeFromAction(a types.LiquidityManagementAction) Node {
	return Node{
		ID:          a.ID,
		System:      a.System,
		Command:     a.Command,
		Params:      map[string]interface{}(a.Params),
		OnSuccessID: copyID(a.OnSuccessID),
		OnFailID:    copyID(a.OnFailID),
	}
}

func copyID(id *uint) *uint {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func (g *Graph) Node(id uint) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns all nodes ordered by id
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasEdge reports whether from links to to on either edge
func (g *Graph) HasEdge(from, to uint) bool {
	n, ok := g.nodes[from]
	if !ok {
		return false
	}
	for _, e := range n.edges() {
		if e == to {
			return true
		}
	}
	return false
}

// With returns a copy of the graph with n added or replaced
func (g *Graph) With(n Node) *Graph {
	out := &Graph{nodes: make(map[uint]Node, len(g.nodes)+1)}
	for id, existing := range g.nodes {
		out.nodes[id] = existing
	}
	out.nodes[n.ID] = n
	return out
}

// Subgraph returns the nodes reachable from head
func (g *Graph) Subgraph(head uint) (*Graph, error) {
	if _, ok := g.nodes[head]; !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownAction, head)
	}

	out := &Graph{nodes: make(map[uint]Node)}
	queue := []uint{head}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := out.nodes[id]; seen {
			continue
		}
		n, ok := g.nodes[id]
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrDanglingEdge, id)
		}
		out.nodes[id] = n
		queue = append(queue, n.edges()...)
	}
	return out, nil
}

// Validate checks that every edge resolves and that there are no cycles.
// Shared nodes (two edges into the same action) are allowed.
func (g *Graph) Validate() error {
	for _, n := range g.nodes {
		for _, e := range n.edges() {
			if _, ok := g.nodes[e]; !ok {
				return fmt.Errorf("%w: action %d links to %d", ErrDanglingEdge, n.ID, e)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[uint]int, len(g.nodes))

	var visit func(id uint, path []uint) error
	visit = func(id uint, path []uint) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: %v", ErrCyclicGraph, append(path, id))
		case done:
			return nil
		}
		state[id] = visiting
		for _, e := range g.nodes[id].edges() {
			if err := visit(e, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, n := range g.Nodes() {
		if err := visit(n.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Nodes())
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}
	g.nodes = make(map[uint]Node, len(nodes))
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}
	return nil
}
