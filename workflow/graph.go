package workflow

import (
	"fmt"
	"strings"

	"github.com/songzhibin97/process-engine/types"
)

// graph is an indexed, read-only view of a definition.
type graph struct {
	def      types.Definition
	nodes    map[string]types.Node
	outgoing map[string][]types.Edge
}

func newGraph(def types.Definition) *graph {
	g := &graph{
		def:      def,
		nodes:    make(map[string]types.Node, len(def.Nodes)),
		outgoing: make(map[string][]types.Edge, len(def.Nodes)),
	}
	for _, n := range def.Nodes {
		g.nodes[n.ID] = n
	}
	for _, edge := range def.Edges {
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
	}
	return g
}

func (g *graph) node(id string) (types.Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return types.Node{}, fmt.Errorf("%w: %q in definition %d", ErrNodeNotFound, id, g.def.ID)
	}
	return n, nil
}

// start returns the node flagged as start, or else the first Start-typed node.
func (g *graph) start() (types.Node, error) {
	for _, n := range g.def.Nodes {
		if n.IsStart {
			return n, nil
		}
	}
	for _, n := range g.def.Nodes {
		if n.Type == types.NodeStart {
			return n, nil
		}
	}
	return types.Node{}, fmt.Errorf("%w: definition %d", ErrNoStartNode, g.def.ID)
}

// next returns the first outgoing edge of a node in definition order.
func (g *graph) next(nodeID string) (types.Edge, bool) {
	edges := g.outgoing[nodeID]
	if len(edges) == 0 {
		return types.Edge{}, false
	}
	return edges[0], true
}

// match returns the first outgoing edge whose label equals action, ignoring case.
// Edge conditions are not consulted.
func (g *graph) match(nodeID, action string) (types.Edge, bool) {
	for _, edge := range g.outgoing[nodeID] {
		if strings.EqualFold(edge.Label, action) {
			return edge, true
		}
	}
	return types.Edge{}, false
}

func isEnd(n types.Node) bool {
	return n.IsEnd || n.Type == types.NodeEnd
}

// validateDefinition checks the structure traversal relies on.
func validateDefinition(def types.Definition) error {
	if def.ID == 0 {
		return fmt.Errorf("%w: id cannot be zero", ErrInvalidDefinition)
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("%w: definition %d has no nodes", ErrInvalidDefinition, def.ID)
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	starts := 0
	for _, n := range def.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node id cannot be empty", ErrInvalidDefinition)
		}
		if _, ok := seen[n.ID]; ok {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		seen[n.ID] = struct{}{}
		if !n.Type.Valid() {
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidDefinition, n.ID, n.Type)
		}
		if n.IsStart || n.Type == types.NodeStart {
			starts++
		}
	}
	if starts == 0 {
		return fmt.Errorf("%w: definition %d", ErrNoStartNode, def.ID)
	}

	for _, edge := range def.Edges {
		if _, ok := seen[edge.Source]; !ok {
			return fmt.Errorf("%w: edge from unknown node %q", ErrInvalidDefinition, edge.Source)
		}
		if _, ok := seen[edge.Target]; !ok {
			return fmt.Errorf("%w: edge to unknown node %q", ErrInvalidDefinition, edge.Target)
		}
	}
	return nil
}
