package forkchoice

import (
	"fmt"

	"github.com/emicklei/dot"
)

// Graph renders the DAG in DOT format. The head is green and the finalized
// root blue.
func (s *Store) Graph() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "RL")
	graph.Attr("labeljust", "l")

	nodes := s.sortedNodes()
	dotNodes := make(map[*node]dot.Node, len(nodes))
	for _, n := range nodes {
		label := fmt.Sprintf("slot: %d\n root: %s\n weight: %s", n.slot, n.root.Short(), n.weight.Dec())
		dn := graph.Node(n.root.String()).Box().Attr("label", label)
		switch n {
		case s.head:
			dn = dn.Attr("color", "green")
		case s.root:
			dn = dn.Attr("color", "blue")
		}
		dotNodes[n] = dn
	}
	for _, n := range nodes {
		if n.parent != nil {
			graph.Edge(dotNodes[n], dotNodes[n.parent])
		}
	}
	return graph.String()
}
