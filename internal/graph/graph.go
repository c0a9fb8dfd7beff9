// Package graph compiles a GraphDefinition into the immutable in-memory
// form the engine traverses: an arena of nodes indexed by small integer
// handles plus adjacency lists keyed by source handle. A graph is loaded
// once per execution start and never mutated for that run's lifetime.
package graph

import (
	"github.com/gridflow/gridflow/pkg/schema"
)

// NodeHandle indexes a node within a compiled graph's arena.
type NodeHandle int

// NoNode is the zero-value sentinel for "no node".
const NoNode NodeHandle = -1

// Node is one compiled node: its definition plus the decoded config union.
type Node struct {
	Handle NodeHandle
	Def    *schema.NodeDefinition
	Config schema.NodeConfig
}

// ID returns the node's definition ID.
func (n *Node) ID() string { return n.Def.ID }

// Type returns the node's type.
func (n *Node) Type() schema.NodeType { return n.Def.Type }

// Edge is one compiled edge. Priority is the declaration index within the
// definition; conditional edges are evaluated in ascending priority, so
// author-declared order is the routing contract.
type Edge struct {
	Def      *schema.EdgeDefinition
	Source   NodeHandle
	Target   NodeHandle
	Priority int
}

// Type returns the edge type, defaulting empty to EdgeTypeDefault.
func (e *Edge) Type() schema.EdgeType {
	if e.Def.Type == "" {
		return schema.EdgeTypeDefault
	}
	return e.Def.Type
}

// Graph is the compiled, immutable graph for one execution.
type Graph struct {
	Def *schema.GraphDefinition

	nodes   []*Node
	byID    map[string]NodeHandle
	trigger NodeHandle

	out map[NodeHandle]map[string][]*Edge // by source handle, declared order
	in  map[NodeHandle][]*Edge

	joinGroups map[NodeHandle][][]NodeHandle
}

// Compile builds a Graph from a definition. The definition must already be
// valid; Compile re-runs Validate and fails on any violation so a corrupt
// stored graph can never reach the engine.
func Compile(def *schema.GraphDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	if violations := Validate(def); len(violations) > 0 {
		return nil, violationError(def.ID, violations)
	}

	g := &Graph{
		Def:     def,
		nodes:   make([]*Node, 0, len(def.Nodes)),
		byID:    make(map[string]NodeHandle, len(def.Nodes)),
		trigger: NoNode,
		out:     make(map[NodeHandle]map[string][]*Edge, len(def.Nodes)),
		in:      make(map[NodeHandle][]*Edge, len(def.Nodes)),
	}

	for i := range def.Nodes {
		nd := &def.Nodes[i]
		cfg, err := schema.DecodeNodeConfig(nd.Type, nd.Config)
		if err != nil {
			return nil, err
		}
		h := NodeHandle(len(g.nodes))
		g.nodes = append(g.nodes, &Node{Handle: h, Def: nd, Config: cfg})
		g.byID[nd.ID] = h
		if nd.Type == schema.NodeTypeTrigger {
			g.trigger = h
		}
	}

	for i := range def.Edges {
		ed := &def.Edges[i]
		e := &Edge{
			Def:      ed,
			Source:   g.byID[ed.Source],
			Target:   g.byID[ed.Target],
			Priority: i,
		}
		handles, ok := g.out[e.Source]
		if !ok {
			handles = make(map[string][]*Edge)
			g.out[e.Source] = handles
		}
		handles[ed.SourceHandle] = append(handles[ed.SourceHandle], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}

	g.computeJoinGroups()

	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at the given handle.
func (g *Graph) Node(h NodeHandle) *Node { return g.nodes[h] }

// Lookup resolves a node ID to its handle.
func (g *Graph) Lookup(id string) (NodeHandle, bool) {
	h, ok := g.byID[id]
	return h, ok
}

// Trigger returns the graph's trigger node handle.
func (g *Graph) Trigger() NodeHandle { return g.trigger }

// Out returns the outgoing edges of a node from the given source handle,
// in declared order. Error-typed edges are excluded; see ErrorEdges.
func (g *Graph) Out(h NodeHandle, handle string) []*Edge {
	edges := g.out[h][handle]
	out := make([]*Edge, 0, len(edges))
	for _, e := range edges {
		if e.Type() != schema.EdgeTypeError {
			out = append(out, e)
		}
	}
	return out
}

// Handles returns the distinct source handles a node has non-error edges
// on, in first-declared order.
func (g *Graph) Handles(h NodeHandle) []string {
	var order []struct {
		handle   string
		priority int
	}
	for handle, edges := range g.out[h] {
		// Edges within a handle are in declared order, so the first
		// non-error edge carries the handle's first-declared priority.
		for _, e := range edges {
			if e.Type() == schema.EdgeTypeError {
				continue
			}
			order = append(order, struct {
				handle   string
				priority int
			}{handle, e.Priority})
			break
		}
	}
	// Insertion sort by first-declared priority; handle counts are tiny.
	for i := 1; i < len(order); i++ {
		key := order[i]
		j := i - 1
		for j >= 0 && order[j].priority > key.priority {
			order[j+1] = order[j]
			j--
		}
		order[j+1] = key
	}
	handles := make([]string, len(order))
	for i, o := range order {
		handles[i] = o.handle
	}
	return handles
}

// ErrorEdges returns a node's error-typed edges (fallback paths), in
// declared order.
func (g *Graph) ErrorEdges(h NodeHandle) []*Edge {
	var out []*Edge
	for _, edges := range g.out[h] {
		for _, e := range edges {
			if e.Type() == schema.EdgeTypeError {
				out = append(out, e)
			}
		}
	}
	// Declared order across handles.
	for i := 1; i < len(out); i++ {
		key := out[i]
		j := i - 1
		for j >= 0 && out[j].Priority > key.Priority {
			out[j+1] = out[j]
			j--
		}
		out[j+1] = key
	}
	return out
}

// In returns a node's incoming edges.
func (g *Graph) In(h NodeHandle) []*Edge { return g.in[h] }

// JoinPredecessors returns the distinct predecessor handles a merge node
// waits on. Loop back edges are excluded so a merge inside a loop body
// does not deadlock on its own future iterations.
func (g *Graph) JoinPredecessors(h NodeHandle) []NodeHandle {
	seen := make(map[NodeHandle]bool)
	var preds []NodeHandle
	for _, e := range g.in[h] {
		if e.Type() == schema.EdgeTypeLoop {
			continue
		}
		if !seen[e.Source] {
			seen[e.Source] = true
			preds = append(preds, e.Source)
		}
	}
	return preds
}

// JoinGroups partitions a merge node's join predecessors into arrival
// groups: the join completes once every group has at least one arrival.
// Predecessors reachable only through different arms of the same exclusive
// routing decision (a branch, or a condition's true/false split) share a
// group, since at most one of them runs per traversal. Predecessors on
// parallel fan-out paths each form their own group, which degenerates to
// waiting on all of them.
func (g *Graph) JoinGroups(h NodeHandle) [][]NodeHandle { return g.joinGroups[h] }

func (g *Graph) computeJoinGroups() {
	g.joinGroups = make(map[NodeHandle][][]NodeHandle)
	doms := g.edgeDominators()

	for _, n := range g.nodes {
		if n.Type() != schema.NodeTypeMerge {
			continue
		}
		preds := g.JoinPredecessors(n.Handle)

		// Union-find over predecessor indexes; exclusive pairs merge.
		parent := make([]int, len(preds))
		for i := range parent {
			parent[i] = i
		}
		find := func(i int) int {
			for parent[i] != i {
				parent[i] = parent[parent[i]]
				i = parent[i]
			}
			return i
		}
		for i := 0; i < len(preds); i++ {
			for j := i + 1; j < len(preds); j++ {
				if g.exclusivePaths(doms[preds[i]], doms[preds[j]]) {
					parent[find(j)] = find(i)
				}
			}
		}

		byRoot := make(map[int][]NodeHandle)
		var roots []int
		for i, p := range preds {
			root := find(i)
			if byRoot[root] == nil {
				roots = append(roots, root)
			}
			byRoot[root] = append(byRoot[root], p)
		}
		groups := make([][]NodeHandle, 0, len(roots))
		for _, root := range roots {
			groups = append(groups, byRoot[root])
		}
		g.joinGroups[n.Handle] = groups
	}
}

// edgeDominators computes, per node, the set of edges every loop-free path
// from a root must traverse to reach it: Kahn's ordering with intersection
// over in-edges.
func (g *Graph) edgeDominators() map[NodeHandle]map[*Edge]bool {
	indeg := make(map[NodeHandle]int, len(g.nodes))
	for _, n := range g.nodes {
		for _, e := range g.in[n.Handle] {
			if e.Type() != schema.EdgeTypeLoop {
				indeg[n.Handle]++
			}
		}
	}

	doms := make(map[NodeHandle]map[*Edge]bool, len(g.nodes))
	var queue []NodeHandle
	for _, n := range g.nodes {
		if indeg[n.Handle] == 0 {
			doms[n.Handle] = map[*Edge]bool{}
			queue = append(queue, n.Handle)
		}
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, edges := range g.out[u] {
			for _, e := range edges {
				if e.Type() == schema.EdgeTypeLoop {
					continue
				}
				if cur, ok := doms[e.Target]; ok {
					doms[e.Target] = intersectEdges(cur, withEdge(doms[u], e))
				} else {
					doms[e.Target] = withEdge(doms[u], e)
				}
				indeg[e.Target]--
				if indeg[e.Target] == 0 {
					queue = append(queue, e.Target)
				}
			}
		}
	}
	return doms
}

// exclusivePaths reports whether two paths can never both run in one
// traversal: each must pass through a different exclusive arm of the same
// routing decision.
func (g *Graph) exclusivePaths(a, b map[*Edge]bool) bool {
	for ea := range a {
		for eb := range b {
			if g.exclusiveEdges(ea, eb) {
				return true
			}
		}
	}
	return false
}

// exclusiveEdges reports whether two distinct edges of one source node are
// never both taken. A branch picks a single edge across all its arms; a
// condition or filter picks a single handle; every other node routes at
// most one edge per source handle. Loop body and exit edges both fire over
// a run's lifetime and are never exclusive.
func (g *Graph) exclusiveEdges(a, b *Edge) bool {
	if a == b || a.Source != b.Source {
		return false
	}
	switch g.nodes[a.Source].Type() {
	case schema.NodeTypeBranch, schema.NodeTypeCondition, schema.NodeTypeFilter:
		return true
	case schema.NodeTypeLoop:
		return false
	default:
		return a.Def.SourceHandle == b.Def.SourceHandle
	}
}

func withEdge(set map[*Edge]bool, e *Edge) map[*Edge]bool {
	out := make(map[*Edge]bool, len(set)+1)
	for k := range set {
		out[k] = true
	}
	out[e] = true
	return out
}

func intersectEdges(a, b map[*Edge]bool) map[*Edge]bool {
	out := make(map[*Edge]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}
