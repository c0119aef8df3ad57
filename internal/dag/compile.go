// Package dag validates rule graphs and produces execution plans with a
// fixed topological node order.
package dag

import (
	"fmt"
	"strings"

	"github.com/enpowerstack/rulesrv/internal/rule"
)

// Validation error codes.
const (
	CodeDanglingReference = "dangling_reference"
	CodeDuplicateNode     = "duplicate_node"
	CodeCycleDetected     = "cycle_detected"
	CodeUnreachableNode   = "unreachable_node"
	CodeReservedNodeID    = "reserved_node_id"
)

// reservedNodeIDs are expression-language keywords and operators. Node ids
// become variables in downstream expressions, so a rule with a node named
// "in" or "and" would fail at expression compile time with an opaque parse
// error; rejecting the id here surfaces a clean validation error instead.
var reservedNodeIDs = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"contains": true, "startsWith": true, "endsWith": true, "matches": true,
	"let": true, "if": true, "else": true,
	"nil": true, "true": true, "false": true,
}

// ValidationError describes why a graph was rejected.
type ValidationError struct {
	Code   string   `json:"code"`
	Detail string   `json:"detail"`
	Nodes  []string `json:"nodes,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Nodes) > 0 {
		return fmt.Sprintf("%s: %s [%s]", e.Code, e.Detail, strings.Join(e.Nodes, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Plan is a compiled, validated graph. Order holds the nodes in the fixed
// topological order used for every execution; ties between independent
// nodes follow declaration order.
type Plan struct {
	RuleID  string
	Version int
	Order   []rule.Node
}

// Compile validates the graph and computes its topological order.
func Compile(g *rule.Graph) (*Plan, error) {
	ids := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, &ValidationError{Code: CodeDuplicateNode, Detail: "node id must not be empty"}
		}
		if reservedNodeIDs[n.ID] {
			return nil, &ValidationError{Code: CodeReservedNodeID, Detail: "node id is a reserved expression keyword", Nodes: []string{n.ID}}
		}
		if _, seen := ids[n.ID]; seen {
			return nil, &ValidationError{Code: CodeDuplicateNode, Detail: "duplicate node id", Nodes: []string{n.ID}}
		}
		ids[n.ID] = i
	}

	for _, e := range g.Edges {
		if _, ok := ids[e.From]; !ok {
			return nil, &ValidationError{Code: CodeDanglingReference, Detail: "edge references unknown node", Nodes: []string{e.From}}
		}
		if _, ok := ids[e.To]; !ok {
			return nil, &ValidationError{Code: CodeDanglingReference, Detail: "edge references unknown node", Nodes: []string{e.To}}
		}
	}

	adjacency := make(map[string][]string)
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		indegree[e.To]++
	}

	if cycle := findCycle(g, adjacency); cycle != nil {
		return nil, &ValidationError{Code: CodeCycleDetected, Detail: "graph contains a cycle", Nodes: cycle}
	}

	if err := checkReachability(g, indegree); err != nil {
		return nil, err
	}

	return &Plan{Order: topoOrder(g, indegree)}, nil
}

// findCycle runs a depth-first search with an explicit recursion stack and
// returns the nodes of the first cycle found, or nil.
func findCycle(g *rule.Graph, adjacency map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				// Slice the recursion stack from the revisited node.
				for i, s := range stack {
					if s == next {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
				cycle = append([]string{}, stack...)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}

// checkReachability rejects nodes that can never receive input: transforms
// always need upstream wiring; conditions and actions may instead be fed
// from the trigger context when the graph has no input nodes.
func checkReachability(g *rule.Graph, indegree map[string]int) error {
	hasInput := false
	hasCondition := false
	for _, n := range g.Nodes {
		switch n.Type {
		case rule.NodeInput:
			hasInput = true
		case rule.NodeCondition:
			hasCondition = true
		}
	}

	for _, n := range g.Nodes {
		if indegree[n.ID] > 0 {
			continue
		}
		switch n.Type {
		case rule.NodeTransform:
			return &ValidationError{Code: CodeUnreachableNode, Detail: "transform node has no inputs", Nodes: []string{n.ID}}
		case rule.NodeCondition:
			if hasInput {
				return &ValidationError{Code: CodeUnreachableNode, Detail: "condition node is not wired to any input", Nodes: []string{n.ID}}
			}
		case rule.NodeAction:
			if hasInput || hasCondition {
				return &ValidationError{Code: CodeUnreachableNode, Detail: "action node is not wired to the graph", Nodes: []string{n.ID}}
			}
		}
	}
	return nil
}

// topoOrder computes a deterministic topological order: among nodes whose
// dependencies are satisfied, declaration order wins. Quadratic, which is
// fine at rule-graph scale.
func topoOrder(g *rule.Graph, indegree map[string]int) []rule.Node {
	remaining := make(map[string]int, len(indegree))
	for id, deg := range indegree {
		remaining[id] = deg
	}
	emitted := make(map[string]bool, len(g.Nodes))
	order := make([]rule.Node, 0, len(g.Nodes))

	for len(order) < len(g.Nodes) {
		for _, n := range g.Nodes {
			if emitted[n.ID] || remaining[n.ID] > 0 {
				continue
			}
			emitted[n.ID] = true
			order = append(order, n)
			for _, e := range g.Edges {
				if e.From == n.ID {
					remaining[e.To]--
				}
			}
			break
		}
	}
	return order
}
