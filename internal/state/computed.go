package state

import (
	"sort"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/types"
)

// TransformFunc evaluates a transform expression against a scope.
type TransformFunc func(expr string, scope map[string]any) (any, error)

// node is one computed field in the dependency graph.
type node struct {
	name    string
	def     *types.ComputedFieldDef
	sources []Path
	dirty   bool
	value   any
}

// Graph holds the computed-field dependency graph in topological order.
type Graph struct {
	nodes map[string]*node
	order []string
}

// NewGraph parses the computed-field specs and topologically sorts them.
// A cycle is a load-time error (ComputedCycle).
func NewGraph(defs map[string]*types.ComputedFieldDef) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(defs))}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		n := &node{name: name, def: def, dirty: true}
		for _, raw := range def.From {
			p, err := Parse(raw)
			if err != nil {
				return nil, errors.Newf(errors.KindValidation, errors.CodeWorkflowInvalid,
					"computed field %q: bad source path %q", name, raw).WithCause(err)
			}
			if p.Scope == ScopeLoop || p.Scope == ScopeGlobal {
				return nil, errors.Newf(errors.KindValidation, errors.CodeWorkflowInvalid,
					"computed field %q: %s paths cannot feed computed fields", name, p.Scope)
			}
			n.sources = append(n.sources, p)
		}
		g.nodes[name] = n
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// dependencies returns the names of computed fields n reads. A this.* source
// shadows a computed field of the same leading segment.
func (g *Graph) dependencies(n *node) []string {
	var deps []string
	for _, src := range n.sources {
		if len(src.Segments) == 0 {
			continue
		}
		root := src.Segments[0]
		if src.Scope == ScopeComputed || src.Scope == ScopeThis {
			if _, ok := g.nodes[root]; ok && root != n.name {
				deps = append(deps, root)
			}
		}
	}
	return deps
}

// legacySources returns the raw.* source paths declared across all fields.
func (g *Graph) legacySources() []string {
	var out []string
	for _, name := range g.order {
		for _, src := range g.nodes[name].sources {
			if src.Legacy {
				out = append(out, src.Raw)
			}
		}
	}
	return out
}

// topoSort orders nodes so every field follows its computed dependencies.
// Kahn's algorithm; leftover nodes mean a cycle.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
		indegree[name] = 0
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range g.dependencies(g.nodes[name]) {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for _, name := range names {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, errors.Newf(errors.KindStateAccess, errors.CodeComputedCycle,
			"cycle in computed fields: %v", stuck)
	}
	return order, nil
}

// markDirty flags every node whose sources cover the written path, then
// cascades to dependents.
func (g *Graph) markDirty(written Path) {
	direct := make([]string, 0, 2)
	for _, name := range g.order {
		n := g.nodes[name]
		for _, src := range n.sources {
			if covers(written, src) {
				direct = append(direct, name)
				break
			}
		}
	}
	for _, name := range direct {
		g.cascade(name)
	}
}

// cascade marks name and all transitive dependents dirty.
func (g *Graph) cascade(name string) {
	n := g.nodes[name]
	if n.dirty {
		return
	}
	n.dirty = true
	for _, other := range g.order {
		if other == name {
			continue
		}
		for _, dep := range g.dependencies(g.nodes[other]) {
			if dep == name {
				g.cascade(other)
			}
		}
	}
}

// markAllDirty forces full recomputation (used at init).
func (g *Graph) markAllDirty() {
	for _, n := range g.nodes {
		n.dirty = true
	}
}

// values returns the current computed tier as a map.
func (g *Graph) values() map[string]any {
	out := make(map[string]any, len(g.nodes))
	for name, n := range g.nodes {
		out[name] = n.value
	}
	return out
}
