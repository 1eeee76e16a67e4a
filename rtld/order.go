package rtld

import (
	"slices"
	"sort"
)

// FiniOrder walks the dependency graph reachable from modules breadth-first and
// returns every module after all of its dependents and before all of its
// dependencies. A dependency cycle is broken at the earliest module (in
// discovery order) not yet placed, so each module appears exactly once.
//
// The breadth-first walk only collects the modules; placement counts
// dependents. A plain first-visit walk would finalize C before B when A needs
// both C and B and B needs C, so on diamond-shaped graphs the result differs
// from a glibc-style BFS.
func FiniOrder(modules []*Module) []*Module {
	closure := reachable(modules)

	edges := make(map[*Module][]*Module, len(closure))
	pending := make(map[*Module]int, len(closure))
	for _, m := range closure {
		deps := uniqueDeps(m)
		edges[m] = deps
		for _, dep := range deps {
			pending[dep]++
		}
	}

	queue := make([]*Module, 0, len(closure))
	for _, m := range closure {
		if pending[m] == 0 {
			queue = append(queue, m)
		}
	}

	placed := make(map[*Module]bool, len(closure))
	order := make([]*Module, 0, len(closure))
	for len(order) < len(closure) {
		if len(queue) == 0 {
			for _, m := range closure {
				if !placed[m] {
					queue = append(queue, m)
					break
				}
			}
		}
		m := queue[0]
		queue = queue[1:]
		if placed[m] {
			continue
		}
		placed[m] = true
		order = append(order, m)
		for _, dep := range edges[m] {
			pending[dep]--
			if pending[dep] == 0 && !placed[dep] {
				queue = append(queue, dep)
			}
		}
	}
	return order
}

// InitOrder is the exact reverse of FiniOrder: dependencies before dependents.
func InitOrder(modules []*Module) []*Module {
	order := FiniOrder(modules)
	slices.Reverse(order)
	return order
}

// SortByIncreasingDepth returns a copy of modules ordered by Depth, keeping
// the input order among modules of equal depth.
func SortByIncreasingDepth(modules []*Module) []*Module {
	sorted := make([]*Module, 0, len(modules))
	for _, m := range modules {
		if m != nil {
			sorted = append(sorted, m)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Depth < sorted[j].Depth
	})
	return sorted
}

// reachable lists modules and everything they transitively depend on, in
// breadth-first discovery order. First visit wins.
func reachable(modules []*Module) []*Module {
	seen := make(map[*Module]bool)
	var out []*Module
	for _, m := range modules {
		if m == nil || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	for i := 0; i < len(out); i++ {
		for _, dep := range out[i].Deps {
			if dep == nil || seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

func uniqueDeps(m *Module) []*Module {
	deps := make([]*Module, 0, len(m.Deps))
	for _, dep := range m.Deps {
		if dep == nil || dep == m || slices.Contains(deps, dep) {
			continue
		}
		deps = append(deps, dep)
	}
	return deps
}
