package compose

import "sort"

// Edge is a dependency edge: From must be up before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph maps each service to the names it depends on.
type Graph struct {
	order []string
	deps  map[string][]string
}

// BuildGraph derives a Graph from service specs. Dependencies on names
// that are not configured are kept but ignored by leveling.
func BuildGraph(specs []ServiceSpec) *Graph {
	g := &Graph{
		order: make([]string, 0, len(specs)),
		deps:  make(map[string][]string, len(specs)),
	}
	for _, s := range specs {
		if _, ok := g.deps[s.Name]; !ok {
			g.order = append(g.order, s.Name)
		}
		g.deps[s.Name] = append([]string(nil), s.DependsOn...)
	}
	return g
}

// Names returns the services in configuration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// DependsOn returns the configured dependencies of name.
func (g *Graph) DependsOn(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Levels partitions the services so that every member of level i depends
// only on members of levels before i. Members of a level are sorted.
func (g *Graph) Levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.order))
	dependents := g.Dependents()
	for _, name := range g.order {
		n := 0
		for _, dep := range g.deps[name] {
			if _, ok := g.deps[dep]; ok {
				n++
			}
		}
		inDegree[name] = n
	}

	var levels [][]string
	visited := make(map[string]bool, len(g.order))
	for len(visited) < len(g.order) {
		var current []string
		for _, name := range g.order {
			if !visited[name] && inDegree[name] == 0 {
				current = append(current, name)
			}
		}
		if len(current) == 0 {
			var members []string
			for _, name := range g.order {
				if !visited[name] {
					members = append(members, name)
				}
			}
			sort.Strings(members)
			return nil, &CycleError{Members: members}
		}
		sort.Strings(current)
		for _, name := range current {
			visited[name] = true
			for _, d := range dependents[name] {
				inDegree[d]--
			}
		}
		levels = append(levels, current)
	}
	return levels, nil
}

// Dependents returns the reverse map: for each service, the configured
// services that depend on it. Values are sorted.
func (g *Graph) Dependents() map[string][]string {
	rev := make(map[string][]string, len(g.order))
	for _, name := range g.order {
		rev[name] = nil
	}
	for _, name := range g.order {
		for _, dep := range g.deps[name] {
			if _, ok := g.deps[dep]; ok {
				rev[dep] = append(rev[dep], name)
			}
		}
	}
	for k := range rev {
		sort.Strings(rev[k])
	}
	return rev
}

// Edges lists dependency edges between configured services.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, name := range g.order {
		for _, dep := range g.deps[name] {
			if _, ok := g.deps[dep]; ok {
				edges = append(edges, Edge{From: dep, To: name})
			}
		}
	}
	return edges
}
