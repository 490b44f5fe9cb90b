package flow

// Graph is the adjacency view of a validated flow the engine schedules
// from. Connections keep their declaration order, which is the dispatch
// order for sequential fan-out.
type Graph struct {
	flow  *Flow
	steps map[string]*Step
	out   map[string][]Connection
}

// NewGraph indexes the flow's steps and connections.
func NewGraph(f *Flow) *Graph {
	g := &Graph{
		flow:  f,
		steps: make(map[string]*Step, len(f.Steps)),
		out:   make(map[string][]Connection, len(f.Steps)),
	}
	for i := range f.Steps {
		g.steps[f.Steps[i].ID] = &f.Steps[i]
	}
	for _, conn := range f.Connections {
		g.out[conn.Source] = append(g.out[conn.Source], conn)
	}
	return g
}

// Flow returns the underlying definition.
func (g *Graph) Flow() *Flow {
	return g.flow
}

// Entry returns the entry step.
func (g *Graph) Entry() *Step {
	return g.steps[g.flow.Entry]
}

// Step returns the step with the given id.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Successors returns the connections leaving stepID on the requested
// path, in declaration order. With errorPath false it returns the
// success edges; with true, the failure edges.
func (g *Graph) Successors(stepID string, errorPath bool) []Connection {
	var out []Connection
	for _, conn := range g.out[stepID] {
		if conn.ErrorPath == errorPath {
			out = append(out, conn)
		}
	}
	return out
}

// HasSuccessors reports whether any edge leaves stepID on the requested
// path.
func (g *Graph) HasSuccessors(stepID string, errorPath bool) bool {
	for _, conn := range g.out[stepID] {
		if conn.ErrorPath == errorPath {
			return true
		}
	}
	return false
}

// Terminal reports whether stepID has no outgoing success edges, making
// its output a candidate for the flow's final output.
func (g *Graph) Terminal(stepID string) bool {
	return !g.HasSuccessors(stepID, false)
}
