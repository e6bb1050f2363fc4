package graph

import "github.com/driftkit-ai/driftkit-framework/pkg/workflow"

// validateReachability performs a breadth-first walk from the
// graph's initial step over all edge kinds and fails if any step is
// unreachable — a graph with orphan steps is very likely a builder
// mistake (§4.1: "The build step also validates reachability from the
// initial step").
func validateReachability(g *Graph) error {
	visited := map[string]bool{g.initialStep: true}
	queue := []string{g.initialStep}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[cur] {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var unreachable []string
	for id := range g.steps {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		return workflow.NewEngineError(workflow.ErrInvalidArgument, "unreachable steps: "+joinIDs(unreachable), nil)
	}
	return nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}
