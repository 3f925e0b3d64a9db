package service

import (
	"fmt"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/pkg/errors"
)

var ErrCycle = errors.New("cycle detected in dependencies")

// Graph is an immutable, validated set of tasks and precedence edges.
type Graph struct {
	tasks      map[string]models.Task
	order      []string
	dependents map[string][]string
}

// NewGraph validates the tasks (non-empty unique ids, registered
// dependencies, no cycles) and computes a deterministic topological order
// that follows definition order among independent tasks.
func NewGraph(tasks ...models.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]models.Task, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	defOrder := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if len(t.ID) == 0 {
			return nil, errors.New("empty task name")
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("task '%s' defined twice", t.ID)
		}
		g.tasks[t.ID] = t
		defOrder = append(defOrder, t.ID)
	}

	inDegree := make(map[string]int, len(tasks))
	for _, id := range defOrder {
		seen := make(map[string]struct{})
		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("dependency '%s' for '%s' not registered", dep, id)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			inDegree[id]++
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range defOrder {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		g.order = append(g.order, curr)
		for _, next := range g.dependents[curr] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(g.order) != len(defOrder) {
		return nil, ErrCycle
	}
	return g, nil
}

// Order returns task ids in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Task(id string) (models.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

func (g *Graph) Len() int { return len(g.order) }

// Downstream returns every task that transitively depends on id, in
// topological order.
func (g *Graph) Downstream(id string) []string {
	reachable := make(map[string]struct{})
	var visit func(string)
	visit = func(name string) {
		for _, next := range g.dependents[name] {
			if _, ok := reachable[next]; !ok {
				reachable[next] = struct{}{}
				visit(next)
			}
		}
	}
	visit(id)

	var out []string
	for _, node := range g.order {
		if _, ok := reachable[node]; ok {
			out = append(out, node)
		}
	}
	return out
}
