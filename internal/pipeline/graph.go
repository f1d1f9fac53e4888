package pipeline

import (
	"context"
	"fmt"
)

// Task is one node of the run's dependency graph. InputDir and
// InputPattern describe the files the task consumes for staleness
// checks; both may be empty for tasks whose inputs are remote.
type Task struct {
	Name         string
	Table        string
	Upstreams    []string
	InputDir     string
	InputPattern string
	Run          func(ctx context.Context) error
}

// Graph is a validated directed acyclic set of tasks.
type Graph struct {
	tasks map[string]*Task
	order []string
}

// NewGraph validates the task set: names must be unique, upstreams must
// name declared tasks, and the dependency relation must be acyclic.
func NewGraph(tasks []Task) (*Graph, error) {
	byName := make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.Name == "" {
			return nil, fmt.Errorf("task without a name")
		}
		if t.Run == nil {
			return nil, fmt.Errorf("task %s has no run function", t.Name)
		}
		if _, ok := byName[t.Name]; ok {
			return nil, fmt.Errorf("duplicate task %s", t.Name)
		}
		byName[t.Name] = t
	}

	indegree := make(map[string]int, len(byName))
	downstream := make(map[string][]string, len(byName))
	for name, t := range byName {
		for _, up := range t.Upstreams {
			if _, ok := byName[up]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", name, up)
			}
			indegree[name]++
			downstream[up] = append(downstream[up], name)
		}
	}

	// Kahn's algorithm; leftover nodes mean a cycle.
	var ready []string
	for _, t := range tasks {
		if indegree[t.Name] == 0 {
			ready = append(ready, t.Name)
		}
	}
	order := make([]string, 0, len(byName))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range downstream[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(byName) {
		return nil, fmt.Errorf("task graph contains a cycle")
	}

	return &Graph{tasks: byName, order: order}, nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Task returns the named task.
func (g *Graph) Task(name string) *Task {
	return g.tasks[name]
}

// Order returns task names in a valid topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Downstreams returns the names of tasks that depend on name directly.
func (g *Graph) Downstreams(name string) []string {
	var out []string
	for _, candidate := range g.order {
		for _, up := range g.tasks[candidate].Upstreams {
			if up == name {
				out = append(out, candidate)
			}
		}
	}
	return out
}
