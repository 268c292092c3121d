package engine

import (
	"container/heap"

	"github.com/rendis/flowrun/pkg/schema"
)

// keyHeap is a min-heap of step keys.
type keyHeap []string

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *keyHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Schedule validates steps and returns their execution order.
func Schedule(steps []schema.Step) ([]string, error) {
	g, err := BuildGraph(steps)
	if err != nil {
		return nil, err
	}
	return g.Order()
}

// Order computes a topological order with Kahn's algorithm. Among ready
// steps the lexicographically smallest key always goes first, so the order
// is independent of declaration order.
func (g *Graph) Order() ([]string, error) {
	inDegree := make(map[string]int, len(g.Keys))
	for _, key := range g.Keys {
		inDegree[key] = len(uniqueDeps(g.Steps[key].DependsOn))
	}

	ready := &keyHeap{}
	for _, key := range g.Keys {
		if inDegree[key] == 0 {
			*ready = append(*ready, key)
		}
	}
	heap.Init(ready)

	order := make([]string, 0, len(g.Keys))
	for ready.Len() > 0 {
		key := heap.Pop(ready).(string)
		order = append(order, key)
		for _, dep := range g.Dependents[key] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(order) != len(g.Keys) {
		return nil, schema.NewErrorf(schema.ErrCodeSchedulingInvariant,
			"scheduled %d of %d steps; graph is not acyclic", len(order), len(g.Keys))
	}
	return order, nil
}

func uniqueDeps(deps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		set[d] = struct{}{}
	}
	return set
}
