package routing

import (
	"container/heap"
	"math"

	"github.com/paulmach/orb"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
)

type pqItem struct {
	node int
	dist float64
}

type priorityQueue []pqItem

func (q priorityQueue) Len() int            { return len(q) }
func (q priorityQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q priorityQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) { *q = append(*q, x.(pqItem)) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// shortestFrom runs Dijkstra from src and returns per-node distance in
// meters plus the edge index used to reach each node (-1 at src and
// unreachable nodes).
func (g *Graph) shortestFrom(src int) (dist []float64, prevEdge []int) {
	dist = make([]float64, len(g.Nodes))
	prevEdge = make([]int, len(g.Nodes))
	for i := range dist {
		dist[i] = math.Inf(1)
		prevEdge[i] = -1
	}
	dist[src] = 0

	q := &priorityQueue{{node: src}}
	for q.Len() > 0 {
		it := heap.Pop(q).(pqItem)
		if it.dist > dist[it.node] {
			continue
		}
		for _, ei := range g.adj[it.node] {
			e := g.Edges[ei]
			next := e.other(it.node)
			nd := it.dist + e.LengthM
			if nd < dist[next] {
				dist[next] = nd
				prevEdge[next] = ei
				heap.Push(q, pqItem{node: next, dist: nd})
			}
		}
	}
	return dist, prevEdge
}

// pathPolyline reconstructs the polyline from the Dijkstra source to
// target, following each edge's stored geometry in travel direction.
func (g *Graph) pathPolyline(prevEdge []int, src, target int) orb.LineString {
	if src == target {
		return nil
	}

	// Walk back to the source collecting edge indices.
	var edges []int
	node := target
	for node != src {
		ei := prevEdge[node]
		if ei < 0 {
			return nil // unreachable
		}
		edges = append(edges, ei)
		node = g.Edges[ei].other(node)
	}

	var line orb.LineString
	// edges is target->src order; traverse in reverse starting at src.
	for i := len(edges) - 1; i >= 0; i-- {
		e := g.Edges[edges[i]]
		seg := e.Geometry
		if geo.RoundPoint(seg[0]) != g.Nodes[node] {
			seg = reverseLine(seg)
		}
		line = appendLine(line, seg)
		node = e.other(node)
	}
	return line
}

// appendLine concatenates b onto a, dropping a duplicated joint point.
func appendLine(a, b orb.LineString) orb.LineString {
	if len(a) == 0 {
		return append(a, b...)
	}
	if len(b) > 0 && a[len(a)-1] == b[0] {
		return append(a, b[1:]...)
	}
	return append(a, b...)
}

func reverseLine(ls orb.LineString) orb.LineString {
	out := make(orb.LineString, len(ls))
	for i, p := range ls {
		out[len(ls)-1-i] = p
	}
	return out
}
