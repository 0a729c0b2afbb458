// Package routing builds a lightweight road graph over an area's
// driveable streets and generates a route covering the undriven ones.
// The generator is a greedy nearest-neighbor heuristic over repeated
// shortest-path queries, not an optimal circuit solver.
package routing

import (
	"github.com/paulmach/orb"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
)

// Edge is one driveable street segment in the graph. It keeps its full
// line geometry so route output can follow the road shape.
type Edge struct {
	SegmentID string
	From      int
	To        int
	LengthM   float64
	Geometry  orb.LineString
}

// Graph is an undirected graph whose nodes are rounded segment
// endpoints and whose edges are streets weighted by length.
type Graph struct {
	Nodes []orb.Point
	Edges []Edge

	adj   [][]int // node index -> incident edge indices
	index map[orb.Point]int
	byID  map[string]int // segment id -> edge index
}

func NewGraph() *Graph {
	return &Graph{
		index: make(map[orb.Point]int),
		byID:  make(map[string]int),
	}
}

// AddEdge inserts one street. Endpoints are snapped to ~1m so streets
// that meet at an intersection share a node.
func (g *Graph) AddEdge(segmentID string, line orb.LineString, lengthM float64) {
	if len(line) < 2 {
		return
	}
	from := g.node(geo.RoundPoint(line[0]))
	to := g.node(geo.RoundPoint(line[len(line)-1]))

	idx := len(g.Edges)
	g.Edges = append(g.Edges, Edge{
		SegmentID: segmentID,
		From:      from,
		To:        to,
		LengthM:   lengthM,
		Geometry:  line,
	})
	g.adj[from] = append(g.adj[from], idx)
	if to != from {
		g.adj[to] = append(g.adj[to], idx)
	}
	g.byID[segmentID] = idx
}

func (g *Graph) node(p orb.Point) int {
	if i, ok := g.index[p]; ok {
		return i
	}
	i := len(g.Nodes)
	g.Nodes = append(g.Nodes, p)
	g.adj = append(g.adj, nil)
	g.index[p] = i
	return i
}

// EdgeBySegment returns the edge index for a segment id, if present.
func (g *Graph) EdgeBySegment(segmentID string) (int, bool) {
	i, ok := g.byID[segmentID]
	return i, ok
}

// NearestNode returns the graph node closest to p. Graphs are
// per-area and modest in size, so a scan is fine.
func (g *Graph) NearestNode(p orb.Point) int {
	best, bestDist := -1, 0.0
	for i, n := range g.Nodes {
		d := geo.DistanceMeters(p, n)
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// other returns the endpoint of edge e that is not n.
func (e Edge) other(n int) int {
	if e.From == n {
		return e.To
	}
	return e.From
}
