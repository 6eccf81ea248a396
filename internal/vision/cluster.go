package vision

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Constants for clustering configuration.
const (
	// DefaultClusterEps is the default neighbourhood radius in pixels.
	DefaultClusterEps = 80.0
	// DefaultClusterMinPts is the default minimum observations per cluster.
	DefaultClusterMinPts = 3
	// estimatedPointsPerCell sizes the spatial index's initial capacity.
	estimatedPointsPerCell = 4
)

// ClusterParams contains parameters for density-based clustering of
// stationary observations.
type ClusterParams struct {
	Eps    float64 // Neighbourhood radius in pixels
	MinPts int     // Minimum observations to form a cluster
}

// DefaultClusterParams returns defaults tuned for parked-vehicle footprints.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{Eps: DefaultClusterEps, MinPts: DefaultClusterMinPts}
}

// SpotCluster is one density cluster of stationary observations: an
// occupied-spot hypothesis with mean centre and mean member extent.
type SpotCluster struct {
	Center Point
	Width  float64
	Height float64
	Size   int
}

// spatialIndex provides neighbourhood queries over observation centres using
// a regular grid. Cell size should approximately match the clustering eps.
type spatialIndex struct {
	cellSize float64
	grid     map[int64][]int // cell ID → observation indices
}

func newSpatialIndex(cellSize float64, obs []StationaryObservation) *spatialIndex {
	si := &spatialIndex{
		cellSize: cellSize,
		grid:     make(map[int64][]int, len(obs)/estimatedPointsPerCell+1),
	}
	for i, o := range obs {
		si.grid[si.cellID(o.Center.X, o.Center.Y)] = append(si.grid[si.cellID(o.Center.X, o.Center.Y)], i)
	}
	return si
}

// cellID computes a unique cell identifier using Szudzik's pairing function
// after zigzag-mapping the signed cell coordinates.
func (si *spatialIndex) cellID(x, y float64) int64 {
	cellX := int64(math.Floor(x / si.cellSize))
	cellY := int64(math.Floor(y / si.cellSize))
	return pairCells(cellX, cellY)
}

func pairCells(cellX, cellY int64) int64 {
	var a, b int64
	if cellX >= 0 {
		a = 2 * cellX
	} else {
		a = -2*cellX - 1
	}
	if cellY >= 0 {
		b = 2 * cellY
	} else {
		b = -2*cellY - 1
	}
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// regionQuery returns indices of all observations within eps of obs[idx],
// searching the 3x3 cell neighbourhood around the query point.
func (si *spatialIndex) regionQuery(obs []StationaryObservation, idx int, eps float64) []int {
	p := obs[idx].Center
	eps2 := eps * eps
	cellX := int64(math.Floor(p.X / si.cellSize))
	cellY := int64(math.Floor(p.Y / si.cellSize))

	var neighbors []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, candidate := range si.grid[pairCells(cellX+dx, cellY+dy)] {
				c := obs[candidate].Center
				ddx := c.X - p.X
				ddy := c.Y - p.Y
				if ddx*ddx+ddy*ddy <= eps2 {
					neighbors = append(neighbors, candidate)
				}
			}
		}
	}
	return neighbors
}

// Cluster groups stationary observations into occupied-spot hypotheses using
// density-based clustering. Observations not reachable from any core point
// are noise and discarded. The function is pure: the same observations and
// parameters always yield the same clusters.
func Cluster(obs []StationaryObservation, params ClusterParams) []SpotCluster {
	if len(obs) == 0 || len(obs) < params.MinPts {
		return nil
	}

	n := len(obs)
	labels := make([]int, n) // 0=unvisited, -1=noise, >0=cluster ID
	clusterID := 0

	si := newSpatialIndex(params.Eps, obs)

	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue
		}

		neighbors := si.regionQuery(obs, i, params.Eps)
		if len(neighbors) < params.MinPts {
			labels[i] = -1
			continue
		}

		clusterID++
		expandCluster(obs, si, labels, i, neighbors, clusterID, params)
	}

	return buildSpotClusters(obs, labels, clusterID)
}

// expandCluster grows a cluster outward from a core observation.
func expandCluster(obs []StationaryObservation, si *spatialIndex, labels []int,
	seedIdx int, neighbors []int, clusterID int, params ClusterParams) {

	labels[seedIdx] = clusterID

	for j := 0; j < len(neighbors); j++ {
		idx := neighbors[j]

		if labels[idx] == -1 {
			labels[idx] = clusterID // Noise becomes a border point
		}
		if labels[idx] != 0 {
			continue
		}

		labels[idx] = clusterID
		newNeighbors := si.regionQuery(obs, idx, params.Eps)
		if len(newNeighbors) >= params.MinPts {
			neighbors = append(neighbors, newNeighbors...)
		}
	}
}

// buildSpotClusters reduces labelled observations to per-cluster hypotheses
// with mean centre and mean member extent.
func buildSpotClusters(obs []StationaryObservation, labels []int, maxClusterID int) []SpotCluster {
	clusters := make([]SpotCluster, 0, maxClusterID)

	for cid := 1; cid <= maxClusterID; cid++ {
		var xs, ys, ws, hs []float64
		for i, label := range labels {
			if label != cid {
				continue
			}
			xs = append(xs, obs[i].Center.X)
			ys = append(ys, obs[i].Center.Y)
			ws = append(ws, obs[i].Width)
			hs = append(hs, obs[i].Height)
		}
		if len(xs) == 0 {
			continue
		}

		clusters = append(clusters, SpotCluster{
			Center: Point{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)},
			Width:  stat.Mean(ws, nil),
			Height: stat.Mean(hs, nil),
			Size:   len(xs),
		})
	}

	return clusters
}
