package visual

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func logger() *slog.Logger { return slog.With("component", "visual") }

// #region helper
// Helper holds everything needed to draw and name the states: canvas
// positions, auto-names and periodic descriptions of every hierarchy node.
type Helper struct {
	cfg Config
	rng *rand.Rand

	coords    []Point
	autoNames []AutoName
	descs     [][]AutoName
	timeDescs [][]TimeDesc
}

// New creates an empty helper.
func New(cfg Config) (*Helper, error) {
	if cfg.MaxRefineIter < 1 {
		return nil, fmt.Errorf("refine iterations must be positive, got %d", cfg.MaxRefineIter)
	}
	if cfg.MCTrials < 1 {
		return nil, fmt.Errorf("monte carlo trials must be positive, got %d", cfg.MCTrials)
	}
	return &Helper{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}, nil
}

// Init lays out the states of tree and computes their names. unit gates
// which periodic descriptions are sensible.
func (h *Helper) Init(ident Identifier, tree Tree, statDist StatDistFunc, unit ftr.TimeUnit) error {
	logger().Info("computing state coordinates", "states", tree.States())
	if err := h.initCoords(ident, tree, statDist); err != nil {
		return fmt.Errorf("coordinates: %w", err)
	}
	if err := h.refineCoords(tree, statDist); err != nil {
		return fmt.Errorf("refine coordinates: %w", err)
	}
	logger().Info("generating auto names")
	if err := h.initAutoNames(ident, tree); err != nil {
		return fmt.Errorf("auto names: %w", err)
	}
	if err := h.initTimeDescs(ident, tree, unit); err != nil {
		return fmt.Errorf("time descriptions: %w", err)
	}
	h.refineAutoNames()
	return nil
}

// #endregion helper

// #region coordinates
func (h *Helper) initCoords(ident Identifier, tree Tree, statDist StatDistFunc) error {
	nLeafs := tree.Leafs()
	h.coords = make([]Point, tree.States())
	copy(h.coords, MDS(ident.ObsCentroids()))

	heights := tree.UniqueHeights()
	if len(heights) == 0 {
		return fmt.Errorf("hierarchy has no heights")
	}
	ids, sets, err := tree.StateSetsAtHeight(heights[0])
	if err != nil {
		return err
	}
	probs, err := statDist(sets)
	if err != nil {
		return err
	}
	radii := make([]float64, nLeafs)
	for k, id := range ids {
		if id < nLeafs {
			radii[id] = Radius(probs[k]) * initRadiusFactor
		}
	}
	scaleToOccupancy(h.coords[:nLeafs], radii)

	for id := nLeafs; id < tree.States(); id++ {
		leaves, err := tree.LeafDescendants(id)
		if err != nil {
			return err
		}
		var c Point
		for _, l := range leaves {
			c.X += h.coords[l].X
			c.Y += h.coords[l].Y
		}
		if n := float64(len(leaves)); n > 0 {
			c.X /= n
			c.Y /= n
		}
		h.coords[id] = c
	}
	return nil
}

// scaleToOccupancy disperses the points so the circles cover
// stateOccupancy of their bounding box.
func scaleToOccupancy(pts []Point, radii []float64) {
	if len(pts) < 2 {
		return
	}
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	area := 0.0
	for i, p := range pts {
		r := radii[i]
		minX, maxX = math.Min(minX, p.X-r), math.Max(maxX, p.X+r)
		minY, maxY = math.Min(minY, p.Y-r), math.Max(maxY, p.Y+r)
		area += math.Pi * r * r
	}
	screen := (maxX - minX) * (maxY - minY)
	if screen <= 0 || area <= 0 {
		return
	}
	scale := math.Sqrt(area / stateOccupancy / screen)
	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	logger().Debug("scaling state positions", "factor", scale)
	for i := range pts {
		pts[i].X = cx + (pts[i].X-cx)*scale
		pts[i].Y = cy + (pts[i].Y-cy)*scale
	}
}

// refineCoords pushes overlapping circles apart at every height below the
// root, visiting pairs in random order, until nothing overlaps.
func (h *Helper) refineCoords(tree Tree, statDist StatDistFunc) error {
	heights := tree.UniqueHeights()
	type level struct {
		ids   []int
		radii []float64
	}
	levels := make([]level, 0, len(heights))
	for _, height := range heights[:max(len(heights)-1, 0)] {
		ids, sets, err := tree.StateSetsAtHeight(height)
		if err != nil {
			return err
		}
		probs, err := statDist(sets)
		if err != nil {
			return fmt.Errorf("height %g: %w", height, err)
		}
		if math.Abs(1-floats.Sum(probs)) > 1e-3 {
			return fmt.Errorf("height %g: stationary distribution sums to %g", height, floats.Sum(probs))
		}
		radii := make([]float64, len(probs))
		for i, p := range probs {
			radii[i] = Radius(p) * initRadiusFactor
		}
		levels = append(levels, level{ids, radii})
	}

	for iter := 1; ; iter++ {
		changed := false
		for _, lv := range levels {
			if h.relax(lv.ids, lv.radii) {
				changed = true
			}
		}
		if !changed {
			logger().Debug("layout converged", "iterations", iter)
			return nil
		}
		if iter >= h.cfg.MaxRefineIter {
			logger().Warn("layout still overlapping", "iterations", iter)
			return nil
		}
	}
}

func (h *Helper) relax(ids []int, radii []float64) bool {
	order := h.rng.Perm(len(ids))
	changed := false
	for a := 0; a < len(order)-1; a++ {
		i := order[a]
		pi := &h.coords[ids[i]]
		for _, j := range order[a+1:] {
			pj := h.coords[ids[j]]
			if Overlap(*pi, pj, radii[i], radii[j]) <= 0 {
				continue
			}
			dx, dy := pi.X-pj.X, pi.Y-pj.Y
			norm := math.Hypot(dx, dy)
			if norm == 0 {
				angle := h.rng.Float64() * 2 * math.Pi
				dx, dy, norm = math.Cos(angle), math.Sin(angle), 1
			}
			pi.X += stepFactor * dx / norm
			pi.Y += stepFactor * dy / norm
			changed = true
		}
	}
	return changed
}

// Radius maps a stationary probability onto a circle radius so that areas
// are proportional to probabilities.
func Radius(prob float64) float64 { return math.Sqrt(prob / math.Pi) }

// Overlap is positive when two circles intersect.
func Overlap(a, b Point, ra, rb float64) float64 {
	return ra + rb - math.Hypot(a.X-b.X, a.Y-b.Y)
}

// MDS projects points onto the plane by classical multidimensional scaling.
func MDS(points [][]float64) []Point {
	n := len(points)
	out := make([]Point, n)
	if n < 2 {
		return out
	}
	d2 := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := floats.Distance(points[i], points[j], 2)
			d2.SetSym(i, j, d*d)
		}
	}
	// double centering: B = -1/2 J D² J
	rowMean := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			rowMean[i] += d2.At(i, j)
		}
		total += rowMean[i]
		rowMean[i] /= float64(n)
	}
	total /= float64(n * n)
	b := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			b.SetSym(i, j, -.5*(d2.At(i, j)-rowMean[i]-rowMean[j]+total))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(b, true) {
		logger().Warn("mds factorisation failed")
		return out
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return vals[order[a]] > vals[order[b]] })

	for dim, k := range order[:2] {
		scale := math.Sqrt(math.Max(vals[k], 0))
		for i := 0; i < n; i++ {
			v := vecs.At(i, k) * scale
			if dim == 0 {
				out[i].X = v
			} else {
				out[i].Y = v
			}
		}
	}
	return out
}

// Coords returns the canvas position of a node.
func (h *Helper) Coords(id int) (Point, error) {
	if err := h.check(id); err != nil {
		return Point{}, err
	}
	return h.coords[id], nil
}

// SetCoords moves a node.
func (h *Helper) SetCoords(id int, p Point) error {
	if err := h.check(id); err != nil {
		return err
	}
	h.coords[id] = p
	return nil
}

func (h *Helper) check(id int) error {
	if h.coords == nil {
		return ErrNotInitialized
	}
	if id < 0 || id >= len(h.coords) {
		return fmt.Errorf("invalid state id %d", id)
	}
	return nil
}

// #endregion coordinates

// #region snapshot
// Snapshot returns the serialisable state of the helper.
func (h *Helper) Snapshot() Snapshot {
	return Snapshot{
		Config:    h.cfg,
		Coords:    h.coords,
		AutoNames: h.autoNames,
		Descs:     h.descs,
		TimeDescs: h.timeDescs,
	}
}

// Restore rebuilds a helper from a snapshot.
func Restore(s Snapshot) (*Helper, error) {
	h, err := New(s.Config)
	if err != nil {
		return nil, err
	}
	if len(s.AutoNames) != len(s.Coords) || len(s.Descs) != len(s.Coords) || len(s.TimeDescs) != len(s.Coords) {
		return nil, fmt.Errorf("restore: inconsistent snapshot with %d states", len(s.Coords))
	}
	h.coords = s.Coords
	h.autoNames = s.AutoNames
	h.descs = s.Descs
	h.timeDescs = s.TimeDescs
	return h, nil
}

// #endregion snapshot
