package hierarchy

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// minBlockDiff is the largest L1 difference between the state shares of
// two neighbouring history blocks that still merges them.
const minBlockDiff = .07

// #region update
// UpdateHistory records that the stream entered leaf at time tm.
func (h *Hierarchy) UpdateHistory(tm int64, leaf int) error {
	if h.parents == nil {
		return ErrNotInitialized
	}
	if !h.IsLeaf(leaf) {
		return fmt.Errorf("leaf %d: %w", leaf, ErrInvalidState)
	}
	h.updatePastStates(leaf)
	h.updateUIHistory(tm, leaf)
	return nil
}

func (h *Hierarchy) updatePastStates(leaf int) {
	ancestors, _ := h.Ancestors(leaf)
	hn := 0
	for _, a := range ancestors {
		for hn < len(h.uniqueHeights) && h.IsOnHeight(a.ID, h.uniqueHeights[hn]) {
			past := h.pastStates[hn]
			if len(past) == 0 || past[0] != a.ID {
				past = append([]int{a.ID}, past...)
				if len(past) > h.cfg.HistCacheSize {
					past = past[:h.cfg.HistCacheSize]
				}
				h.pastStates[hn] = past
			}
			hn++
		}
	}
}

// updateUIHistory appends the ancestors that changed. Once the ancestor at
// some height is unchanged, all higher ones are as well.
func (h *Hierarchy) updateUIHistory(tm int64, leaf int) {
	for sn, scale := range h.uiHeights {
		anc, err := h.AncestorAtHeight(leaf, scale)
		if err != nil {
			continue
		}
		hist := h.history[sn]
		if len(hist) > 0 && hist[len(hist)-1].State == anc {
			break
		}
		h.history[sn] = append(hist, Entry{Tm: tm, State: anc})
	}
}

// #endregion update

// #region current
// CurrentStates returns the active node at every unique height.
func (h *Hierarchy) CurrentStates() ([]IDHeight, error) {
	out := make([]IDHeight, len(h.uniqueHeights))
	for i, past := range h.pastStates {
		if len(past) == 0 {
			return nil, errors.New("past state cache empty")
		}
		out[i] = IDHeight{past[0], h.uniqueHeights[i]}
	}
	return out, nil
}

// CurrentLeaf returns the leaf the stream is in, -1 before any record.
func (h *Hierarchy) CurrentLeaf() int {
	if len(h.pastStates) == 0 || len(h.pastStates[0]) == 0 {
		return -1
	}
	return h.pastStates[0][0]
}

// UICurrentStates returns the active node at every UI height.
func (h *Hierarchy) UICurrentStates() ([]IDHeight, error) {
	leaf := h.CurrentLeaf()
	if leaf < 0 {
		return nil, errors.New("past state cache empty")
	}
	out := make([]IDHeight, len(h.uiHeights))
	for i, height := range h.uiHeights {
		anc, err := h.AncestorAtHeight(leaf, height)
		if err != nil {
			return nil, err
		}
		out[i] = IDHeight{anc, height}
	}
	return out, nil
}

// PastStates returns the states visited at the unique height nearest to
// height before the current one, most recent first.
func (h *Hierarchy) PastStates(height float64) []int {
	if len(h.uniqueHeights) == 0 {
		return nil
	}
	past := h.pastStates[scaleBin(height, h.uniqueHeights)]
	if len(past) < 2 {
		return nil
	}
	return append([]int(nil), past[1:]...)
}

// #endregion current

// #region state-history
type segment struct {
	start, dur int64
	state      int
}

// StateHistory summarises the history of every UI height inside a window
// given relative to the recorded time range. Stretches shorter than the
// maxStates-th longest one are folded into their predecessor. It also
// returns the recorded time range.
func (h *Hierarchy) StateHistory(relOffset, relRange float64, maxStates int) ([]ScaleHistory, int64, int64, error) {
	if len(h.history) == 0 || len(h.history[0]) < 2 {
		return nil, 0, 0, errors.New("need at least 2 entries on the lowest scale")
	}
	if maxStates < 1 {
		return nil, 0, 0, fmt.Errorf("invalid maximum of states %d", maxStates)
	}
	lowest := h.history[0]
	minTm, maxTm := lowest[0].Tm, lowest[len(lowest)-1].Tm
	span := float64(maxTm - minTm)
	start := minTm + int64(span*relOffset)
	end := start + int64(span*relRange)

	minDur := int64(math.MaxInt64)
	out := make([]ScaleHistory, len(h.uiHeights))
	for sn, height := range h.uiHeights {
		segs := clip(h.history[sn], start, end)
		out[sn] = ScaleHistory{Height: height, Blocks: summarise(segs, maxStates, &minDur)}
	}
	return out, minTm, maxTm, nil
}

func clip(hist []Entry, start, end int64) []segment {
	var segs []segment
	for i, e := range hist {
		s := e.Tm
		if s > end {
			break
		}
		if i == len(hist)-1 {
			segs = append(segs, segment{s, end - s, e.State})
			break
		}
		f := hist[i+1].Tm
		if f < start {
			continue
		}
		s, f = max(s, start), min(f, end)
		segs = append(segs, segment{s, f - s, e.State})
	}
	return segs
}

func summarise(segs []segment, maxStates int, minDur *int64) []Block {
	if len(segs) <= maxStates {
		out := make([]Block, len(segs))
		for i, s := range segs {
			out[i] = Block{Start: s.start, Dur: s.dur, Dist: map[int]float64{s.state: 1}}
		}
		return out
	}

	durs := make([]int64, len(segs))
	for i, s := range segs {
		durs[i] = s.dur
	}
	sort.Slice(durs, func(a, b int) bool { return durs[a] > durs[b] })
	*minDur = min(*minDur, durs[maxStates-1])

	var out []Block
	for i, s := range segs {
		if i > 0 && s.dur < *minDur {
			last := &out[len(out)-1]
			prevShare := float64(last.Dur) / float64(last.Dur+s.dur)
			for k := range last.Dist {
				last.Dist[k] *= prevShare
			}
			last.Dist[s.state] += 1 - prevShare
			last.Dur += s.dur
		} else {
			out = append(out, Block{Start: s.start, Dur: s.dur, Dist: map[int]float64{s.state: 1}})
		}

		n := len(out)
		if n >= 2 && sameKeys(out[n-1].Dist, out[n-2].Dist) && distDiff(out[n-2].Dist, out[n-1].Dist) < minBlockDiff {
			a, b := &out[n-2], out[n-1]
			share := float64(a.Dur) / float64(a.Dur+b.Dur)
			for k := range a.Dist {
				a.Dist[k] = share*a.Dist[k] + (1-share)*b.Dist[k]
			}
			a.Dur += b.Dur
			out = out[:n-1]
		}
	}
	return out
}

func sameKeys(a, b map[int]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func distDiff(a, b map[int]float64) float64 {
	d := 0.0
	for k, v := range a {
		d += math.Abs(v - b[k])
	}
	return d
}

// #endregion state-history
