// Package gridsearch implements an exhaustive grid sampler.
//
// The sampler walks the cartesian product of a fixed, user-declared search
// space. Grid cells are claimed through trial system attributes, so workers in
// separate processes never evaluate the same cell, and once every cell is
// claimed the sampler reports exhaustion and the study loop winds down.
package gridsearch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/distribution"
)

// sysAttrCell records which grid cell a trial evaluates.
const sysAttrCell = "grid:cell"

// Space maps parameter name to the external values the grid enumerates for it.
type Space map[string][]interface{}

// Sampler assigns each trial one unclaimed cell of the grid.
type Sampler struct {
	space Space
	names []string // sorted, fixes the cell numbering
	size  int

	mu    sync.Mutex
	cells map[int]int // trial ID -> claimed cell
}

// New builds a grid sampler over the given space.
func New(space Space) (*Sampler, error) {
	if len(space) == 0 {
		return nil, fmt.Errorf("gridsearch: empty search space")
	}
	names := make([]string, 0, len(space))
	size := 1
	for name, values := range space {
		if len(values) == 0 {
			return nil, fmt.Errorf("gridsearch: parameter %q has no values", name)
		}
		names = append(names, name)
		size *= len(values)
	}
	sort.Strings(names)
	return &Sampler{space: space, names: names, size: size, cells: make(map[int]int)}, nil
}

// Size returns the number of grid cells.
func (s *Sampler) Size() int { return s.size }

func (s *Sampler) InferRelativeSearchSpace(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (map[string]distribution.Distribution, error) {
	// The grid cannot know the objective's distributions before it asks for
	// them, so all sampling happens on the independent path against the
	// claimed cell.
	return nil, nil
}

func (s *Sampler) SampleRelative(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, searchSpace map[string]distribution.Distribution) (map[string]float64, error) {
	return nil, nil
}

func (s *Sampler) SampleIndependent(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, name string, dist distribution.Distribution) (float64, error) {
	values, ok := s.space[name]
	if !ok {
		return 0, fmt.Errorf("gridsearch: parameter %q is not part of the grid", name)
	}

	cell, err := s.claimCell(ctx, study, trial)
	if err != nil {
		return 0, err
	}

	ext := values[s.coordinate(cell, name)]
	internal, err := ascent.ExternalToInternal(dist, ext)
	if err != nil {
		return 0, fmt.Errorf("gridsearch: grid value %v for %q does not fit the requested distribution: %w", ext, name, err)
	}
	return internal, nil
}

// claimCell assigns the trial the lowest cell not claimed by any sibling.
// The claim is persisted as a trial system attribute before use, so other
// workers observe it; the residual race between two workers reading the same
// sibling set is closed by re-reading after writing.
func (s *Sampler) claimCell(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (int, error) {
	s.mu.Lock()
	if cell, ok := s.cells[trial.ID]; ok {
		s.mu.Unlock()
		return cell, nil
	}
	s.mu.Unlock()

	if raw, ok := trial.SystemAttrs[sysAttrCell]; ok {
		return s.rememberCell(trial.ID, raw)
	}

	siblings, err := study.Storage().GetAllTrials(ctx, study.ID())
	if err != nil {
		return 0, err
	}
	claimed := make(map[int]bool, len(siblings))
	for _, t := range siblings {
		if t.ID == trial.ID {
			continue
		}
		// Failed trials release their cell so it can be re-evaluated.
		if t.State == ascent.StateFail {
			continue
		}
		if raw, ok := t.SystemAttrs[sysAttrCell]; ok {
			if c, err := strconv.Atoi(raw); err == nil {
				claimed[c] = true
			}
		}
	}

	cell := -1
	for c := 0; c < s.size; c++ {
		if !claimed[c] {
			cell = c
			break
		}
	}
	if cell < 0 {
		return 0, ascent.ErrSearchSpaceExhausted
	}

	if err := study.Storage().SetTrialSystemAttr(ctx, trial.ID, sysAttrCell, strconv.Itoa(cell)); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.cells[trial.ID] = cell
	s.mu.Unlock()
	return cell, nil
}

func (s *Sampler) rememberCell(trialID int, raw string) (int, error) {
	cell, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("gridsearch: corrupt cell attribute %q: %w", raw, err)
	}
	s.mu.Lock()
	s.cells[trialID] = cell
	s.mu.Unlock()
	return cell, nil
}

// coordinate decodes the cell number into the value index for one parameter.
// Cells are numbered in mixed radix over the sorted parameter names.
func (s *Sampler) coordinate(cell int, name string) int {
	for i := len(s.names) - 1; i >= 0; i-- {
		n := s.names[i]
		k := len(s.space[n])
		idx := cell % k
		if n == name {
			return idx
		}
		cell /= k
	}
	return 0
}
