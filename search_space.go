package ascent

import (
	"context"
	"sort"

	"github.com/copyleftdev/ascent/distribution"
)

// IntersectionSearchSpace returns the parameters whose distribution is
// identical across every completed trial of the study. Relative samplers that
// need a stable joint space are restricted to this set.
//
// The intersection is recomputed from storage on every call rather than cached:
// each worker may see a different set of completed trials at sampling time, and
// that staleness is an accepted approximation.
func IntersectionSearchSpace(ctx context.Context, storage Storage, studyID int) (map[string]distribution.Distribution, error) {
	trials, err := storage.GetAllTrials(ctx, studyID)
	if err != nil {
		return nil, err
	}

	var space map[string]distribution.Distribution
	for _, t := range trials {
		if t.State != StateComplete {
			continue
		}
		if space == nil {
			space = make(map[string]distribution.Distribution, len(t.Distributions))
			for name, d := range t.Distributions {
				space[name] = d
			}
			continue
		}
		for name, d := range space {
			other, ok := t.Distributions[name]
			if !ok || !distribution.Compatible(d, other) {
				delete(space, name)
			}
		}
		if len(space) == 0 {
			break
		}
	}
	if space == nil {
		space = map[string]distribution.Distribution{}
	}
	return space, nil
}

// SortedParamNames returns the search space's parameter names in a stable
// order, for samplers that need deterministic iteration.
func SortedParamNames(space map[string]distribution.Distribution) []string {
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
