package ascent

import "context"

// Pruner decides whether a running trial should be stopped early, based on its
// intermediate reported values and the sibling trials' values at the same
// steps. Implementations must only compare same-step values; comparing across
// steps is a correctness bug.
//
// The engine makes the decision monotone: once a trial's handle has observed a
// prune decision it stays pruned, regardless of later pruner answers.
type Pruner interface {
	ShouldPrune(ctx context.Context, study *Study, trial FrozenTrial) (bool, error)
}

// NopPruner never prunes. It is the default.
type NopPruner struct{}

func (NopPruner) ShouldPrune(ctx context.Context, study *Study, trial FrozenTrial) (bool, error) {
	return false, nil
}
