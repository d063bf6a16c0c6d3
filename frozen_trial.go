package ascent

import (
	"time"

	"github.com/copyleftdev/ascent/distribution"
)

// StudyDirection tells the engine whether lower or higher objective values win.
type StudyDirection string

const (
	DirectionMinimize StudyDirection = "minimize"
	DirectionMaximize StudyDirection = "maximize"
)

// TrialState is the lifecycle state of a trial.
//
// Legal transitions: StateWaiting -> StateRunning on worker pickup, and
// StateRunning -> {StateComplete, StatePruned, StateFail}. Terminal states are
// absorbing.
type TrialState string

const (
	StateWaiting  TrialState = "waiting"
	StateRunning  TrialState = "running"
	StateComplete TrialState = "complete"
	StatePruned   TrialState = "pruned"
	StateFail     TrialState = "fail"
)

// Finished reports whether the state is terminal.
func (s TrialState) Finished() bool {
	return s == StateComplete || s == StatePruned || s == StateFail
}

// FrozenTrial is an immutable snapshot of one trial, read back from storage.
// Samplers, pruners, and study summaries only ever see frozen trials, so
// decision logic is decoupled from the live trial being mutated by its worker.
type FrozenTrial struct {
	// ID is unique across the storage backend.
	ID int
	// StudyID identifies the owning study.
	StudyID int
	// Number is the human-facing sequence number, dense and 0-based per study.
	Number int
	State  TrialState

	// Values holds the final objective value(s); nil until the trial finishes
	// in StateComplete.
	Values []float64

	// Params maps parameter name to the external (user-facing) value.
	Params map[string]interface{}
	// InternalParams maps parameter name to the sampler-facing representation.
	InternalParams map[string]float64
	// Distributions maps parameter name to the recorded distribution.
	Distributions map[string]distribution.Distribution

	// IntermediateValues maps report step to the reported value.
	IntermediateValues map[int]float64

	UserAttrs   map[string]string
	SystemAttrs map[string]string

	DatetimeStart    time.Time
	DatetimeComplete time.Time
}

// Value returns the single objective value of a completed single-objective
// trial, or false when no value is recorded.
func (t FrozenTrial) Value() (float64, bool) {
	if len(t.Values) == 0 {
		return 0, false
	}
	return t.Values[0], true
}

// LastStep returns the largest step with a reported intermediate value.
func (t FrozenTrial) LastStep() (int, bool) {
	found := false
	last := 0
	for step := range t.IntermediateValues {
		if !found || step > last {
			last = step
			found = true
		}
	}
	return last, found
}

// clone returns a deep copy so storage backends can hand out snapshots without
// aliasing their internal state.
func (t FrozenTrial) clone() FrozenTrial {
	c := t
	c.Values = append([]float64(nil), t.Values...)
	if t.Params != nil {
		c.Params = make(map[string]interface{}, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.InternalParams != nil {
		c.InternalParams = make(map[string]float64, len(t.InternalParams))
		for k, v := range t.InternalParams {
			c.InternalParams[k] = v
		}
	}
	if t.Distributions != nil {
		c.Distributions = make(map[string]distribution.Distribution, len(t.Distributions))
		for k, v := range t.Distributions {
			c.Distributions[k] = v
		}
	}
	if t.IntermediateValues != nil {
		c.IntermediateValues = make(map[int]float64, len(t.IntermediateValues))
		for k, v := range t.IntermediateValues {
			c.IntermediateValues[k] = v
		}
	}
	if t.UserAttrs != nil {
		c.UserAttrs = make(map[string]string, len(t.UserAttrs))
		for k, v := range t.UserAttrs {
			c.UserAttrs[k] = v
		}
	}
	if t.SystemAttrs != nil {
		c.SystemAttrs = make(map[string]string, len(t.SystemAttrs))
		for k, v := range t.SystemAttrs {
			c.SystemAttrs[k] = v
		}
	}
	return c
}
