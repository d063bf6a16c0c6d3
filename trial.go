package ascent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/copyleftdev/ascent/distribution"
)

// sysAttrFixedParams holds the JSON-encoded parameter values of a queued trial.
const sysAttrFixedParams = "ascent:fixed_params"

// Trial is the live handle passed to the objective function. It wraps one
// running storage-backed trial and mediates every parameter suggestion; the
// authoritative copy of all state lives in storage.
//
// A Trial is bound to the goroutine running its objective and is not safe for
// concurrent use.
type Trial struct {
	study  *Study
	ctx    context.Context
	id     int
	number int

	relativeDone   bool
	relativeSpace  map[string]distribution.Distribution
	relativeParams map[string]float64

	pruned bool
}

// ID returns the storage-wide trial identifier.
func (t *Trial) ID() int { return t.id }

// Number returns the trial's sequence number within its study.
func (t *Trial) Number() int { return t.number }

// Context returns the context the objective runs under.
func (t *Trial) Context() context.Context { return t.ctx }

// SuggestFloat suggests a float from the uniform distribution [low, high].
func (t *Trial) SuggestFloat(name string, low, high float64) (float64, error) {
	v, err := t.suggest(name, distribution.Uniform{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// SuggestLogFloat suggests a float from the log-uniform distribution [low, high].
func (t *Trial) SuggestLogFloat(name string, low, high float64) (float64, error) {
	v, err := t.suggest(name, distribution.LogUniform{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// SuggestDiscreteFloat suggests a float from {low, low+q, ..., high}.
func (t *Trial) SuggestDiscreteFloat(name string, low, high, q float64) (float64, error) {
	v, err := t.suggest(name, distribution.Discrete{Low: low, High: high, Q: q})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// SuggestInt suggests an integer from [low, high].
func (t *Trial) SuggestInt(name string, low, high int) (int, error) {
	v, err := t.suggest(name, distribution.Int{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SuggestLogInt suggests an integer from [low, high] on a log scale.
func (t *Trial) SuggestLogInt(name string, low, high int) (int, error) {
	v, err := t.suggest(name, distribution.Int{Low: low, High: high, Log: true})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SuggestCategorical suggests one of the given choices. Choices are addressed
// by index, so duplicate values are legal and structured values keep identity
// by position.
func (t *Trial) SuggestCategorical(name string, choices []interface{}) (interface{}, error) {
	return t.suggest(name, distribution.Categorical{Choices: choices})
}

// suggest resolves one parameter: recorded value first, then queued fixed
// params, then the sampler's relative result, then independent sampling.
// The chosen internal value is persisted before the external value is
// returned, so a crash between suggestion and persistence never leaks an
// unrecorded parameter into the objective.
func (t *Trial) suggest(name string, dist distribution.Distribution) (interface{}, error) {
	if err := distribution.Validate(dist); err != nil {
		return nil, err
	}

	frozen, err := t.study.storage.GetTrial(t.ctx, t.id)
	if err != nil {
		return nil, err
	}

	// Objectives may re-suggest the same name across conditional branches;
	// that must be idempotent.
	if recorded, ok := frozen.Distributions[name]; ok {
		if !distribution.Compatible(recorded, dist) {
			return nil, fmt.Errorf("%w: parameter %q re-suggested with a different distribution", ErrIncompatibleDistribution, name)
		}
		return recorded.ToExternal(frozen.InternalParams[name]), nil
	}

	internal, ok, err := t.fixedParam(frozen, name, dist)
	if err != nil {
		return nil, err
	}
	if !ok {
		internal, ok, err = t.relativeParam(frozen, name, dist)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		internal, err = t.study.sampler.SampleIndependent(t.ctx, t.study, frozen, name, dist)
		if err != nil {
			return nil, err
		}
	}
	if !dist.Contains(internal) {
		return nil, fmt.Errorf("ascent: sampled value %v outside parameter %q", internal, name)
	}

	if err := t.study.storage.SetTrialParam(t.ctx, t.id, name, internal, dist); err != nil {
		return nil, err
	}
	return dist.ToExternal(internal), nil
}

// fixedParam checks the queued-trial fixed parameters for name.
func (t *Trial) fixedParam(frozen FrozenTrial, name string, dist distribution.Distribution) (float64, bool, error) {
	raw, ok := frozen.SystemAttrs[sysAttrFixedParams]
	if !ok {
		return 0, false, nil
	}
	var fixed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fixed); err != nil {
		return 0, false, fmt.Errorf("ascent: decode fixed params: %w", err)
	}
	ext, ok := fixed[name]
	if !ok {
		return 0, false, nil
	}
	internal, err := ExternalToInternal(dist, ext)
	if err != nil {
		t.study.logger.Warn("queued parameter outside requested distribution, resampling",
			zap.String("param", name), zap.Int("trial", t.number), zap.Error(err))
		return 0, false, nil
	}
	return internal, true, nil
}

// relativeParam lazily computes the sampler's relative result and consults it.
func (t *Trial) relativeParam(frozen FrozenTrial, name string, dist distribution.Distribution) (float64, bool, error) {
	if !t.relativeDone {
		space, err := t.study.sampler.InferRelativeSearchSpace(t.ctx, t.study, frozen)
		if err != nil {
			return 0, false, err
		}
		var params map[string]float64
		if len(space) > 0 {
			params, err = t.study.sampler.SampleRelative(t.ctx, t.study, frozen, space)
			if err != nil {
				return 0, false, err
			}
		}
		t.relativeSpace = space
		t.relativeParams = params
		t.relativeDone = true
	}

	rd, ok := t.relativeSpace[name]
	if !ok || !distribution.Compatible(rd, dist) {
		return 0, false, nil
	}
	v, ok := t.relativeParams[name]
	if !ok {
		return 0, false, nil
	}
	return v, true, nil
}

// Report records an intermediate objective value at the given step. Later
// writes for the same step overwrite earlier ones.
func (t *Trial) Report(value float64, step int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("ascent: intermediate value at step %d is not finite", step)
	}
	return t.study.storage.SetTrialIntermediateValue(t.ctx, t.id, step, value)
}

// ShouldPrune asks the study's pruner whether this trial should stop early.
// The answer is monotone for the life of the handle: once true, always true.
// On true, the objective is expected to return ErrTrialPruned.
func (t *Trial) ShouldPrune() (bool, error) {
	if t.pruned {
		return true, nil
	}
	frozen, err := t.study.storage.GetTrial(t.ctx, t.id)
	if err != nil {
		return false, err
	}
	prune, err := t.study.pruner.ShouldPrune(t.ctx, t.study, frozen)
	if err != nil {
		return false, err
	}
	if prune {
		t.pruned = true
	}
	return prune, nil
}

// SetUserAttr attaches a user-defined attribute to the trial.
func (t *Trial) SetUserAttr(key, value string) error {
	return t.study.storage.SetTrialUserAttr(t.ctx, t.id, key, value)
}

// Params returns a snapshot of the parameters suggested so far.
func (t *Trial) Params() (map[string]interface{}, error) {
	frozen, err := t.study.storage.GetTrial(t.ctx, t.id)
	if err != nil {
		return nil, err
	}
	return frozen.Params, nil
}

// ExternalToInternal converts a user-facing value to the distribution's
// internal representation. Categorical values resolve to the index of the
// first choice with the same JSON form.
func ExternalToInternal(dist distribution.Distribution, ext interface{}) (float64, error) {
	switch d := dist.(type) {
	case distribution.Categorical:
		want, err := json.Marshal(ext)
		if err != nil {
			return 0, fmt.Errorf("ascent: encode categorical value: %w", err)
		}
		for i, c := range d.Choices {
			got, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if string(got) == string(want) {
				return float64(i), nil
			}
		}
		return 0, fmt.Errorf("ascent: value %v is not a choice of the distribution", ext)
	default:
		v, err := toFloat(ext)
		if err != nil {
			return 0, err
		}
		if !dist.Contains(v) {
			return 0, fmt.Errorf("ascent: value %v outside distribution bounds", v)
		}
		return v, nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("ascent: value %v (%T) is not numeric", v, v)
	}
}
