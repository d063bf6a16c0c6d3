// Package distribution defines the parameter distributions a trial can draw from.
//
// A Distribution describes the shape and bounds of one search-space dimension.
// Samplers work in the internal representation (always a float64: the raw value
// for numeric distributions, the choice index for categorical ones) and the
// engine converts back to the external value with ToExternal before handing it
// to user code.
package distribution

import (
	"fmt"
	"math"
)

// Distribution describes the allowed values of a single parameter.
type Distribution interface {
	// Kind returns the distribution's type tag.
	Kind() Kind

	// Contains reports whether the internal value lies inside the distribution.
	Contains(internal float64) bool

	// Single reports whether the distribution admits exactly one value.
	Single() bool

	// ToExternal converts the internal representation to the user-facing value.
	ToExternal(internal float64) interface{}
}

// Kind is the type tag of a distribution.
type Kind string

const (
	KindUniform  Kind = "uniform"
	KindLog      Kind = "loguniform"
	KindDiscrete Kind = "discrete"
	KindInt      Kind = "int"
	KindCategory Kind = "categorical"
)

// Uniform is a continuous uniform distribution over [Low, High].
type Uniform struct {
	Low  float64
	High float64
}

func (d Uniform) Kind() Kind { return KindUniform }

func (d Uniform) Contains(v float64) bool { return d.Low <= v && v <= d.High }

func (d Uniform) Single() bool { return d.Low == d.High }

func (d Uniform) ToExternal(v float64) interface{} { return v }

// LogUniform is a log-scaled uniform distribution over [Low, High], Low > 0.
type LogUniform struct {
	Low  float64
	High float64
}

func (d LogUniform) Kind() Kind { return KindLog }

func (d LogUniform) Contains(v float64) bool { return d.Low <= v && v <= d.High }

func (d LogUniform) Single() bool { return d.Low == d.High }

func (d LogUniform) ToExternal(v float64) interface{} { return v }

// Discrete is a uniform distribution over {Low, Low+Q, Low+2Q, ..., High}.
type Discrete struct {
	Low  float64
	High float64
	Q    float64
}

func (d Discrete) Kind() Kind { return KindDiscrete }

func (d Discrete) Contains(v float64) bool { return d.Low <= v && v <= d.High }

func (d Discrete) Single() bool { return d.Low == d.High }

// ToExternal snaps the internal value to the nearest grid point.
func (d Discrete) ToExternal(v float64) interface{} {
	if d.Q <= 0 {
		return v
	}
	k := math.Round((v - d.Low) / d.Q)
	snapped := d.Low + k*d.Q
	if snapped > d.High {
		snapped = d.High
	}
	if snapped < d.Low {
		snapped = d.Low
	}
	return snapped
}

// Int is a uniform distribution over the integers [Low, High], optionally
// sampled on a log scale.
type Int struct {
	Low  int
	High int
	Log  bool
}

func (d Int) Kind() Kind { return KindInt }

func (d Int) Contains(v float64) bool {
	return float64(d.Low) <= v && v <= float64(d.High)
}

func (d Int) Single() bool { return d.Low == d.High }

func (d Int) ToExternal(v float64) interface{} {
	n := int(math.Round(v))
	if n < d.Low {
		n = d.Low
	}
	if n > d.High {
		n = d.High
	}
	return n
}

// Categorical is a distribution over a fixed, ordered list of choices.
//
// The internal representation is the choice index, never the choice value, so
// duplicate or structured choices are handled uniformly.
type Categorical struct {
	Choices []interface{}
}

func (d Categorical) Kind() Kind { return KindCategory }

func (d Categorical) Contains(v float64) bool {
	i := int(math.Round(v))
	return i >= 0 && i < len(d.Choices)
}

func (d Categorical) Single() bool { return len(d.Choices) == 1 }

func (d Categorical) ToExternal(v float64) interface{} {
	i := int(math.Round(v))
	if i < 0 {
		i = 0
	}
	if i >= len(d.Choices) {
		i = len(d.Choices) - 1
	}
	return d.Choices[i]
}

// Validate checks the distribution's own bounds for consistency.
func Validate(d Distribution) error {
	switch t := d.(type) {
	case Uniform:
		if t.Low > t.High {
			return fmt.Errorf("distribution: uniform low %v > high %v", t.Low, t.High)
		}
	case LogUniform:
		if t.Low <= 0 {
			return fmt.Errorf("distribution: loguniform low %v must be positive", t.Low)
		}
		if t.Low > t.High {
			return fmt.Errorf("distribution: loguniform low %v > high %v", t.Low, t.High)
		}
	case Discrete:
		if t.Low > t.High {
			return fmt.Errorf("distribution: discrete low %v > high %v", t.Low, t.High)
		}
		if t.Q <= 0 {
			return fmt.Errorf("distribution: discrete step %v must be positive", t.Q)
		}
	case Int:
		if t.Low > t.High {
			return fmt.Errorf("distribution: int low %d > high %d", t.Low, t.High)
		}
		if t.Log && t.Low <= 0 {
			return fmt.Errorf("distribution: log-scaled int low %d must be positive", t.Low)
		}
	case Categorical:
		if len(t.Choices) == 0 {
			return fmt.Errorf("distribution: categorical has no choices")
		}
	default:
		return fmt.Errorf("distribution: unknown distribution %T", d)
	}
	return nil
}

// Compatible reports whether two distributions may be recorded under the same
// parameter name within one trial. Distributions are compatible only when they
// serialize identically; anything looser would let two workers disagree on how
// to decode a persisted internal value.
func Compatible(a, b Distribution) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind() != b.Kind() {
		return false
	}
	ja, errA := Marshal(a)
	jb, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
