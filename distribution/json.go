package distribution

import (
	"encoding/json"
	"fmt"
)

// envelope is the persisted wire form of a distribution.
type envelope struct {
	Kind    Kind              `json:"kind"`
	Low     float64           `json:"low,omitempty"`
	High    float64           `json:"high,omitempty"`
	Q       float64           `json:"q,omitempty"`
	IntLow  int               `json:"int_low,omitempty"`
	IntHigh int               `json:"int_high,omitempty"`
	Log     bool              `json:"log,omitempty"`
	Choices []json.RawMessage `json:"choices,omitempty"`
}

// Marshal encodes a distribution to its persisted JSON form.
func Marshal(d Distribution) ([]byte, error) {
	var e envelope
	e.Kind = d.Kind()
	switch t := d.(type) {
	case Uniform:
		e.Low, e.High = t.Low, t.High
	case LogUniform:
		e.Low, e.High = t.Low, t.High
	case Discrete:
		e.Low, e.High, e.Q = t.Low, t.High, t.Q
	case Int:
		e.IntLow, e.IntHigh, e.Log = t.Low, t.High, t.Log
	case Categorical:
		e.Choices = make([]json.RawMessage, len(t.Choices))
		for i, c := range t.Choices {
			raw, err := json.Marshal(c)
			if err != nil {
				return nil, fmt.Errorf("distribution: marshal choice %d: %w", i, err)
			}
			e.Choices[i] = raw
		}
	default:
		return nil, fmt.Errorf("distribution: marshal unknown distribution %T", d)
	}
	return json.Marshal(e)
}

// Unmarshal decodes a distribution from its persisted JSON form.
//
// Categorical choices decode to the generic JSON types (float64, string, bool,
// map, slice); callers that stored structured choices get them back with the
// same JSON shape, at the same index.
func Unmarshal(data []byte) (Distribution, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("distribution: unmarshal: %w", err)
	}
	switch e.Kind {
	case KindUniform:
		return Uniform{Low: e.Low, High: e.High}, nil
	case KindLog:
		return LogUniform{Low: e.Low, High: e.High}, nil
	case KindDiscrete:
		return Discrete{Low: e.Low, High: e.High, Q: e.Q}, nil
	case KindInt:
		return Int{Low: e.IntLow, High: e.IntHigh, Log: e.Log}, nil
	case KindCategory:
		choices := make([]interface{}, len(e.Choices))
		for i, raw := range e.Choices {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("distribution: unmarshal choice %d: %w", i, err)
			}
			choices[i] = v
		}
		return Categorical{Choices: choices}, nil
	default:
		return nil, fmt.Errorf("distribution: unknown kind %q", e.Kind)
	}
}
