package types

import (
	"encoding/json"
	"math"
)

// finiteOrNil maps non-finite floats to nil so they encode as JSON null.
func finiteOrNil(f float64) *float64 {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

// orInf is the decoding counterpart of finiteOrNil.
func orInf(f *float64) float64 {
	if f == nil {
		return math.Inf(1)
	}
	return *f
}

// MarshalJSON encodes an infinite DaysToEmpty as null.
func (e DepletionEstimate) MarshalJSON() ([]byte, error) {
	type alias DepletionEstimate
	return json.Marshal(struct {
		alias
		DaysToEmpty *float64 `json:"days_to_empty"`
	}{alias: alias(e), DaysToEmpty: finiteOrNil(e.DaysToEmpty)})
}

// UnmarshalJSON decodes a null DaysToEmpty as +Inf.
func (e *DepletionEstimate) UnmarshalJSON(data []byte) error {
	type alias DepletionEstimate
	aux := struct {
		*alias
		DaysToEmpty *float64 `json:"days_to_empty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.DaysToEmpty = orInf(aux.DaysToEmpty)
	return nil
}

// MarshalJSON encodes an infinite DaysToEmpty as null.
func (s AlertSnapshot) MarshalJSON() ([]byte, error) {
	type alias AlertSnapshot
	return json.Marshal(struct {
		alias
		DaysToEmpty *float64 `json:"days_to_empty"`
	}{alias: alias(s), DaysToEmpty: finiteOrNil(s.DaysToEmpty)})
}

// UnmarshalJSON decodes a null DaysToEmpty as +Inf.
func (s *AlertSnapshot) UnmarshalJSON(data []byte) error {
	type alias AlertSnapshot
	aux := struct {
		*alias
		DaysToEmpty *float64 `json:"days_to_empty"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.DaysToEmpty = orInf(aux.DaysToEmpty)
	return nil
}
