package envelope

import (
	"fmt"

	"github.com/ethicalzen/sentinel-gateway/pkg/contracts"
)

// Violation records one metric falling outside its contracted bounds.
type Violation struct {
	Metric   string          `json:"metric"`
	Value    float64         `json:"value"`
	Min      float64         `json:"min"`
	Max      float64         `json:"max"`
	Severity string          `json:"severity"`
	Phase    contracts.Phase `json:"phase,omitempty"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("metric '%s' value %.4f violates envelope [%.4f, %.4f]",
		v.Metric, v.Value, v.Min, v.Max)
}

// Check compares extracted metric values against the contract's envelope
// for the given phase. Metrics the evaluators did not produce are ignored;
// the envelope is a filter, not a schema. Any violation means block.
func Check(metrics map[string]float64, constraints map[string]contracts.Bounds, phase contracts.Phase) []Violation {
	var violations []Violation
	for metric, bounds := range constraints {
		if !bounds.AppliesTo(phase) {
			continue
		}
		value, ok := metrics[metric]
		if !ok {
			continue
		}
		if value < bounds.Min || value > bounds.Max {
			violations = append(violations, Violation{
				Metric:   metric,
				Value:    value,
				Min:      bounds.Min,
				Max:      bounds.Max,
				Severity: grade(value, bounds),
				Phase:    phase,
			})
		}
	}
	return violations
}

// grade scores a violation by how far outside the bounds it landed.
func grade(value float64, b contracts.Bounds) string {
	switch {
	case value > b.Max*1.5 || value < b.Min*0.5:
		return "high"
	case value > b.Max*1.2 || value < b.Min*0.8:
		return "medium"
	default:
		return "low"
	}
}
