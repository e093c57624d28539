// Package rules maps plating sensor readings to defect subtypes.
package rules

import (
	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/pkg/config"
)

// Thresholds are the sensor limits of the defect rules. All comparisons are
// boundary-inclusive on the side written in the field name (Min: >=, Max: <= or <).
type Thresholds struct {
	ExcessTempMin     float64 // temp >= : excess plating
	ExcessVoltageMin  float64 // voltage >= : excess plating
	PeelingVoltageMax float64 // voltage < : peeling
	PeelingPHMin      float64 // pH >= : peeling
	CorrosionTempMax  float64 // temp < : stain/corrosion
	CorrosionPHMax    float64 // pH <= : stain/corrosion
}

// DefaultThresholds returns the production line limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExcessTempMin:     52.46,
		ExcessVoltageMin:  27.44,
		PeelingVoltageMax: 7.44,
		PeelingPHMin:      3,
		CorrosionTempMax:  32.46,
		CorrosionPHMax:    1,
	}
}

// ThresholdsFromConfig converts the rules configuration
func ThresholdsFromConfig(cfg config.RulesConfig) Thresholds {
	return Thresholds{
		ExcessTempMin:     cfg.ExcessTempMin,
		ExcessVoltageMin:  cfg.ExcessVoltageMin,
		PeelingVoltageMax: cfg.PeelingVoltageMax,
		PeelingPHMin:      cfg.PeelingPHMin,
		CorrosionTempMax:  cfg.CorrosionTempMax,
		CorrosionPHMax:    cfg.CorrosionPHMax,
	}
}

// Engine evaluates the defect rules in priority order
type Engine struct {
	t Thresholds
}

// NewEngine creates a rule engine with the given thresholds
func NewEngine(t Thresholds) *Engine {
	return &Engine{t: t}
}

// Thresholds returns the limits the engine evaluates against
func (e *Engine) Thresholds() Thresholds {
	return e.t
}

// Classify returns exactly one defect type for any input. Rules are checked in
// order excess plating, peeling, stain; the first match wins. NaN inputs fail
// every comparison and therefore resolve to normal.
func (e *Engine) Classify(temp, voltage, pH float64) entities.DefectType {
	switch {
	case temp >= e.t.ExcessTempMin && voltage >= e.t.ExcessVoltageMin:
		return entities.DefectTypeExcessPlating
	case voltage < e.t.PeelingVoltageMax && pH >= e.t.PeelingPHMin:
		return entities.DefectTypePeeling
	case temp < e.t.CorrosionTempMax && pH <= e.t.CorrosionPHMax:
		return entities.DefectTypeStain
	default:
		return entities.DefectTypeNormal
	}
}

// ClassifyReading applies Classify to the sensor fields of a reading
func (e *Engine) ClassifyReading(r *entities.SensorReading) entities.DefectType {
	return e.Classify(r.Temp, r.Voltage, r.PH)
}
