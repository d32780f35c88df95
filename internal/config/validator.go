package config

import (
	"github.com/FerroO2000/pscull/internal"
)

// Validator is an utility struct for validating a configuration.
type Validator struct {
	tel *internal.Telemetry
}

// NewValidator returns a new validator.
func NewValidator(tel *internal.Telemetry) *Validator {
	return &Validator{
		tel: tel,
	}
}

// Validate validates the given configuration.
// Each anomaly is logged as a warning, the number of anomalies is returned.
func (m *Validator) Validate(config Config) int {
	anomalyCollector := newAnomalyCollector()
	config.Validate(anomalyCollector)

	for anomaly := range anomalyCollector.iter() {
		m.tel.LogWarn("config anomaly", "anomaly", anomaly.String())
	}

	return anomalyCollector.len()
}
