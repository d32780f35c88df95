package config

import (
	"fmt"
	"iter"
	"slices"
)

// anomaly is an invalid field that has been replaced by a fallback value.
type anomaly struct {
	field    string
	reason   string
	actual   any
	fallback any
}

func (a *anomaly) String() string {
	return fmt.Sprintf("%s %s: got %v, using %v", a.field, a.reason, a.actual, a.fallback)
}

// AnomalyCollector collects the anomalies found while validating a configuration.
type AnomalyCollector struct {
	anomalies []*anomaly
}

func newAnomalyCollector() *AnomalyCollector {
	return &AnomalyCollector{}
}

func (ac *AnomalyCollector) add(field, reason string, actual, fallback any) {
	ac.anomalies = append(ac.anomalies, &anomaly{
		field:    field,
		reason:   reason,
		actual:   actual,
		fallback: fallback,
	})
}

func (ac *AnomalyCollector) len() int {
	return len(ac.anomalies)
}

func (ac *AnomalyCollector) iter() iter.Seq[*anomaly] {
	return slices.Values(ac.anomalies)
}
