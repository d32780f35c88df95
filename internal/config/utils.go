package config

import (
	"fmt"
	"slices"
)

type ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// replaceIf replaces the value with the fallback when invalid reports true,
// recording the anomaly.
func replaceIf[T any](ac *AnomalyCollector, field, reason string, actual *T, fallback T, invalid func(T) bool) {
	if val := *actual; invalid(val) {
		ac.add(field, reason, val, fallback)
		*actual = fallback
	}
}

// CheckNotNegative replaces a negative value with the fallback.
func CheckNotNegative[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	replaceIf(ac, field, "cannot be negative", actual, fallback, func(v T) bool { return v < 0 })
}

// CheckNotZero replaces a zero value with the fallback.
func CheckNotZero[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	replaceIf(ac, field, "cannot be zero", actual, fallback, func(v T) bool { return v == 0 })
}

// CheckNotLower replaces a value lower than target with the target.
func CheckNotLower[T ordered](ac *AnomalyCollector, field string, actual *T, target T) {
	reason := fmt.Sprintf("cannot be lower than %v", target)
	replaceIf(ac, field, reason, actual, target, func(v T) bool { return v < target })
}

// CheckNotLowerThan replaces a value lower than the one of targetField with the latter.
func CheckNotLowerThan[T ordered](ac *AnomalyCollector, field, targetField string, actual *T, target T) {
	reason := fmt.Sprintf("cannot be lower than %q", targetField)
	replaceIf(ac, field, reason, actual, target, func(v T) bool { return v < target })
}

// CheckNotGreaterThan replaces a value greater than the one of targetField with the latter.
func CheckNotGreaterThan[T ordered](ac *AnomalyCollector, field, targetField string, actual *T, target T) {
	reason := fmt.Sprintf("cannot be greater than %q", targetField)
	replaceIf(ac, field, reason, actual, target, func(v T) bool { return v > target })
}

// CheckNotEmpty replaces an empty string with the fallback.
func CheckNotEmpty(ac *AnomalyCollector, field string, actual *string, fallback string) {
	replaceIf(ac, field, "cannot be empty", actual, fallback, func(v string) bool { return v == "" })
}

// CheckLen replaces an empty slice with the fallback.
func CheckLen[T any](ac *AnomalyCollector, field string, actual *[]T, fallback []T) {
	replaceIf(ac, field, "cannot be empty", actual, fallback, func(v []T) bool { return len(v) == 0 })
}

// CheckOneOf replaces a value that is not among the allowed ones with the fallback.
func CheckOneOf[T comparable](ac *AnomalyCollector, field string, actual *T, fallback T, allowed ...T) {
	reason := fmt.Sprintf("must be one of %v", allowed)
	replaceIf(ac, field, reason, actual, fallback, func(v T) bool { return !slices.Contains(allowed, v) })
}
