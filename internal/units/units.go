// Package units provides shared constants and conversions for speed units.
// Internal computation is in m/s; reporting surfaces convert on the way out.
package units

import "strings"

// Unit constants
const (
	MPS = "mps"
	MPH = "mph"
	KPH = "kph"
)

// ValidUnits contains all valid unit values.
var ValidUnits = []string{MPS, MPH, KPH}

// Normalize maps unit spelling variants onto the canonical constants.
// Unknown units come back unchanged.
func Normalize(unit string) string {
	switch strings.ToLower(unit) {
	case "kmph", "km/h", KPH:
		return KPH
	case MPH:
		return MPH
	case "m/s", MPS:
		return MPS
	}
	return unit
}

// IsValid checks if the given unit is a valid target unit.
func IsValid(unit string) bool {
	normalized := Normalize(unit)
	for _, v := range ValidUnits {
		if normalized == v {
			return true
		}
	}
	return false
}

// ConvertSpeed converts a speed in m/s to the target units.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch Normalize(targetUnits) {
	case MPH:
		return speedMPS * 2.23694
	case KPH:
		return speedMPS * 3.6
	case MPS:
		return speedMPS
	default:
		return speedMPS
	}
}

// ToMPS converts a speed in the given units back to m/s.
func ToMPS(speed float64, fromUnits string) float64 {
	switch Normalize(fromUnits) {
	case MPH:
		return speed / 2.23694
	case KPH:
		return speed / 3.6
	case MPS:
		return speed
	default:
		return speed
	}
}
