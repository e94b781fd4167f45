// Package units provides shared constants, validation and conversion for speed units.
// Speeds travel through the pipeline in metres per second; units only matter
// at the edges (configured limits in, reports out).
package units

import "fmt"

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

const (
	mpsPerMPH  = 0.44704
	mpsPerKMPH = 1 / 3.6
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph"
}

// ConvertSpeed converts a speed from metres per second to the target units.
// Unknown units return the value unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS / mpsPerMPH
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// ToMPS converts a speed expressed in the given units to metres per second.
func ToMPS(speed float64, fromUnits string) (float64, error) {
	switch fromUnits {
	case MPS:
		return speed, nil
	case MPH:
		return speed * mpsPerMPH, nil
	case KMPH, KPH:
		return speed * mpsPerKMPH, nil
	default:
		return 0, fmt.Errorf("unknown speed units %q (valid: %s)", fromUnits, GetValidUnitsString())
	}
}

// Label returns the human readable suffix for a unit ("km/h", "mph", "m/s").
func Label(unit string) string {
	switch unit {
	case MPH:
		return "mph"
	case KMPH, KPH:
		return "km/h"
	default:
		return "m/s"
	}
}
