package domain

import "math"

// MilesPerMeter converts provider distances (meters) to ledger units (miles).
const MilesPerMeter = 0.000621371

// ToMiles converts a raw meter distance to miles without rounding.
func ToMiles(meters int) float64 {
	return float64(meters) * MilesPerMeter
}

// RoundedMiles converts meters to whole miles for storage. Every persistence
// site rounds half away from zero via this function; call sites must not
// apply their own rounding.
func RoundedMiles(meters int) int {
	return int(math.Round(ToMiles(meters)))
}
