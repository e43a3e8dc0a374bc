// v1
// internal/scale/reading.go
package scale

import "time"

// Unit is the weight unit reported by the scale.
type Unit string

const (
	UnitKilogram Unit = "kg"
	UnitPound    Unit = "lb"
	UnitCatty    Unit = "jin"
)

const (
	poundToKg = 0.453592
	cattyToKg = 0.5
)

// ToKilograms converts value expressed in u to kilograms. Unknown units are
// treated as kilograms, which is what the gateway reports by default.
func ToKilograms(value float64, u Unit) float64 {
	switch u {
	case UnitPound:
		return value * poundToKg
	case UnitCatty:
		return value * cattyToKg
	default:
		return value
	}
}

// Reading is one decoded scale sample. WeightKg is already normalized; the
// raw value and unit are kept for logging and backups.
type Reading struct {
	Timestamp time.Time
	DeviceID  string
	Weight    float64
	Unit      Unit
	WeightKg  float64
	Impedance int
	ModelID   string
	Mode      string
	RSSI      int
	Topic     string
}

// HasImpedance reports whether the sample carries a usable impedance, which
// the scale only sends once the measurement is stable.
func (r Reading) HasImpedance() bool {
	return r.Impedance > 0
}
