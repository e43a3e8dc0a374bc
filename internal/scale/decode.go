// v1
// internal/scale/decode.go
package scale

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultModelFamily matches the Xiaomi body composition scales
// (XMTZC04HM, XMTZC05HM) as reported by OpenMQTTGateway.
const DefaultModelFamily = "XMTZC"

// ModePerson is the weighing mode of a human measurement.
const ModePerson = "person"

var (
	// ErrMalformed marks payloads that are not a JSON object.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnsupportedDevice marks payloads from other BLE devices.
	ErrUnsupportedDevice = errors.New("unsupported device")
	// ErrNotPerson marks object or pet measurements.
	ErrNotPerson = errors.New("not a person measurement")
	// ErrIncomplete marks samples lacking weight or impedance.
	ErrIncomplete = errors.New("incomplete measurement")
)

type gatewayPayload struct {
	ID           string   `json:"id"`
	ModelID      string   `json:"model_id"`
	WeighingMode string   `json:"weighing_mode"`
	Unit         string   `json:"unit"`
	Weight       *float64 `json:"weight"`
	Impedance    *float64 `json:"impedance"`
	RSSI         int      `json:"rssi"`
}

// Decoder turns gateway payloads into Readings.
type Decoder struct {
	family string
}

// NewDecoder returns a decoder accepting model ids that contain family. An
// empty family falls back to DefaultModelFamily.
func NewDecoder(family string) *Decoder {
	family = strings.TrimSpace(family)
	if family == "" {
		family = DefaultModelFamily
	}
	return &Decoder{family: family}
}

// Decode validates payload and returns the normalized Reading. Every
// rejection wraps one of the package sentinels so callers can classify it.
func (d *Decoder) Decode(topic string, payload []byte, now time.Time) (Reading, error) {
	var p gatewayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.ModelID == "" || !strings.Contains(p.ModelID, d.family) {
		return Reading{}, fmt.Errorf("%w: model_id %q", ErrUnsupportedDevice, p.ModelID)
	}
	if p.WeighingMode != ModePerson {
		return Reading{}, fmt.Errorf("%w: weighing_mode %q", ErrNotPerson, p.WeighingMode)
	}
	if p.Weight == nil || *p.Weight <= 0 {
		return Reading{}, fmt.Errorf("%w: missing weight", ErrIncomplete)
	}
	if p.Impedance == nil || *p.Impedance <= 0 {
		return Reading{}, fmt.Errorf("%w: missing impedance", ErrIncomplete)
	}

	unit := Unit(strings.ToLower(strings.TrimSpace(p.Unit)))
	if unit == "" {
		unit = UnitKilogram
	}
	return Reading{
		Timestamp: now,
		DeviceID:  p.ID,
		Weight:    *p.Weight,
		Unit:      unit,
		WeightKg:  ToKilograms(*p.Weight, unit),
		Impedance: int(math.Round(*p.Impedance)),
		ModelID:   p.ModelID,
		Mode:      p.WeighingMode,
		RSSI:      p.RSSI,
		Topic:     topic,
	}, nil
}
