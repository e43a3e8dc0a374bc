// v1
// internal/filter/filter.go
// Package filter suppresses repeated scale readings: exact retransmissions
// of the previous sample, and near-identical weights inside one weighing
// session. The two layers are independent.
package filter

import (
	"math"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
)

const (
	// DefaultCooldown is the session window after an accepted reading.
	DefaultCooldown = 30 * time.Second
	// DefaultTolerance is the weight delta (kg) below which two readings in
	// the same window belong to one session.
	DefaultTolerance = 0.1
)

// fingerprint is the full tuple compared by the duplicate suppressor.
type fingerprint struct {
	weight    float64
	impedance int
	metrics   bodycomp.Metrics
}

// DuplicateSuppressor drops a reading identical to the immediately preceding
// one. It keeps no timestamps. Not safe for concurrent use; it belongs to a
// single ingestion loop.
type DuplicateSuppressor struct {
	last *fingerprint
}

// Seen records the tuple and reports whether it equals the previous one.
func (d *DuplicateSuppressor) Seen(weight float64, impedance int, m bodycomp.Metrics) bool {
	fp := fingerprint{weight: weight, impedance: impedance, metrics: m}
	if d.last != nil && *d.last == fp {
		return true
	}
	d.last = &fp
	return false
}

// Candidate is the part of a reading the session filter looks at.
type Candidate struct {
	At           time.Time
	WeightKg     float64
	HasImpedance bool
}

// Verdict explains a session filter decision.
type Verdict int

const (
	Accepted Verdict = iota
	RejectedNoImpedance
	RejectedSameSession
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedNoImpedance:
		return "no_impedance"
	case RejectedSameSession:
		return "same_session"
	default:
		return "unknown"
	}
}

// SessionConfig tunes the session filter.
type SessionConfig struct {
	Cooldown         time.Duration
	Tolerance        float64
	RequireImpedance bool
}

// DefaultSessionConfig mirrors the scale's behaviour: a stable reading with
// impedance, 30s window, 0.1kg tolerance.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{Cooldown: DefaultCooldown, Tolerance: DefaultTolerance, RequireImpedance: true}
}

// Session tracks the last accepted reading. Only accepted candidates mutate
// it. Not safe for concurrent use.
type Session struct {
	cfg        SessionConfig
	hasLast    bool
	lastAt     time.Time
	lastWeight float64
}

// NewSession builds a session filter; non-positive values fall back to the
// defaults.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	return &Session{cfg: cfg}
}

// Evaluate decides on c and, when accepted, makes it the new baseline.
func (s *Session) Evaluate(c Candidate) Verdict {
	if s.cfg.RequireImpedance && !c.HasImpedance {
		return RejectedNoImpedance
	}
	if s.hasLast && c.At.Sub(s.lastAt) < s.cfg.Cooldown &&
		math.Abs(c.WeightKg-s.lastWeight) < s.cfg.Tolerance {
		return RejectedSameSession
	}
	s.hasLast = true
	s.lastAt = c.At
	s.lastWeight = c.WeightKg
	return Accepted
}

// Accept is Evaluate reduced to a boolean.
func (s *Session) Accept(c Candidate) bool {
	return s.Evaluate(c) == Accepted
}
