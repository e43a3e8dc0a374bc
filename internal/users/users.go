// v1
// internal/users/users.go
package users

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
)

// BirthdateLayout is the DD-MM-YYYY format used in the configuration file.
const BirthdateLayout = "02-01-2006"

// Profile is a configured scale user.
type Profile struct {
	Email     string
	Sex       bodycomp.Sex
	HeightCm  float64
	Birthdate time.Time
	MinWeight float64
	MaxWeight float64
}

// ParseBirthdate parses a DD-MM-YYYY birthdate.
func ParseBirthdate(v string) (time.Time, error) {
	t, err := time.Parse(BirthdateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("birthdate %q: expected DD-MM-YYYY: %w", v, err)
	}
	return t, nil
}

// Age returns the completed years at the given instant.
func (p Profile) Age(at time.Time) int {
	age := at.Year() - p.Birthdate.Year()
	if at.Month() < p.Birthdate.Month() ||
		(at.Month() == p.Birthdate.Month() && at.Day() < p.Birthdate.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// Contains reports whether weightKg falls inside the band, bounds included.
func (p Profile) Contains(weightKg float64) bool {
	return p.MinWeight <= weightKg && weightKg <= p.MaxWeight
}

// Validate checks the profile is usable for identification and metrics.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Email) == "" {
		return errors.New("email must not be empty")
	}
	if _, err := bodycomp.ParseSex(string(p.Sex)); err != nil {
		return err
	}
	if p.HeightCm < bodycomp.MinHeightCm || p.HeightCm > bodycomp.MaxHeightCm {
		return fmt.Errorf("height %.0fcm out of range", p.HeightCm)
	}
	if p.Birthdate.IsZero() {
		return errors.New("birthdate must be set")
	}
	if p.MinWeight <= 0 || p.MaxWeight < p.MinWeight {
		return fmt.Errorf("invalid weight band [%.2f, %.2f]", p.MinWeight, p.MaxWeight)
	}
	return nil
}

// Resolver attributes a weight to a profile.
type Resolver struct {
	profiles []Profile
	log      *slog.Logger
}

// NewResolver keeps profiles in declaration order, which is the match order.
func NewResolver(profiles []Profile, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cp := make([]Profile, len(profiles))
	copy(cp, profiles)
	return &Resolver{profiles: cp, log: log.With(slog.String("component", "user_resolver"))}
}

// Profiles returns a copy of the configured profiles.
func (r *Resolver) Profiles() []Profile {
	out := make([]Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

// Resolve returns the first profile whose band contains weightKg.
func (r *Resolver) Resolve(weightKg float64) (Profile, bool) {
	for _, p := range r.profiles {
		if p.Contains(weightKg) {
			r.log.Debug("user_matched", slog.String("email", p.Email), slog.Float64("weight_kg", weightKg))
			return p, true
		}
	}
	return Profile{}, false
}

// Overlaps lists pairs of profiles whose bands intersect. Resolution still
// works (first match wins) but the later profile can be shadowed.
func Overlaps(profiles []Profile) [][2]string {
	var out [][2]string
	for i := 0; i < len(profiles); i++ {
		for j := i + 1; j < len(profiles); j++ {
			a, b := profiles[i], profiles[j]
			if a.MinWeight <= b.MaxWeight && b.MinWeight <= a.MaxWeight {
				out = append(out, [2]string{a.Email, b.Email})
			}
		}
	}
	return out
}
