// v0
// internal/bridgeconfig/settings.go
package bridgeconfig

import (
	"reflect"
	"sort"
)

// SaveKey is the persist-to-flash command key. It is never compared.
const SaveKey = "save"

// DefaultSnapshotKeys identify a BT settings dump published by the gateway.
var DefaultSnapshotKeys = []string{"interval", "intervalcnct", "onlysensors", "bleconnect", "activescan", "minrssi"}

// Setting is one desired device setting.
type Setting struct {
	Key   string
	Value any
}

// Desired is the ordered set of settings to push, plus the persist flag.
type Desired struct {
	Settings []Setting
	Save     bool
}

// NewDesired splits a declared setting list into settings and the save flag,
// keeping declaration order.
func NewDesired(settings []Setting) Desired {
	var d Desired
	for _, s := range settings {
		if s.Key == SaveKey {
			if b, ok := s.Value.(bool); ok {
				d.Save = b
			}
			continue
		}
		d.Settings = append(d.Settings, s)
	}
	return d
}

// Observed is a decoded settings snapshot.
type Observed map[string]any

// Mismatches lists desired keys whose observed value differs or is missing.
// A nil snapshot mismatches every key.
func Mismatches(desired Desired, observed Observed) []string {
	var out []string
	for _, s := range desired.Settings {
		if s.Key == SaveKey {
			continue
		}
		got, ok := observed[s.Key]
		if !ok || !valuesEqual(s.Value, got) {
			out = append(out, s.Key)
		}
	}
	return out
}

// Matches reports whether every desired setting is reflected in observed.
func Matches(desired Desired, observed Observed) bool {
	if observed == nil {
		return false
	}
	return len(Mismatches(desired, observed)) == 0
}

func valuesEqual(want, got any) bool {
	wf, wNum := toFloat(want)
	gf, gNum := toFloat(got)
	if wNum || gNum {
		return wNum && gNum && wf == gf
	}
	switch w := want.(type) {
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case string:
		g, ok := got.(string)
		return ok && w == g
	}
	return reflect.DeepEqual(want, got)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isSnapshot(obs Observed, keys []string) bool {
	for _, k := range keys {
		if _, ok := obs[k]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(obs Observed) []string {
	keys := make([]string, 0, len(obs))
	for k := range obs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
