// v0
// internal/config/types.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("2s", "1m30s") or integer seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v := strings.TrimSpace(node.Value)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("line %d: duration must not be negative", node.Line)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, v)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: duration must not be negative", node.Line)
	}
	*d = Duration(parsed)
	return nil
}

// Setting is one gateway setting in declaration order.
type Setting struct {
	Key   string
	Value any
}

// OrderedSettings is a YAML mapping that keeps its key order, which is the
// order commands are sent to the gateway.
type OrderedSettings []Setting

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *OrderedSettings) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: settings must be a mapping", node.Line)
	}
	out := make(OrderedSettings, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if seen[k.Value] {
			return fmt.Errorf("line %d: duplicate setting %q", k.Line, k.Value)
		}
		seen[k.Value] = true
		var value any
		if err := v.Decode(&value); err != nil {
			return fmt.Errorf("line %d: setting %q: %w", v.Line, k.Value, err)
		}
		out = append(out, Setting{Key: k.Value, Value: value})
	}
	*s = out
	return nil
}
