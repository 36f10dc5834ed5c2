// Package priority classifies events into lanes and schedules them with
// strict high-before-normal-before-low ordering.
package priority

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pulsekit/pulsekit/event"
)

// Rules is the classification table: two open sets of event names. Names
// absent from both sets classify as normal. This is configuration data,
// not an algorithm; deployments extend it via config or a rules file.
type Rules struct {
	High []string `yaml:"high"`
	Low  []string `yaml:"low"`
}

// DefaultRules covers the built-in event vocabulary: failures and
// session boundaries are high, passive background signals are low.
func DefaultRules() Rules {
	return Rules{
		High: []string{
			"error",
			"crash",
			"unhandled_rejection",
			"session_start",
			"session_end",
		},
		Low: []string{
			"heartbeat",
			"visibility_change",
			"scroll",
			"mouse_move",
			"resource_timing",
		},
	}
}

// LoadRules reads a classification table from a YAML file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("priority: read rules: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("priority: parse rules: %w", err)
	}
	return r, nil
}

// Merge appends the other table's names onto r.
func (r Rules) Merge(other Rules) Rules {
	r.High = append(r.High, other.High...)
	r.Low = append(r.Low, other.Low...)
	return r
}

// Classifier maps an event name to a lane. It is a pure lookup.
type Classifier struct {
	high map[string]struct{}
	low  map[string]struct{}
}

// NewClassifier builds a classifier from the given table.
func NewClassifier(rules Rules) *Classifier {
	c := &Classifier{
		high: make(map[string]struct{}, len(rules.High)),
		low:  make(map[string]struct{}, len(rules.Low)),
	}
	for _, name := range rules.High {
		c.high[name] = struct{}{}
	}
	for _, name := range rules.Low {
		c.low[name] = struct{}{}
	}
	return c
}

// Classify returns the lane for an event name.
func (c *Classifier) Classify(name string) event.Lane {
	if _, ok := c.high[name]; ok {
		return event.LaneHigh
	}
	if _, ok := c.low[name]; ok {
		return event.LaneLow
	}
	return event.LaneNormal
}
