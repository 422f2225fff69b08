package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads either a Go duration string
// ("90s", "2m") or a plain number of seconds, and writes a duration string.
type Duration time.Duration

// D is shorthand for converting a time.Duration
func D(d time.Duration) Duration { return Duration(d) }

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(v interface{}) (Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return Duration(t * float64(time.Second)), nil
	case int:
		return Duration(time.Duration(t) * time.Second), nil
	case int64:
		return Duration(time.Duration(t) * time.Second), nil
	case string:
		if t == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return Duration(secs * float64(time.Second)), nil
		}
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", t, err)
		}
		return Duration(parsed), nil
	default:
		return 0, fmt.Errorf("invalid duration value %v", v)
	}
}
