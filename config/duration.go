package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration to provide custom JSON marshaling/unmarshaling.
// Both duration strings ("90s", "6h") and plain numbers of seconds are accepted.
type Duration struct {
	time.Duration
}

// MarshalJSON implements the json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
		return nil
	case string:
		duration, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = duration
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}
