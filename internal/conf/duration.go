package conf

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a duration that can be parsed from JSON or an
// environment variable, in Go duration syntax.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	return d.set(in)
}

// UnmarshalEnv parses a duration from an environment variable.
func (d *Duration) UnmarshalEnv(s string) error {
	return d.set(s)
}

func (d *Duration) set(s string) error {
	du, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s'", s)
	}
	*d = Duration(du)
	return nil
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}
