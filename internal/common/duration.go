package common

import (
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Duration wraps time.Duration so configuration values can be expressed as
// human strings ("500ms", "1m") in TOML/YAML/JSON and still round-trip.
type Duration struct {
	time.Duration
}

// NewDuration builds a Duration from a time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// JSONSchema renders Duration as a string type for the generated /schema
// document instead of the zero-value struct jsonschema would otherwise infer.
func (d Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Title:       "Duration",
		Description: "Duration expressed in units accepted by time.ParseDuration, e.g. \"500ms\", \"1m\", \"2h\"",
		Examples:    []interface{}{"300ms", "1m", "12s"},
	}
}
