package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Descriptor is the storage key of a persisted job payload.
type Descriptor string

// Name returns the file name portion of the descriptor.
func (d Descriptor) Name() string {
	return path.Base(string(d))
}

func (d Descriptor) String() string { return string(d) }

var errMissingKey = errors.New(`payload has no "Key" field`)

// Payload is a decoded job file. Key names the data asset to process; every
// other top-level field is kept in Fields.
type Payload struct {
	Key    string
	Fields map[string]any
}

// UnmarshalJSON decodes a job object and requires a non-empty string Key.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		return errMissingKey
	}
	key, ok := raw["Key"].(string)
	if !ok || strings.TrimSpace(key) == "" {
		return errMissingKey
	}
	delete(raw, "Key")
	p.Key = key
	p.Fields = raw
	return nil
}

// MarshalJSON writes Key alongside the extra fields.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["Key"] = p.Key
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// String returns a string field, or "" when absent.
func (p Payload) String(field string) string {
	switch v := p.Fields[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric field. Numeric strings are accepted.
func (p Payload) Float(field string) (float64, bool) {
	switch v := p.Fields[field].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Has reports whether the field is present and not null.
func (p Payload) Has(field string) bool {
	v, ok := p.Fields[field]
	return ok && v != nil
}
