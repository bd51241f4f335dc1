package upstream

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawSample is one sample as delivered by the upstream feed. Field names
// vary across upstream versions, so decoding accepts the known aliases:
// name|point|point_name, time|timestamp|ts. Time and value stay raw until
// ParseTime/ParseValue; malformed records decode without error and fail at
// parse time so the caller can quarantine them individually.
type RawSample struct {
	Name     string
	timeRaw  json.RawMessage
	valueRaw json.RawMessage
}

// UnmarshalJSON decodes a raw sample, resolving field aliases.
func (r *RawSample) UnmarshalJSON(data []byte) error {
	var fields struct {
		Name      string          `json:"name"`
		Point     string          `json:"point"`
		PointName string          `json:"point_name"`
		Time      json.RawMessage `json:"time"`
		Timestamp json.RawMessage `json:"timestamp"`
		Ts        json.RawMessage `json:"ts"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	r.Name = fields.Name
	if r.Name == "" {
		r.Name = fields.Point
	}
	if r.Name == "" {
		r.Name = fields.PointName
	}

	r.timeRaw = fields.Time
	if len(r.timeRaw) == 0 {
		r.timeRaw = fields.Timestamp
	}
	if len(r.timeRaw) == 0 {
		r.timeRaw = fields.Ts
	}

	r.valueRaw = fields.Value
	return nil
}

// ParseTime returns the sample timestamp in epoch milliseconds. Accepts
// RFC3339 strings, epoch seconds and epoch milliseconds.
func (r *RawSample) ParseTime() (int64, error) {
	raw := strings.TrimSpace(string(r.timeRaw))
	if raw == "" || raw == "null" {
		return 0, fmt.Errorf("missing timestamp")
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(r.timeRaw, &s); err != nil {
			return 0, fmt.Errorf("timestamp: %w", err)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t, err = time.Parse("2006-01-02 15:04:05", s)
		}
		if err != nil {
			return 0, fmt.Errorf("unparseable timestamp %q", s)
		}
		return t.UnixMilli(), nil
	}

	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable timestamp %q", raw)
	}
	// Epoch seconds before ~2033 are below 2e9; larger numbers are millis.
	if n < 2e9 {
		return int64(n * 1000), nil
	}
	return int64(n), nil
}

// ParseValue returns the numeric value. Numeric strings are accepted;
// missing values, NaN and non-numeric payloads are errors.
func (r *RawSample) ParseValue() (float64, error) {
	raw := strings.TrimSpace(string(r.valueRaw))
	if raw == "" || raw == "null" {
		return 0, fmt.Errorf("missing value")
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(r.valueRaw, &s); err != nil {
			return 0, fmt.Errorf("value: %w", err)
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return 0, fmt.Errorf("missing value")
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value %q", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return v, nil
}
