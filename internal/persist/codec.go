package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"utm_sector/internal/model"
)

// timeLayout is ISO-8601 UTC with sub-second precision.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalWaypoints(s string) ([]model.Waypoint, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var wps []model.Waypoint
	if err := json.Unmarshal([]byte(s), &wps); err != nil {
		return nil, fmt.Errorf("unmarshal waypoints: %w", err)
	}
	return wps, nil
}

// decodeCommandPayload parses the tagged payload column. A payload that
// fails to parse at all yields an unknown discriminator, which the store
// expires on load instead of failing startup.
func decodeCommandPayload(s string) model.CommandPayload {
	var p model.CommandPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return model.CommandPayload{Type: model.CommandKind("unparseable")}
	}
	return p
}
