package crm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Timestamp accepts either an RFC 3339 string or epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// Ptr returns nil for a missing or zero timestamp.
func (t *Timestamp) Ptr() *time.Time {
	if t == nil || t.Time.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
