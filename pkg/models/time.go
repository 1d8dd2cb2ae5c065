package models

import (
	"fmt"
	"strings"
	"time"
)

// flexLayouts are the accepted wire formats for timestamps, tried in order.
// LangSmith SDKs send Python datetime.isoformat() strings, which omit the
// timezone when the datetime is naive; naive values are taken as UTC.
var flexLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// FlexTime is a time.Time that unmarshals from the timestamp variants
// agent SDKs actually send. It marshals back as RFC 3339 with
// nanoseconds, in UTC.
type FlexTime struct {
	time.Time
}

// NewFlexTime wraps t for use in wire structs.
func NewFlexTime(t time.Time) *FlexTime {
	return &FlexTime{Time: t}
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	for _, layout := range flexLayouts {
		parsed, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		// Layouts without a zone parse into UTC already; normalize the rest.
		t.Time = parsed.UTC()
		return nil
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
