package workflow

import "cmms/api/internal/placeholder"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// DeriveStatus is approved iff every signature slot among placeholders has a
// non-empty value. A template without signature slots is approved as soon as
// it is submitted.
func DeriveStatus(placeholders []string, values map[string]string) Status {
	for _, key := range placeholders {
		if placeholder.Parse(key).Kind != placeholder.KindSignature {
			continue
		}
		if values[key] == "" {
			return StatusPending
		}
	}
	return StatusApproved
}

// ParseStatus maps a stored status string; anything unknown is pending.
func ParseStatus(s string) Status {
	if Status(s) == StatusApproved {
		return StatusApproved
	}
	return StatusPending
}
