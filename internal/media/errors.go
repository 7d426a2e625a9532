package media

import (
	"fmt"
	"strings"
)

// AcquireAttempt records one failed constraint tier during acquisition.
type AcquireAttempt struct {
	Tier     string
	DeviceID string
	Err      error
}

// AcquireError reports that every constraint tier failed for a capture kind.
type AcquireError struct {
	Kind     string
	Attempts []AcquireAttempt
}

func (e *AcquireError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not acquire %s after %d attempts", e.Kind, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s", a.Tier)
		if a.DeviceID != "" {
			fmt.Fprintf(&b, " (device %s)", a.DeviceID)
		}
		fmt.Fprintf(&b, ": %v", a.Err)
	}
	return b.String()
}

// Unwrap exposes the last attempt's error for errors.Is chains.
func (e *AcquireError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
