package health

import (
	"strings"
	"testing"
	"time"
)

type fakeHeartbeat struct {
	last time.Time
}

func (f *fakeHeartbeat) LastLoopAt() time.Time {
	return f.last
}

// TestHeartbeatCheck verifies the scheduler staleness bound of five poll
// intervals.
func TestHeartbeatCheck(t *testing.T) {
	testCases := []struct {
		name     string
		last     time.Time
		expected string
	}{
		{name: "never looped", last: time.Time{}, expected: "starting"},
		{name: "fresh loop", last: time.Now(), expected: "healthy"},
		{name: "within bound", last: time.Now().Add(-4 * time.Minute), expected: "healthy"},
		{name: "stale loop", last: time.Now().Add(-6 * time.Minute), expected: "unhealthy"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Server{
				scheduler:    &fakeHeartbeat{last: tc.last},
				pollInterval: time.Minute,
			}

			got := s.heartbeatCheck()
			if !strings.HasPrefix(got, tc.expected) {
				t.Errorf("check mismatch. Expected prefix: %s, Got: %s", tc.expected, got)
			}
		})
	}
}
