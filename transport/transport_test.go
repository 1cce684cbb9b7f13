package transport

import (
	"testing"
	"time"
)

func TestEffectiveDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		socket   time.Duration
		deadline time.Time
		want     time.Time
		ok       bool
	}{
		{"no bounds", 0, time.Time{}, time.Time{}, true},
		{"socket only", time.Second, time.Time{}, now.Add(time.Second), true},
		{"deadline only", 0, now.Add(3 * time.Second), now.Add(3 * time.Second), true},
		{"socket first", time.Second, now.Add(3 * time.Second), now.Add(time.Second), true},
		{"deadline first", 5 * time.Second, now.Add(3 * time.Second), now.Add(3 * time.Second), true},
		{"deadline passed", time.Second, now, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EffectiveDeadline(now, tt.socket, tt.deadline)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
