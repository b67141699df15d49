package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sslup/sslup/core/store"
)

func TestAgentInSetupMode(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		lastSeen time.Time
		created  time.Time
		want     bool
	}{
		{
			name:    "fresh agent never seen",
			created: now.Add(-time.Minute),
			want:    true,
		},
		{
			name:    "never seen but bootstrap window expired",
			created: now.Add(-25 * time.Hour),
			want:    false,
		},
		{
			name:     "already connected once",
			lastSeen: now.Add(-time.Minute),
			created:  now.Add(-2 * time.Minute),
			want:     false,
		},
		{
			name:     "connected even though still young",
			lastSeen: now.Add(-time.Second),
			created:  now.Add(-time.Hour),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := store.Agent{LastSeen: tt.lastSeen, CreatedAt: tt.created}
			assert.Equal(t, tt.want, a.InSetupMode(now))
		})
	}
}
