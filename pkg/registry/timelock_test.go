package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnlocked(t *testing.T) {
	minted := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		elapsed  time.Duration
		duration time.Duration
		want     bool
	}{
		{"before expiry", 50 * time.Second, 100 * time.Second, false},
		{"exact boundary", 100 * time.Second, 100 * time.Second, true},
		{"after expiry", 101 * time.Second, 100 * time.Second, true},
		{"zero duration at mint", 0, 0, true},
		{"clock behind mint", -time.Second, 0, false},
		{"long duration", 364 * 24 * time.Hour, 365 * 24 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unlocked(minted.Add(tt.elapsed), minted, tt.duration))
		})
	}
}

func TestUnlocksAt(t *testing.T) {
	minted := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	at := UnlocksAt(minted, time.Hour)

	assert.Equal(t, minted.Add(time.Hour), at)
	assert.True(t, Unlocked(at, minted, time.Hour))
	assert.False(t, Unlocked(at.Add(-time.Nanosecond), minted, time.Hour))
}

func TestLockedErrorMatchesSentinel(t *testing.T) {
	err := &LockedError{TokenID: 4, UnlocksAt: time.Date(2022, 3, 1, 1, 0, 0, 0, time.UTC)}

	assert.ErrorIs(t, err, ErrTokenLocked)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "token locked: token 4 unlocks at 2022-03-01T01:00:00Z", err.Error())
}
