package registry

import "time"

// Unlocked is the only lock predicate in the registry. Nothing about it is
// stored: it is recomputed from the token's mint time and the registry-wide
// duration in force at the moment of the call.
func Unlocked(now, mintedAt time.Time, d time.Duration) bool {
	return now.Sub(mintedAt) >= d
}

// UnlocksAt is the earliest instant at which Unlocked holds for the given
// mint time and duration.
func UnlocksAt(mintedAt time.Time, d time.Duration) time.Time {
	return mintedAt.Add(d)
}
