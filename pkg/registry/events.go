package registry

import (
	"context"
	"time"
)

// EventKind names a state change.
type EventKind string

const (
	EventMinted               EventKind = "minted"
	EventMetadataUpdated      EventKind = "metadata_updated"
	EventTransferred          EventKind = "transferred"
	EventApproval             EventKind = "approval"
	EventApprovalForAll       EventKind = "approval_for_all"
	EventTimelockChanged      EventKind = "timelock_changed"
	EventAuthorityTransferred EventKind = "authority_transferred"
)

// Event is the informational signal emitted after every committed mutation.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind `json:"kind"`
	TokenID *uint64   `json:"token_id,omitempty"`
	Caller  Identity  `json:"caller"`
	At      time.Time `json:"at"`

	From     Identity `json:"from,omitempty"`
	To       Identity `json:"to,omitempty"`
	Owner    Identity `json:"owner,omitempty"`
	Operator Identity `json:"operator,omitempty"`
	Approved bool     `json:"approved,omitempty"`

	OldURI string `json:"old_uri,omitempty"`
	NewURI string `json:"new_uri,omitempty"`

	OldTimelock time.Duration `json:"old_timelock_ns,omitempty"`
	NewTimelock time.Duration `json:"new_timelock_ns,omitempty"`
}

// Subject is a stable grouping key: "token:<id>" for token events,
// "registry" otherwise.
func (e Event) Subject() string {
	if e.TokenID == nil {
		return "registry"
	}
	return "token:" + formatID(*e.TokenID)
}

// Observer receives events in commit order. Errors are logged by the
// registry and never roll back the mutation.
type Observer interface {
	Observe(ctx context.Context, e Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event) error

func (f ObserverFunc) Observe(ctx context.Context, e Event) error {
	return f(ctx, e)
}

func tokenRef(id uint64) *uint64 {
	return &id
}
