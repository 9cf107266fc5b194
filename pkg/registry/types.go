package registry

import (
	"context"
	"time"
)

const (
	// CollectionName is the on-chain style name of the token collection.
	CollectionName = "ShapeshiftHallOfFame"
	// CollectionSymbol is the short ticker for the collection.
	CollectionSymbol = "SHOF"
	// DefaultURIPrefix is prepended to stored metadata strings by TokenURI.
	DefaultURIPrefix = "ipfs://"
)

// Identity names a principal: the authority, a token owner, or an operator.
// The empty Identity is never a valid caller or recipient.
type Identity string

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i == ""
}

func (i Identity) String() string {
	return string(i)
}

// Clock is the source of "current time", sampled once per call.
type Clock func() time.Time

// Token is a single registry entry. ID and MintedAt never change after mint.
type Token struct {
	ID          uint64    `json:"id"`
	Owner       Identity  `json:"owner"`
	MetadataURI string    `json:"metadata_uri"`
	MintedAt    time.Time `json:"minted_at"`

	// Approved is the single-token delegate. Cleared on every transfer.
	Approved Identity `json:"approved,omitempty"`
}

// Settings is the registry-wide state.
type Settings struct {
	Authority        Identity      `json:"authority"`
	TimelockDuration time.Duration `json:"timelock_duration"`
	NextID           uint64        `json:"next_id"`
}

// OperatorGrant records an owner's approve-for-all decision for an operator.
type OperatorGrant struct {
	Owner    Identity `json:"owner"`
	Operator Identity `json:"operator"`
	Approved bool     `json:"approved"`
}

// TokenView is a read-only projection of a token with its derived lock state.
type TokenView struct {
	Token
	URI       string    `json:"uri"`
	Locked    bool      `json:"locked"`
	UnlocksAt time.Time `json:"unlocks_at"`
}

// Snapshot is the full persisted state handed back by Store.Load.
type Snapshot struct {
	// Settings is nil when nothing has been persisted yet.
	Settings  *Settings       `json:"settings,omitempty"`
	Tokens    []Token         `json:"tokens"`
	Operators []OperatorGrant `json:"operators"`
}

// Mutation is the unit of commit. Every non-nil field must be persisted
// atomically with the others.
type Mutation struct {
	Settings *Settings
	Token    *Token
	Operator *OperatorGrant
}

// Store persists registry state. Commit must be all-or-nothing.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, m Mutation) error
}
