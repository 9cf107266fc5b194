// Package audit records registry events in an append-only, hash-chained
// trail and as structured "AUDIT:" log lines.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

const genesis = "genesis"

var (
	ErrChainBroken = errors.New("hash chain is broken")
	ErrEmptyBundle = errors.New("bundle is empty")
)

// Entry is a single immutable record in the chain.
type Entry struct {
	EntryID      string             `json:"entry_id"`
	Sequence     uint64             `json:"sequence"`
	Timestamp    time.Time          `json:"timestamp"`
	Kind         registry.EventKind `json:"kind"`
	Subject      string             `json:"subject"`
	Actor        registry.Identity  `json:"actor"`
	Payload      json.RawMessage    `json:"payload"`
	PayloadHash  string             `json:"payload_hash"`
	PreviousHash string             `json:"previous_hash"`
	EntryHash    string             `json:"entry_hash"`
}

// Chain is an append-only audit trail. It implements registry.Observer.
type Chain struct {
	mu        sync.RWMutex
	entries   []*Entry
	sequence  uint64
	chainHead string
}

func NewChain() *Chain {
	return &Chain{
		entries:   make([]*Entry, 0),
		chainHead: genesis,
	}
}

// Observe appends the event as a new entry.
func (c *Chain) Observe(_ context.Context, e registry.Event) error {
	_, err := c.Append(e)
	return err
}

// Append adds an entry for e and returns it.
func (c *Chain) Append(e registry.Event) (*Entry, error) {
	payload, err := canonical(e)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     c.sequence + 1,
		Timestamp:    e.At.UTC(),
		Kind:         e.Kind,
		Subject:      e.Subject(),
		Actor:        e.Caller,
		Payload:      payload,
		PayloadHash:  computeHash(payload),
		PreviousHash: c.chainHead,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, err
	}

	c.sequence = entry.Sequence
	c.chainHead = entry.EntryHash
	c.entries = append(c.entries, entry)
	return entry, nil
}

func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e *Entry) (string, error) {
	data, err := canonical(struct {
		Sequence     uint64             `json:"sequence"`
		Timestamp    time.Time          `json:"timestamp"`
		Kind         registry.EventKind `json:"kind"`
		Subject      string             `json:"subject"`
		Actor        registry.Identity  `json:"actor"`
		PayloadHash  string             `json:"payload_hash"`
		PreviousHash string             `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Kind:         e.Kind,
		Subject:      e.Subject,
		Actor:        e.Actor,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash entry %d: %w", e.Sequence, err)
	}
	return computeHash(data), nil
}

// Head returns the hash of the latest entry, or "genesis".
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainHead
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Kind       registry.EventKind
	Subject    string
	Actor      registry.Identity
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// Query returns entries matching the filter in sequence order.
func (c *Chain) Query(f Filter) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range c.entries {
		if !f.matches(e) {
			continue
		}
		results = append(results, e)
		if f.MaxResults > 0 && len(results) >= f.MaxResults {
			break
		}
	}
	return results
}

// Verify recomputes every hash and link in the chain.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return verifyLinks(c.entries, genesis)
}

func verifyLinks(entries []*Entry, expectedPrev string) error {
	for _, e := range entries {
		if expectedPrev != "" && e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, expectedPrev)
		}
		// Payloads may have been re-escaped in transit; hash the canonical form.
		payload, err := jcs.Transform(e.Payload)
		if err != nil || computeHash(payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChainBroken, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// Bundle is an exportable, self-verifying slice of the chain.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// Export bundles a contiguous range of entries. Filters other than the
// sequence bounds are ignored so the exported range stays linked.
func (c *Chain) Export(startSeq, endSeq uint64, now time.Time) (*Bundle, error) {
	entries := c.Query(Filter{StartSeq: startSeq, EndSeq: endSeq})
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}
	hash, err := bundleHash(entries)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		BundleID:   uuid.New().String(),
		CreatedAt:  now.UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
		BundleHash: hash,
	}, nil
}

func bundleHash(entries []*Entry) (string, error) {
	data, err := canonical(entries)
	if err != nil {
		return "", fmt.Errorf("hash bundle: %w", err)
	}
	return computeHash(data), nil
}

// VerifyBundle checks a bundle's hash and the links between its entries.
// The first entry's previous hash is taken on trust.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyBundle
	}
	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("%w: entry_count %d but %d entries", ErrChainBroken, b.EntryCount, len(b.Entries))
	}
	hash, err := bundleHash(b.Entries)
	if err != nil {
		return err
	}
	if hash != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	if err := verifyLinks(b.Entries, ""); err != nil {
		return err
	}
	if b.Entries[len(b.Entries)-1].EntryHash != b.ChainHead {
		return fmt.Errorf("%w: chain head mismatch", ErrChainBroken)
	}
	return nil
}
