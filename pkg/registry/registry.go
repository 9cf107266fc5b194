// Package registry implements the Hall of Fame token registry: a single
// authority mints tokens whose metadata and custody stay frozen until a
// registry-wide timelock, measured from each token's mint time, has elapsed.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Options configures a Registry.
type Options struct {
	// Authority and TimelockDuration seed a registry that has no persisted
	// state yet. They are ignored when the Store already holds settings.
	Authority        Identity
	TimelockDuration time.Duration

	URIPrefix string
	Clock     Clock
	Store     Store
	Observers []Observer
	Logger    *slog.Logger
}

// Registry is safe for concurrent use; every call is serialized.
type Registry struct {
	mu        sync.RWMutex
	settings  Settings
	tokens    []Token
	balances  map[Identity]uint64
	operators map[Identity]map[Identity]bool

	prefix    string
	clock     Clock
	store     Store
	observers []Observer
	logger    *slog.Logger
}

// New creates a registry, hydrating it from opts.Store when state exists.
func New(ctx context.Context, opts Options) (*Registry, error) {
	r := &Registry{
		balances:  make(map[Identity]uint64),
		operators: make(map[Identity]map[Identity]bool),
		prefix:    opts.URIPrefix,
		clock:     opts.Clock,
		store:     opts.Store,
		observers: opts.Observers,
		logger:    opts.Logger,
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")

	if r.store != nil {
		snap, err := r.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load registry state: %w", err)
		}
		if snap != nil && snap.Settings != nil {
			if err := r.hydrate(snap); err != nil {
				return nil, err
			}
			r.logger.InfoContext(ctx, "registry loaded",
				"authority", r.settings.Authority,
				"timelock", r.settings.TimelockDuration,
				"tokens", len(r.tokens),
			)
			return r, nil
		}
	}

	if opts.Authority.IsZero() {
		return nil, fmt.Errorf("%w: initial authority is required", ErrInvalidArgument)
	}
	if opts.TimelockDuration < 0 {
		return nil, fmt.Errorf("%w: timelock duration must be non-negative", ErrInvalidArgument)
	}
	settings := Settings{
		Authority:        opts.Authority,
		TimelockDuration: opts.TimelockDuration,
	}
	if err := r.commit(ctx, Mutation{Settings: &settings}); err != nil {
		return nil, err
	}
	r.settings = settings
	r.logger.InfoContext(ctx, "registry initialized",
		"authority", settings.Authority,
		"timelock", settings.TimelockDuration,
	)
	return r, nil
}

func (r *Registry) hydrate(snap *Snapshot) error {
	if uint64(len(snap.Tokens)) != snap.Settings.NextID {
		return fmt.Errorf("corrupt registry state: %d tokens but next id %d", len(snap.Tokens), snap.Settings.NextID)
	}
	for i, tok := range snap.Tokens {
		if tok.ID != uint64(i) {
			return fmt.Errorf("corrupt registry state: token at position %d has id %d", i, tok.ID)
		}
		r.balances[tok.Owner]++
	}
	for _, g := range snap.Operators {
		if g.Approved {
			r.setOperator(g.Owner, g.Operator, true)
		}
	}
	r.settings = *snap.Settings
	r.tokens = append([]Token(nil), snap.Tokens...)
	return nil
}

// Mint creates a token owned by recipient and returns its id. Authority only.
func (r *Registry) Mint(ctx context.Context, caller, recipient Identity, uri string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireAuthority(caller); err != nil {
		return 0, err
	}
	if recipient.IsZero() {
		return 0, fmt.Errorf("%w: mint to empty identity", ErrInvalidArgument)
	}

	now := r.clock()
	tok := Token{
		ID:          r.settings.NextID,
		Owner:       recipient,
		MetadataURI: uri,
		MintedAt:    now,
	}
	next := r.settings
	next.NextID++

	if err := r.commit(ctx, Mutation{Settings: &next, Token: &tok}); err != nil {
		return 0, err
	}
	r.settings = next
	r.tokens = append(r.tokens, tok)
	r.balances[recipient]++

	r.logger.InfoContext(ctx, "minted token", "token_id", tok.ID, "owner", recipient, "token_uri", uri)
	r.emit(ctx, Event{
		Kind:    EventMinted,
		TokenID: tokenRef(tok.ID),
		Caller:  caller,
		At:      now,
		To:      recipient,
		NewURI:  uri,
	})
	return tok.ID, nil
}

// SetTokenURI replaces a token's metadata once its timelock has elapsed.
// Authority only.
func (r *Registry) SetTokenURI(ctx context.Context, caller Identity, id uint64, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireAuthority(caller); err != nil {
		return err
	}
	tok, err := r.lookup(id)
	if err != nil {
		return err
	}
	now := r.clock()
	if err := r.checkUnlocked(tok, now); err != nil {
		return err
	}

	updated := tok
	updated.MetadataURI = uri
	if err := r.commit(ctx, Mutation{Token: &updated}); err != nil {
		return err
	}
	r.tokens[id] = updated

	r.logger.InfoContext(ctx, "updated token uri", "token_id", id, "old_uri", tok.MetadataURI, "new_uri", uri)
	r.emit(ctx, Event{
		Kind:    EventMetadataUpdated,
		TokenID: tokenRef(id),
		Caller:  caller,
		At:      now,
		OldURI:  tok.MetadataURI,
		NewURI:  uri,
	})
	return nil
}

// TransferFrom moves custody of a token from its owner to another identity.
// The caller must be the owner, the token's approved delegate, or an
// operator of the owner, and the token's timelock must have elapsed.
func (r *Registry) TransferFrom(ctx context.Context, caller, from, to Identity, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !r.isApprovedOrOwner(caller, tok) {
		return fmt.Errorf("%w: %q may not transfer token %d", ErrUnauthorized, caller, id)
	}
	if tok.Owner != from {
		return fmt.Errorf("%w: token %d is not owned by %q", ErrInvalidArgument, id, from)
	}
	if to.IsZero() {
		return fmt.Errorf("%w: transfer to empty identity", ErrInvalidArgument)
	}
	now := r.clock()
	if err := r.checkUnlocked(tok, now); err != nil {
		return err
	}

	updated := tok
	updated.Owner = to
	updated.Approved = ""
	if err := r.commit(ctx, Mutation{Token: &updated}); err != nil {
		return err
	}
	r.tokens[id] = updated
	r.debit(from)
	r.balances[to]++

	r.logger.InfoContext(ctx, "transferred token", "token_id", id, "from", from, "to", to)
	r.emit(ctx, Event{
		Kind:    EventTransferred,
		TokenID: tokenRef(id),
		Caller:  caller,
		At:      now,
		From:    from,
		To:      to,
	})
	return nil
}

// Approve sets (or, with an empty identity, clears) the single-token
// delegate. The caller must own the token or operate for its owner.
func (r *Registry) Approve(ctx context.Context, caller, to Identity, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	tok, err := r.lookup(id)
	if err != nil {
		return err
	}
	if to == tok.Owner {
		return fmt.Errorf("%w: approval to current owner", ErrInvalidArgument)
	}
	if caller.IsZero() || (caller != tok.Owner && !r.isOperator(tok.Owner, caller)) {
		return fmt.Errorf("%w: %q is not owner nor approved for all", ErrUnauthorized, caller)
	}

	updated := tok
	updated.Approved = to
	if err := r.commit(ctx, Mutation{Token: &updated}); err != nil {
		return err
	}
	r.tokens[id] = updated

	r.emit(ctx, Event{
		Kind:     EventApproval,
		TokenID:  tokenRef(id),
		Caller:   caller,
		At:       now,
		Owner:    tok.Owner,
		Operator: to,
		Approved: !to.IsZero(),
	})
	return nil
}

// SetApprovalForAll grants or revokes operator rights over every token the
// caller owns, now or later.
func (r *Registry) SetApprovalForAll(ctx context.Context, caller, operator Identity, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	if caller.IsZero() {
		return fmt.Errorf("%w: empty caller", ErrUnauthorized)
	}
	if operator.IsZero() || operator == caller {
		return fmt.Errorf("%w: invalid operator %q", ErrInvalidArgument, operator)
	}

	grant := OperatorGrant{Owner: caller, Operator: operator, Approved: approved}
	if err := r.commit(ctx, Mutation{Operator: &grant}); err != nil {
		return err
	}
	r.setOperator(caller, operator, approved)

	r.emit(ctx, Event{
		Kind:     EventApprovalForAll,
		Caller:   caller,
		At:       now,
		Owner:    caller,
		Operator: operator,
		Approved: approved,
	})
	return nil
}

// SetTimelockDuration replaces the registry-wide timelock. The new value
// applies immediately to every token, already-minted ones included.
// Authority only.
func (r *Registry) SetTimelockDuration(ctx context.Context, caller Identity, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	if err := r.requireAuthority(caller); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: timelock duration must be non-negative", ErrInvalidArgument)
	}

	old := r.settings.TimelockDuration
	next := r.settings
	next.TimelockDuration = d
	if err := r.commit(ctx, Mutation{Settings: &next}); err != nil {
		return err
	}
	r.settings = next

	r.logger.InfoContext(ctx, "timelock changed", "old", old, "new", d)
	r.emit(ctx, Event{
		Kind:        EventTimelockChanged,
		Caller:      caller,
		At:          now,
		OldTimelock: old,
		NewTimelock: d,
	})
	return nil
}

// TransferAuthority hands the authority role to another identity.
func (r *Registry) TransferAuthority(ctx context.Context, caller, newAuthority Identity) error {
	if newAuthority.IsZero() {
		return fmt.Errorf("%w: new authority is the empty identity", ErrInvalidArgument)
	}
	return r.setAuthority(ctx, caller, newAuthority)
}

// RenounceAuthority leaves the registry without an authority. Minting,
// metadata edits and timelock changes become impossible afterwards.
func (r *Registry) RenounceAuthority(ctx context.Context, caller Identity) error {
	return r.setAuthority(ctx, caller, "")
}

func (r *Registry) setAuthority(ctx context.Context, caller, newAuthority Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	if err := r.requireAuthority(caller); err != nil {
		return err
	}
	next := r.settings
	next.Authority = newAuthority
	if err := r.commit(ctx, Mutation{Settings: &next}); err != nil {
		return err
	}
	r.settings = next

	r.logger.InfoContext(ctx, "authority transferred", "from", caller, "to", newAuthority)
	r.emit(ctx, Event{
		Kind:   EventAuthorityTransferred,
		Caller: caller,
		At:     now,
		From:   caller,
		To:     newAuthority,
	})
	return nil
}

// OwnerOf returns the current custodian of a token.
func (r *Registry) OwnerOf(id uint64) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tok, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return tok.Owner, nil
}

// TokenURI resolves a token's stored metadata into a full locator.
func (r *Registry) TokenURI(id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tok, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return r.resolve(tok), nil
}

// Token returns the token with its derived lock state at the current time.
func (r *Registry) Token(id uint64) (TokenView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tok, err := r.lookup(id)
	if err != nil {
		return TokenView{}, err
	}
	d := r.settings.TimelockDuration
	return TokenView{
		Token:     tok,
		URI:       r.resolve(tok),
		Locked:    !Unlocked(r.clock(), tok.MintedAt, d),
		UnlocksAt: UnlocksAt(tok.MintedAt, d),
	}, nil
}

// GetApproved returns the single-token delegate, if any.
func (r *Registry) GetApproved(id uint64) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tok, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return tok.Approved, nil
}

// IsApprovedForAll reports whether operator may act for every token of owner.
func (r *Registry) IsApprovedForAll(owner, operator Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isOperator(owner, operator)
}

// BalanceOf counts the tokens currently held by owner.
func (r *Registry) BalanceOf(owner Identity) (uint64, error) {
	if owner.IsZero() {
		return 0, fmt.Errorf("%w: empty identity is not a valid owner", ErrInvalidArgument)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[owner], nil
}

// TimelockDuration returns the registry-wide timelock.
func (r *Registry) TimelockDuration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.TimelockDuration
}

// Authority returns the privileged identity, empty once renounced.
func (r *Registry) Authority() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Authority
}

// TotalSupply is the number of tokens ever minted.
func (r *Registry) TotalSupply() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.NextID
}

// Name returns the collection name.
func (r *Registry) Name() string { return CollectionName }

// Symbol returns the collection symbol.
func (r *Registry) Symbol() string { return CollectionSymbol }

// URIPrefix returns the prefix TokenURI prepends to stored metadata.
func (r *Registry) URIPrefix() string { return r.prefix }

func (r *Registry) requireAuthority(caller Identity) error {
	if caller.IsZero() || caller != r.settings.Authority {
		return fmt.Errorf("%w: %q is not the authority", ErrUnauthorized, caller)
	}
	return nil
}

func (r *Registry) lookup(id uint64) (Token, error) {
	if id >= uint64(len(r.tokens)) {
		return Token{}, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return r.tokens[id], nil
}

func (r *Registry) checkUnlocked(tok Token, now time.Time) error {
	d := r.settings.TimelockDuration
	if Unlocked(now, tok.MintedAt, d) {
		return nil
	}
	return &LockedError{TokenID: tok.ID, UnlocksAt: UnlocksAt(tok.MintedAt, d)}
}

func (r *Registry) isApprovedOrOwner(caller Identity, tok Token) bool {
	if caller.IsZero() {
		return false
	}
	return caller == tok.Owner || caller == tok.Approved || r.isOperator(tok.Owner, caller)
}

func (r *Registry) isOperator(owner, operator Identity) bool {
	return r.operators[owner][operator]
}

func (r *Registry) setOperator(owner, operator Identity, approved bool) {
	if !approved {
		delete(r.operators[owner], operator)
		if len(r.operators[owner]) == 0 {
			delete(r.operators, owner)
		}
		return
	}
	if r.operators[owner] == nil {
		r.operators[owner] = make(map[Identity]bool)
	}
	r.operators[owner][operator] = true
}

func (r *Registry) debit(owner Identity) {
	if r.balances[owner] <= 1 {
		delete(r.balances, owner)
		return
	}
	r.balances[owner]--
}

func (r *Registry) resolve(tok Token) string {
	if r.prefix == "" {
		return tok.MetadataURI
	}
	if tok.MetadataURI == "" {
		return r.prefix + formatID(tok.ID)
	}
	return r.prefix + tok.MetadataURI
}

func (r *Registry) commit(ctx context.Context, m Mutation) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Commit(ctx, m); err != nil {
		return fmt.Errorf("commit registry state: %w", err)
	}
	return nil
}

func (r *Registry) emit(ctx context.Context, e Event) {
	for _, o := range r.observers {
		if err := o.Observe(ctx, e); err != nil {
			r.logger.WarnContext(ctx, "event observer failed", "kind", e.Kind, "error", err)
		}
	}
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
