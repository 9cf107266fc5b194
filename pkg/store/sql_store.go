package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Dialect selects placeholder syntax for the target database.
type Dialect int

const (
	// DialectPostgres uses $1, $2, ... placeholders.
	DialectPostgres Dialect = iota
	// DialectSQLite uses ? placeholders.
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	default:
		return "postgres"
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists registry state using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const schema = `
CREATE TABLE IF NOT EXISTS registry_settings (
	id INTEGER PRIMARY KEY,
	authority TEXT NOT NULL,
	timelock_ns BIGINT NOT NULL,
	next_id BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_tokens (
	id BIGINT PRIMARY KEY,
	owner TEXT NOT NULL,
	metadata_uri TEXT NOT NULL,
	minted_at_ns BIGINT NOT NULL,
	approved TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS registry_operators (
	owner TEXT NOT NULL,
	operator TEXT NOT NULL,
	PRIMARY KEY (owner, operator)
);
`

// Init creates the registry tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init %s schema: %w", s.dialect, err)
	}
	return nil
}

// Load reads the full registry state. Settings is nil on an empty database.
func (s *SQLStore) Load(ctx context.Context) (*registry.Snapshot, error) {
	snap := &registry.Snapshot{}

	row := s.db.QueryRowContext(ctx, `SELECT authority, timelock_ns, next_id FROM registry_settings WHERE id = 1`)
	var (
		authority  string
		timelockNS int64
		nextID     int64
	)
	err := row.Scan(&authority, &timelockNS, &nextID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return snap, nil
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	}
	snap.Settings = &registry.Settings{
		Authority:        registry.Identity(authority),
		TimelockDuration: time.Duration(timelockNS),
		NextID:           uint64(nextID),
	}

	tokens, err := s.loadTokens(ctx)
	if err != nil {
		return nil, err
	}
	snap.Tokens = tokens

	operators, err := s.loadOperators(ctx)
	if err != nil {
		return nil, err
	}
	snap.Operators = operators
	return snap, nil
}

func (s *SQLStore) loadTokens(ctx context.Context) ([]registry.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, metadata_uri, minted_at_ns, approved FROM registry_tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]registry.Token, 0)
	for rows.Next() {
		var (
			id       int64
			owner    string
			uri      string
			mintedNS int64
			approved string
		)
		if err := rows.Scan(&id, &owner, &uri, &mintedNS, &approved); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		result = append(result, registry.Token{
			ID:          uint64(id),
			Owner:       registry.Identity(owner),
			MetadataURI: uri,
			MintedAt:    time.Unix(0, mintedNS).UTC(),
			Approved:    registry.Identity(approved),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) loadOperators(ctx context.Context) ([]registry.OperatorGrant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner, operator FROM registry_operators ORDER BY owner, operator`)
	if err != nil {
		return nil, fmt.Errorf("load operators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]registry.OperatorGrant, 0)
	for rows.Next() {
		var owner, operator string
		if err := rows.Scan(&owner, &operator); err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		result = append(result, registry.OperatorGrant{
			Owner:    registry.Identity(owner),
			Operator: registry.Identity(operator),
			Approved: true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Commit applies a mutation in a single transaction.
func (s *SQLStore) Commit(ctx context.Context, m registry.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.Settings != nil {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO registry_settings (id, authority, timelock_ns, next_id)
			VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				authority = excluded.authority,
				timelock_ns = excluded.timelock_ns,
				next_id = excluded.next_id
		`), string(m.Settings.Authority), int64(m.Settings.TimelockDuration), int64(m.Settings.NextID))
		if err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}

	if m.Token != nil {
		t := m.Token
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO registry_tokens (id, owner, metadata_uri, minted_at_ns, approved)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				owner = excluded.owner,
				metadata_uri = excluded.metadata_uri,
				approved = excluded.approved
		`), int64(t.ID), string(t.Owner), t.MetadataURI, t.MintedAt.UnixNano(), string(t.Approved))
		if err != nil {
			return fmt.Errorf("save token %d: %w", t.ID, err)
		}
	}

	if g := m.Operator; g != nil {
		var err error
		if g.Approved {
			_, err = tx.ExecContext(ctx, s.dialect.rebind(`
				INSERT INTO registry_operators (owner, operator) VALUES (?, ?)
				ON CONFLICT (owner, operator) DO NOTHING
			`), string(g.Owner), string(g.Operator))
		} else {
			_, err = tx.ExecContext(ctx, s.dialect.rebind(
				`DELETE FROM registry_operators WHERE owner = ? AND operator = ?`,
			), string(g.Owner), string(g.Operator))
		}
		if err != nil {
			return fmt.Errorf("save operator grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
