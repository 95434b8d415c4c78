package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the placeholder style of the target database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLLedger implements Ledger on database/sql. Queries are written once with "?" placeholders
// and rebound to "$n" for Postgres.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

const schema = `
CREATE TABLE IF NOT EXISTS observed_keys (
	pub_key TEXT PRIMARY KEY,
	observations INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS revoked_keys (
	pub_key TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS seen_tokens (
	token_id TEXT PRIMARY KEY,
	signer TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS receipts (
	content_id TEXT PRIMARY KEY,
	signer TEXT NOT NULL
);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
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

func (s *SQLLedger) RecordObservedKey(ctx context.Context, pub []byte) error {
	k, err := encodeKey(pub)
	if err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO observed_keys (pub_key, observations) VALUES (?, 1)
		ON CONFLICT (pub_key) DO UPDATE SET observations = observed_keys.observations + 1
	`)
	_, err = s.db.ExecContext(ctx, query, k)
	return err
}

func (s *SQLLedger) IsRevoked(ctx context.Context, pub []byte) (bool, error) {
	k, err := encodeKey(pub)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, `SELECT 1 FROM revoked_keys WHERE pub_key = ?`, k)
}

func (s *SQLLedger) Revoke(ctx context.Context, pub []byte) error {
	k, err := encodeKey(pub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO revoked_keys (pub_key) VALUES (?) ON CONFLICT DO NOTHING`), k)
	return err
}

func (s *SQLLedger) TrustScore(ctx context.Context, pub []byte) (int, error) {
	revoked, err := s.IsRevoked(ctx, pub)
	if err != nil || revoked {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT observations FROM observed_keys WHERE pub_key = ?`), EncodeKey(pub)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLLedger) IsSeenToken(ctx context.Context, tokenID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM seen_tokens WHERE token_id = ?`, tokenID)
}

func (s *SQLLedger) MarkTokenSeen(ctx context.Context, tokenID, signerB64 string) error {
	_, err := s.ClaimToken(ctx, tokenID, signerB64)
	return err
}

// ClaimToken relies on the primary key: exactly one concurrent insert affects a row.
func (s *SQLLedger) ClaimToken(ctx context.Context, tokenID, signerB64 string) (bool, error) {
	if err := checkField(tokenID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO seen_tokens (token_id, signer) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		tokenID, signerB64)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLLedger) RecordReceipt(ctx context.Context, contentID, signerB64 string) error {
	if err := checkField(contentID); err != nil {
		return err
	}
	if err := checkField(signerB64); err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO receipts (content_id, signer) VALUES (?, ?)
		ON CONFLICT (content_id) DO UPDATE SET signer = excluded.signer
	`)
	_, err := s.db.ExecContext(ctx, query, contentID, signerB64)
	return err
}

func (s *SQLLedger) Receipt(ctx context.Context, contentID string) (string, bool, error) {
	var signer string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT signer FROM receipts WHERE content_id = ?`), contentID).Scan(&signer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return signer, true, nil
}

func (s *SQLLedger) MergeRevocations(ctx context.Context, keysB64 []string) (int, error) {
	keys := normalizeRevocations(keysB64)
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	query := s.rebind(`INSERT INTO revoked_keys (pub_key) VALUES (?) ON CONFLICT DO NOTHING`)
	added := 0
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, query, k)
		if err != nil {
			return 0, fmt.Errorf("merge revocation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *SQLLedger) Clear(ctx context.Context) error {
	for _, table := range []string{"observed_keys", "revoked_keys", "seen_tokens", "receipts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLLedger) Close() error {
	return s.db.Close()
}

func (s *SQLLedger) exists(ctx context.Context, query string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ Ledger = (*SQLLedger)(nil)
