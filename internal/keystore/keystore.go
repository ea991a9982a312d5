// Package keystore persists per-session protocol credentials and keyed
// cryptographic entries. It sits on sqlx rather than gorm so that the hot
// key-lookup path stays a single prepared statement per call.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // sqlite driver

	"zapdesk/internal/apperr"
)

// withBusyTimeout applies busy_timeout on every connection modernc opens;
// gorm writes to the same file from another pool.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Store is the sqlx-backed credential and key store.
type Store struct {
	db *sqlx.DB
}

// Open connects to driverName ("postgres" or "sqlite") and returns a Store.
func Open(driverName, dsn string) (*Store, error) {
	if driverName == "sqlite" {
		dsn = withBusyTimeout(dsn)
	}
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	if driverName == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *sqlx.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("key store requires a database connection")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blobType() string {
	if s.db.DriverName() == "postgres" {
		return "BYTEA"
	}
	return "BLOB"
}

// Migrate creates the key store tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_credentials (
			session_id TEXT PRIMARY KEY,
			creds %s NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, s.blobType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_keys (
			session_id TEXT NOT NULL,
			key_type TEXT NOT NULL,
			key_id TEXT NOT NULL,
			value %s NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, key_type, key_id)
		)`, s.blobType()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate key store: %w", err)
		}
	}
	log.Info().Str("driver", s.db.DriverName()).Msg("Key store migrated")
	return nil
}

// LoadCredential returns the stored credential blob, or nil when none exists.
func (s *Store) LoadCredential(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		s.db.Rebind(`SELECT creds FROM session_credentials WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to load credentials")
		return nil, apperr.Wrap(apperr.KindCredentialPersistence, "keystore.LoadCredential", err)
	}
	return blob, nil
}

// SaveCredential upserts the credential blob. A nil blob removes it.
func (s *Store) SaveCredential(ctx context.Context, sessionID string, blob []byte) error {
	var err error
	if blob == nil {
		_, err = s.db.ExecContext(ctx,
			s.db.Rebind(`DELETE FROM session_credentials WHERE session_id = ?`), sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO session_credentials (session_id, creds, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
				creds = excluded.creds, updated_at = excluded.updated_at
		`), sessionID, blob, time.Now().UTC())
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to save credentials")
		return apperr.Wrap(apperr.KindCredentialPersistence, "keystore.SaveCredential", err)
	}
	return nil
}

type keyRow struct {
	KeyID string `db:"key_id"`
	Value []byte `db:"value"`
}

// GetKeys returns the stored values for ids. Ids without a value are absent from the map.
func (s *Store) GetKeys(ctx context.Context, sessionID, keyType string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT key_id, value FROM session_keys
		WHERE session_id = ? AND key_type = ? AND key_id IN (?)`, sessionID, keyType, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build key query: %w", err)
	}

	var rows []keyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Str("keyType", keyType).Msg("Failed to read keys")
		return nil, apperr.Wrap(apperr.KindCredentialPersistence, "keystore.GetKeys", err)
	}
	for _, r := range rows {
		out[r.KeyID] = r.Value
	}
	return out, nil
}

// ListKeys returns every stored entry of keyType for the session.
func (s *Store) ListKeys(ctx context.Context, sessionID, keyType string) (map[string][]byte, error) {
	var rows []keyRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT key_id, value FROM session_keys
		WHERE session_id = ? AND key_type = ?`), sessionID, keyType)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Str("keyType", keyType).Msg("Failed to list keys")
		return nil, apperr.Wrap(apperr.KindCredentialPersistence, "keystore.ListKeys", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.KeyID] = r.Value
	}
	return out, nil
}

// SetKeys applies updates keyed by key type then key id. A nil value deletes
// the entry. Each entry is written on its own so one failure never drops the
// rest of the batch; failures are logged and returned joined.
func (s *Store) SetKeys(ctx context.Context, sessionID string, updates map[string]map[string][]byte) error {
	upsert := s.db.Rebind(`
		INSERT INTO session_keys (session_id, key_type, key_id, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, key_type, key_id) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at`)
	del := s.db.Rebind(`DELETE FROM session_keys WHERE session_id = ? AND key_type = ? AND key_id = ?`)

	var errs []error
	now := time.Now().UTC()
	for keyType, entries := range updates {
		for keyID, value := range entries {
			var err error
			if value == nil {
				_, err = s.db.ExecContext(ctx, del, sessionID, keyType, keyID)
			} else {
				_, err = s.db.ExecContext(ctx, upsert, sessionID, keyType, keyID, value, now)
			}
			if err != nil {
				log.Error().Err(err).
					Str("sessionId", sessionID).
					Str("keyType", keyType).
					Str("keyId", keyID).
					Msg("Failed to write key")
				errs = append(errs, fmt.Errorf("%s/%s: %w", keyType, keyID, err))
			}
		}
	}
	if len(errs) > 0 {
		return apperr.Wrap(apperr.KindCredentialPersistence, "keystore.SetKeys", errors.Join(errs...))
	}
	return nil
}

// Clear removes the credential and every key for the session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	var errs []error
	for _, q := range []string{
		`DELETE FROM session_keys WHERE session_id = ?`,
		`DELETE FROM session_credentials WHERE session_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to clear session keys")
		return apperr.Wrap(apperr.KindCredentialPersistence, "keystore.Clear", err)
	}
	log.Info().Str("sessionId", sessionID).Msg("Session credentials cleared")
	return nil
}
