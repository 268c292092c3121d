package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const vaultSaltSize = 16

// StoreSecret inserts or rotates an already encrypted secret value.
func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=?`,
		key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

// ListSecrets returns secret keys in ascending order. Values are never listed.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// VaultSalt returns the key-derivation salt of this database, generating
// and persisting it on first use.
func (s *LibSQLStore) VaultSalt(ctx context.Context) ([]byte, error) {
	salt := make([]byte, vaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_meta (id, salt, created_at) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING`,
		salt, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("init vault salt: %w", err)
	}
	var stored []byte
	if err := s.db.QueryRowContext(ctx, `SELECT salt FROM vault_meta WHERE id = 1`).Scan(&stored); err != nil {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	return stored, nil
}
