package rowstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/marcus/kept/internal/dateparse"
)

const (
	apiKeyPrefix = "kept_"
	keyLength    = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// APIKey is a stored key without its secret.
type APIKey struct {
	UserID     string
	KeyPrefix  string
	Name       string
	CreatedAt  string
	LastUsedAt string
}

// CreateAPIKey issues a key for userID and returns the plaintext, which is
// not stored.
func (db *DB) CreateAPIKey(ctx context.Context, userID, name string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", &ValidationError{Column: "user_id", Message: "required"}
	}

	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", fmt.Errorf("generate random key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}
	plaintext := apiKeyPrefix + string(secret)

	_, err := db.conn.ExecContext(ctx, db.dialect.rebind(`INSERT INTO api_keys (key_hash, user_id, key_prefix, name, created_at) VALUES (?, ?, ?, ?, ?)`),
		hashKey(plaintext), userID, string(secret[:8]), name, dateparse.FormatTimestamp(db.now()))
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return plaintext, nil
}

// UserForKey returns the user a plaintext key belongs to, or "" when the key
// is unknown.
func (db *DB) UserForKey(ctx context.Context, plaintext string) (string, error) {
	hash := hashKey(plaintext)
	var userID string
	err := db.conn.QueryRowContext(ctx, db.dialect.rebind(`SELECT user_id FROM api_keys WHERE key_hash = ?`), hash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("api key not found", "key_hash_prefix", hash[:8])
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("verify api key: %w", err)
	}

	if _, err := db.conn.ExecContext(ctx, db.dialect.rebind(`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`),
		dateparse.FormatTimestamp(db.now()), hash); err != nil {
		slog.Warn("update last_used_at", "user", userID, "err", err)
	}
	return userID, nil
}

// ListAPIKeys returns userID's keys.
func (db *DB) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(`SELECT user_id, key_prefix, name, created_at, last_used_at FROM api_keys WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&k.UserID, &k.KeyPrefix, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.LastUsedAt = lastUsed.String
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: iterate: %w", err)
	}
	return keys, nil
}

// RevokeAPIKeys deletes every key of userID whose prefix matches.
func (db *DB) RevokeAPIKeys(ctx context.Context, userID, prefix string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, db.dialect.rebind(`DELETE FROM api_keys WHERE user_id = ? AND key_prefix = ?`), userID, prefix)
	if err != nil {
		return 0, fmt.Errorf("revoke api key: %w", err)
	}
	return res.RowsAffected()
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
