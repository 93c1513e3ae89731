package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// UserDir returns the per-user directory under dataDir. The user id is
// hashed so it never appears in paths.
func UserDir(dataDir, userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return filepath.Join(dataDir, "users", hex.EncodeToString(sum[:])[:16])
}
