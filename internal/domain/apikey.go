package domain

import "time"

// DefaultKeyLabel names the key minted at signup.
const DefaultKeyLabel = "default"

// APIKey is a per-user credential for programmatic access. Keys are
// created at signup and on demand; nothing deletes them.
type APIKey struct {
	ID        string
	UserID    string
	Token     string
	Label     string
	CreatedAt time.Time
}
