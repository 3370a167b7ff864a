package model

import "time"

const (
	APIKeyActive  = "active"
	APIKeyRevoked = "revoked"
)

// APIKey is a caller credential. Only the sha256 hash of the key is stored.
type APIKey struct {
	ID           int64      `db:"id"`
	OwnerID      string     `db:"owner_id"`
	Name         string     `db:"name"`
	KeyHash      string     `db:"key_hash"`
	Status       string     `db:"status"`         // active|revoked
	RateLimitRPS *int       `db:"rate_limit_rps"` // nullable
	ExpiresAt    *time.Time `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Usable reports whether the key may authenticate requests at now.
func (k APIKey) Usable(now time.Time) bool {
	if k.Status != APIKeyActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
