package models

import "time"

// RefreshToken represents a refresh token stored in the database.
// Only the peppered hash of the raw token is ever persisted; at most one
// row exists per user (replace-not-append).
type RefreshToken struct {
	TokenHash string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// BlacklistEntry records a revoked access token by its jti. ExpiresAt is
// copied from the token itself so the sweep can reclaim the row once the
// token would have died of old age anyway.
type BlacklistEntry struct {
	JTI       string
	UserID    int64
	ExpiresAt time.Time
}

// Session is the pair of credentials handed to a client after
// register/login/refresh, plus the profile fields the client renders.
type Session struct {
	AccessToken  string
	RefreshToken string
	Email        string
	Name         string
	Role         Role
}
