package models

// Role names a user's authorization level; it is minted into access-token
// claims and never mutated by the auth core.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User represents an account as seen by the auth core: identity and
// credential hash are read to mint claims, never written back.
type User struct {
	ID       int64
	Email    string
	Name     string
	PassHash []byte
	Role     Role
}
