package hasher

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt implements the password hashing collaborator used by the auth
// service. The auth core treats hashing as an opaque one-way capability;
// this is its only implementation.
type Bcrypt struct {
	cost int
}

func NewBcrypt() *Bcrypt {
	return &Bcrypt{cost: bcrypt.DefaultCost}
}

func (b *Bcrypt) Hash(plain string) ([]byte, error) {
	const op = "hasher.Hash"

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), b.cost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return hash, nil
}

func (b *Bcrypt) Matches(plain string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}
