package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trackauth/internal/domain/models"
)

var (
	// ErrInvalidToken covers malformed tokens and bad signatures alike;
	// callers must not be able to tell the two apart.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the fixed claim set carried by every access token.
// Subject is the user's email, ID the random jti.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Codec creates and parses signed access tokens. It holds no mutable
// state beyond the signing secret and is safe for concurrent use.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec returns a codec signing and verifying with the given secret.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: secret, now: time.Now}
}

// SetClock overrides the codec's time source in place. Test hook; call
// it before the codec is shared between goroutines.
func (c *Codec) SetClock(now func() time.Time) {
	c.now = now
}

// Issue creates a signed access token for the subject with a fresh
// random jti.
func (c *Codec) Issue(subject string, role models.Role, ttl time.Duration) (string, error) {
	const op = "jwt.Issue"

	now := c.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// Parse verifies the signature and expiry of a token and returns its
// claims. Expiry is reported as ErrTokenExpired; every other failure is
// collapsed into ErrInvalidToken so that signature and structural
// problems stay indistinguishable to callers.
func (c *Codec) Parse(tokenString string) (*Claims, error) {
	return c.parse(tokenString, false)
}

// ParseWithoutExpiry verifies the signature but tolerates an expired
// token. Revocation uses it: blacklisting a token that already ran out
// must not fail.
func (c *Codec) ParseWithoutExpiry(tokenString string) (*Claims, error) {
	return c.parse(tokenString, true)
}

func (c *Codec) parse(tokenString string, allowExpired bool) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if allowExpired {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
