package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trackauth/internal/domain/models"
	"trackauth/internal/lib/jwt"
	"trackauth/internal/lib/sl"
	"trackauth/internal/storage"
)

// refreshTokenTTL is fixed by design: refresh tokens always live 7 days.
const refreshTokenTTL = 7 * 24 * time.Hour

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)

// RefreshTokenStore persists at most one refresh token per user.
// ReplaceRefreshToken must be atomic per user: of two concurrent calls
// exactly one row survives, and calls for different users never block
// each other.
type RefreshTokenStore interface {
	ReplaceRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RefreshTokenByUser(ctx context.Context, userID int64) (*models.RefreshToken, error)
	DeleteRefreshByUser(ctx context.Context, userID int64) error
	DeleteRefreshByHash(ctx context.Context, tokenHash string) error
}

// BlacklistStore records revoked access-token identifiers keyed by jti.
type BlacklistStore interface {
	SaveBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	DeleteBlacklistByUser(ctx context.Context, userID int64) error
	PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error)
}

// UserProvider resolves token subjects back to users when minting and
// revoking.
type UserProvider interface {
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID int64) (*models.User, error)
}

// Pair is an access/refresh token pair as handed to clients; Refresh is
// the raw token, never its stored hash.
type Pair struct {
	Access  string
	Refresh string
}

// Service drives the token lifecycle: a token is live while it has not
// expired and its jti is not blacklisted; revocation is irreversible.
// It is the only writer of the refresh and blacklist stores.
type Service struct {
	logger       *slog.Logger
	codec        *jwt.Codec
	refreshStore RefreshTokenStore
	blacklist    BlacklistStore
	userProvider UserProvider
	accessTTL    time.Duration
	pepper       string
	now          func() time.Time
}

// New returns a new instance of the token Service.
func New(
	logger *slog.Logger,
	codec *jwt.Codec,
	refreshStore RefreshTokenStore,
	blacklist BlacklistStore,
	userProvider UserProvider,
	accessTTL time.Duration,
	pepper string,
) *Service {
	return &Service{
		logger:       logger,
		codec:        codec,
		refreshStore: refreshStore,
		blacklist:    blacklist,
		userProvider: userProvider,
		accessTTL:    accessTTL,
		pepper:       pepper,
		now:          time.Now,
	}
}

// SetClock overrides the service's time source in place. Test hook; call
// it before the service is shared between goroutines.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// IssueAccess mints a signed access token for the user. No store writes.
func (s *Service) IssueAccess(user *models.User) (string, error) {
	const op = "token.IssueAccess"

	accessToken, err := s.codec.Issue(user.Email, user.Role, s.accessTTL)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return accessToken, nil
}

// IssueRefresh generates a fresh opaque refresh token for the user and
// replaces whatever token the user held before. Returns the raw token;
// only its peppered hash is stored.
func (s *Service) IssueRefresh(ctx context.Context, user *models.User) (string, error) {
	const op = "token.IssueRefresh"

	rawToken, err := generateRefreshTokenRaw()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	err = s.refreshStore.ReplaceRefreshToken(ctx, models.RefreshToken{
		TokenHash: s.hashRefreshToken(rawToken),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(refreshTokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return rawToken, nil
}

// IssuePair mints a new access/refresh pair for login, register and
// rotation.
func (s *Service) IssuePair(ctx context.Context, user *models.User) (Pair, error) {
	const op = "token.IssuePair"

	accessToken, err := s.IssueAccess(user)
	if err != nil {
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := s.IssueRefresh(ctx, user)
	if err != nil {
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	return Pair{Access: accessToken, Refresh: refreshToken}, nil
}

// Validate reports whether the access token is live and belongs to the
// expected subject. Any parse failure fails closed; the blacklist is
// always consulted before declaring the token valid. A storage failure
// is returned as an error, never as a silent verdict.
func (s *Service) Validate(ctx context.Context, tokenString, expectedSubject string) (bool, error) {
	const op = "token.Validate"
	log := s.logger.With(slog.String("op", op))

	claims, err := s.codec.Parse(tokenString)
	if err != nil {
		log.Debug("token rejected", sl.Err(err))
		return false, nil
	}

	if claims.Subject != expectedSubject {
		log.Debug("token subject mismatch")
		return false, nil
	}

	revoked, err := s.blacklist.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		log.Error("blacklist lookup failed", sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		log.Debug("token revoked", slog.String("jti", claims.ID))
		return false, nil
	}

	return true, nil
}

// Revoke blacklists the access token under its own expiry so the sweep
// can reclaim the entry later. The signature must verify, but an expired
// or already-revoked token revokes without error.
func (s *Service) Revoke(ctx context.Context, tokenString string) (*jwt.Claims, error) {
	const op = "token.Revoke"
	log := s.logger.With(slog.String("op", op))

	claims, err := s.codec.ParseWithoutExpiry(tokenString)
	if err != nil {
		log.Warn("refused to revoke unverifiable token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	var userID int64
	user, err := s.userProvider.User(ctx, claims.Subject)
	switch {
	case err == nil:
		userID = user.ID
	case errors.Is(err, storage.ErrUserNotFound):
		// token outlived its account; blacklist it anyway
		log.Warn("revoking token for unknown subject")
	default:
		log.Error("failed to resolve token subject", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = s.blacklist.SaveBlacklistEntry(ctx, models.BlacklistEntry{
		JTI:       claims.ID,
		UserID:    userID,
		ExpiresAt: claims.ExpiresAt.Time,
	})
	if err != nil {
		log.Error("failed to blacklist token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("token revoked", slog.String("jti", claims.ID))

	return claims, nil
}

// RevokeRefresh invalidates the user's refresh chain.
func (s *Service) RevokeRefresh(ctx context.Context, userID int64) error {
	const op = "token.RevokeRefresh"

	if err := s.refreshStore.DeleteRefreshByUser(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RotateOnRefresh exchanges a refresh token for a new pair. The old token
// is single-use: a successful rotation replaces it, an expired one is
// deleted outright so re-login is the only way forward.
func (s *Service) RotateOnRefresh(ctx context.Context, refreshToken string) (Pair, *models.User, error) {
	const op = "token.RotateOnRefresh"
	log := s.logger.With(slog.String("op", op))

	tokenHash := s.hashRefreshToken(refreshToken)

	stored, err := s.refreshStore.RefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return Pair{}, nil, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("failed to look up refresh token", sl.Err(err))
		return Pair{}, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !stored.ExpiresAt.After(s.now()) {
		log.Warn("refresh token expired", slog.Int64("userID", stored.UserID))
		if err := s.refreshStore.DeleteRefreshByHash(ctx, tokenHash); err != nil {
			log.Error("failed to delete expired refresh token", sl.Err(err))
		}
		return Pair{}, nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenExpired)
	}

	user, err := s.userProvider.UserByID(ctx, stored.UserID)
	if err != nil {
		log.Error("failed to get refresh token owner", sl.Err(err))
		return Pair{}, nil, fmt.Errorf("%s: %w", op, err)
	}

	// IssuePair replaces the stored row, which retires the old token.
	pair, err := s.IssuePair(ctx, user)
	if err != nil {
		return Pair{}, nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens rotated", slog.Int64("userID", user.ID))

	return pair, user, nil
}

// PurgeExpired removes blacklist entries whose tokens have expired on
// their own. Idempotent; safe to call concurrently.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	const op = "token.PurgeExpired"

	count, err := s.blacklist.PurgeExpiredBlacklist(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

// hashRefreshToken computes SHA-256 hash of the token with pepper.
func (s *Service) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + s.pepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshTokenRaw generates a cryptographically secure random token.
func generateRefreshTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
