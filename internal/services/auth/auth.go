package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trackauth/internal/domain/models"
	"trackauth/internal/lib/jwt"
	"trackauth/internal/lib/sl"
	"trackauth/internal/services/token"
	"trackauth/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already in use")
	ErrInvalidToken       = errors.New("invalid token")
)

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		email string,
		name string,
		passHash []byte,
		role models.Role,
	) (uid int64, err error)
}

type UserProvider interface {
	User(
		ctx context.Context,
		email string,
	) (user *models.User, err error)
	UserByID(
		ctx context.Context,
		userID int64,
	) (user *models.User, err error)
}

// PasswordHasher is the opaque one-way hashing capability; the auth core
// never inspects hashes beyond verifying them.
type PasswordHasher interface {
	Hash(plain string) ([]byte, error)
	Matches(plain string, hash []byte) bool
}

// TokenService is the token-lifecycle collaborator the flows are built on.
type TokenService interface {
	IssuePair(ctx context.Context, user *models.User) (token.Pair, error)
	RotateOnRefresh(ctx context.Context, refreshToken string) (token.Pair, *models.User, error)
	Revoke(ctx context.Context, tokenString string) (*jwt.Claims, error)
	RevokeRefresh(ctx context.Context, userID int64) error
}

type Auth struct {
	logger       *slog.Logger
	userSaver    UserSaver
	userProvider UserProvider
	hasher       PasswordHasher
	tokens       TokenService
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	hasher PasswordHasher,
	tokens TokenService,
) *Auth {
	return &Auth{
		logger:       logger,
		userSaver:    userSaver,
		userProvider: userProvider,
		hasher:       hasher,
		tokens:       tokens,
	}
}

// Register creates an account and logs it straight in.
func (a *Auth) Register(
	ctx context.Context,
	email string,
	password string,
	name string,
) (*models.Session, error) {
	const op = "auth.Register"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	log.Info("register request")

	passHash, err := a.hasher.Hash(password)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	userID, err := a.userSaver.SaveUser(ctx, email, name, passHash, models.RoleUser)
	if err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			log.Warn("user already exists", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}
		log.Error("failed to save user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("userID", userID))

	user := &models.User{
		ID:    userID,
		Email: email,
		Name:  name,
		Role:  models.RoleUser,
	}

	return a.startSession(ctx, user, op)
}

// Login authenticates the user and issues an access/refresh pair.
// A missing account and a wrong password are deliberately the same error.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (*models.Session, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	user, err := a.userProvider.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !a.hasher.Matches(password, user.PassHash) {
		log.Warn("invalid password")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	log.Info("user logged in", slog.Int64("userID", user.ID))

	return a.startSession(ctx, user, op)
}

// Refresh exchanges a refresh token for a new session. Failures from the
// token service (invalid, expired) surface unchanged.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
) (*models.Session, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))
	log.Info("refresh request")

	pair, user, err := a.tokens.RotateOnRefresh(ctx, refreshToken)
	if err != nil {
		log.Warn("refresh rejected", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return sessionFromPair(pair, user), nil
}

// Logout revokes the access token and tears down the refresh chain.
// Logging out twice with the same token is a no-op, not an error.
func (a *Auth) Logout(ctx context.Context, accessToken string) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op))
	log.Info("logout request")

	claims, err := a.tokens.Revoke(ctx, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			log.Warn("logout with unverifiable token", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to revoke token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.userProvider.User(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// token outlived its account; nothing left to tear down
			return nil
		}
		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.tokens.RevokeRefresh(ctx, user.ID); err != nil {
		log.Error("failed to delete refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out", slog.Int64("userID", user.ID))

	return nil
}

func (a *Auth) startSession(ctx context.Context, user *models.User, op string) (*models.Session, error) {
	pair, err := a.tokens.IssuePair(ctx, user)
	if err != nil {
		a.logger.Error("failed to issue token pair", slog.String("op", op), sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sessionFromPair(pair, user), nil
}

func sessionFromPair(pair token.Pair, user *models.User) *models.Session {
	return &models.Session{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		Email:        user.Email,
		Name:         user.Name,
		Role:         user.Role,
	}
}
