package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trackauth/internal/domain/models"
	"trackauth/internal/storage"
)

const (
	blacklistKeyPrefix     = "blacklist:"
	blacklistUserKeyPrefix = "blacklist:user:"
	refreshUserKeyPrefix   = "refresh:user:"
	refreshHashKeyPrefix   = "refresh:hash:"

	// Expired refresh rows stay readable for a grace period so the
	// service can tell "expired" apart from "never existed".
	refreshReadGrace = 24 * time.Hour
)

// replaceRefreshLua swaps the user's refresh token in one atomic step:
// the old hash mapping dies in the same script that installs the new one,
// so two concurrent replaces for a user leave exactly one live token.
var replaceRefreshLua = redis.NewScript(`
local old = redis.call("GET", KEYS[1])
if old then
  redis.call("DEL", ARGV[4] .. old)
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// deleteByHashLua removes the hash mapping and the user pointer, but only
// when the pointer still references the hash being deleted.
var deleteByHashLua = redis.NewScript(`
redis.call("DEL", KEYS[1])
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[2])
end
return 1
`)

// saveBlacklistLua records the revoked jti and adds it to the owner's jti
// set. The set's TTL only ever grows to the longest-lived entry; a later
// short-lived revocation must not shrink it below an earlier one, or
// delete-by-user would miss entries whose own keys are still live.
var saveBlacklistLua = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
if redis.call("PTTL", KEYS[2]) < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`)

// deleteByUserLua removes the user pointer and whichever hash mapping it
// references.
var deleteByUserLua = redis.NewScript(`
local old = redis.call("GET", KEYS[1])
if old then
  redis.call("DEL", ARGV[1] .. old)
end
redis.call("DEL", KEYS[1])
return 1
`)

// Storage keeps token state (refresh tokens and the revocation blacklist)
// in redis. User records live elsewhere; this store only covers the
// volatile, TTL-bounded part of the auth state.
type Storage struct {
	client *redis.Client
	now    func() time.Time
}

type refreshTokenDoc struct {
	UserID    int64     `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Storage, error) {
	const op = "storage.redis.New"

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Storage{client: client, now: time.Now}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client) *Storage {
	return &Storage{client: client, now: time.Now}
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) ReplaceRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.redis.ReplaceRefreshToken"

	doc, err := json.Marshal(refreshTokenDoc{
		UserID:    token.UserID,
		TokenHash: token.TokenHash,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ttl := token.ExpiresAt.Add(refreshReadGrace).Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	keys := []string{
		refreshUserKey(token.UserID),
		refreshHashKeyPrefix + token.TokenHash,
	}
	args := []interface{}{token.TokenHash, string(doc), ttl.Milliseconds(), refreshHashKeyPrefix}

	if err := replaceRefreshLua.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.redis.RefreshTokenByHash"

	raw, err := s.client.Get(ctx, refreshHashKeyPrefix+tokenHash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return decodeRefreshToken(raw, op)
}

func (s *Storage) RefreshTokenByUser(ctx context.Context, userID int64) (*models.RefreshToken, error) {
	const op = "storage.redis.RefreshTokenByUser"

	hash, err := s.client.Get(ctx, refreshUserKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	raw, err := s.client.Get(ctx, refreshHashKeyPrefix+hash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return decodeRefreshToken(raw, op)
}

func decodeRefreshToken(raw, op string) (*models.RefreshToken, error) {
	var doc refreshTokenDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return &models.RefreshToken{
		UserID:    doc.UserID,
		TokenHash: doc.TokenHash,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}, nil
}

func (s *Storage) DeleteRefreshByUser(ctx context.Context, userID int64) error {
	const op = "storage.redis.DeleteRefreshByUser"

	keys := []string{refreshUserKey(userID)}
	if err := deleteByUserLua.Run(ctx, s.client, keys, refreshHashKeyPrefix).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteRefreshByHash(ctx context.Context, tokenHash string) error {
	const op = "storage.redis.DeleteRefreshByHash"

	token, err := s.RefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	keys := []string{
		refreshHashKeyPrefix + tokenHash,
		refreshUserKey(token.UserID),
	}
	if err := deleteByHashLua.Run(ctx, s.client, keys, tokenHash).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveBlacklistEntry records a revoked jti until the token's own expiry.
// An already-expired token needs no entry: it can never validate again.
func (s *Storage) SaveBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error {
	const op = "storage.redis.SaveBlacklistEntry"

	ttlMs := entry.ExpiresAt.Sub(s.now()).Milliseconds()
	if ttlMs <= 0 {
		return nil
	}

	keys := []string{
		blacklistKeyPrefix + entry.JTI,
		blacklistUserKey(entry.UserID),
	}
	args := []interface{}{entry.UserID, ttlMs, entry.JTI}

	if err := saveBlacklistLua.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	const op = "storage.redis.IsBlacklisted"

	n, err := s.client.Exists(ctx, blacklistKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

func (s *Storage) DeleteBlacklistByUser(ctx context.Context, userID int64) error {
	const op = "storage.redis.DeleteBlacklistByUser"

	jtis, err := s.client.SMembers(ctx, blacklistUserKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.client.TxPipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, blacklistKeyPrefix+jti)
	}
	pipe.Del(ctx, blacklistUserKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PurgeExpiredBlacklist is a no-op for redis: every entry carries a TTL
// equal to its token's remaining lifetime, so redis reclaims expired
// entries on its own.
func (s *Storage) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func refreshUserKey(userID int64) string {
	return fmt.Sprintf("%s%d", refreshUserKeyPrefix, userID)
}

func blacklistUserKey(userID int64) string {
	return fmt.Sprintf("%s%d", blacklistUserKeyPrefix, userID)
}
