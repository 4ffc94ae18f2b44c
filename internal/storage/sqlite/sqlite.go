package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"trackauth/internal/domain/models"
	"trackauth/internal/storage"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage. WAL plus a busy timeout
// keeps concurrent writers (refresh-token replaces) waiting instead of
// failing with SQLITE_BUSY.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", storagePath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, email, name string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.sqlite.SaveUser"
	stmt, err := s.db.Prepare("INSERT INTO users (email, name, pass_hash, role) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()
	result, err := stmt.ExecContext(ctx, email, name, passHash, string(role))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.LastInsertId()
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.User"
	row := s.db.QueryRowContext(ctx, "SELECT id, email, name, pass_hash, role FROM users WHERE email = ?", email)
	return scanUser(row, op)
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.sqlite.UserByID"
	row := s.db.QueryRowContext(ctx, "SELECT id, email, name, pass_hash, role FROM users WHERE id = ?", userID)
	return scanUser(row, op)
}

func scanUser(row *sql.Row, op string) (*models.User, error) {
	var user models.User
	var role string
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.PassHash, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user.Role = models.Role(role)
	return &user, nil
}

// ReplaceRefreshToken deletes any refresh token the user already holds and
// inserts the new one in the same transaction, so exactly one row per user
// survives concurrent calls.
func (s *Storage) ReplaceRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.ReplaceRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE user_id = ?", token.UserID); err != nil {
		return fmt.Errorf("%s: delete old: %w", op, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, token_hash, created_at, expires_at) VALUES (?, ?, ?, ?)",
		token.UserID, token.TokenHash, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshTokenByHash"
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, token_hash, created_at, expires_at FROM refresh_tokens WHERE token_hash = ?", tokenHash)
	return scanRefreshToken(row, op)
}

func (s *Storage) RefreshTokenByUser(ctx context.Context, userID int64) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshTokenByUser"
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, token_hash, created_at, expires_at FROM refresh_tokens WHERE user_id = ?", userID)
	return scanRefreshToken(row, op)
}

func scanRefreshToken(row *sql.Row, op string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := row.Scan(&token.UserID, &token.TokenHash, &token.CreatedAt, &token.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &token, nil
}

func (s *Storage) DeleteRefreshByUser(ctx context.Context, userID int64) error {
	const op = "storage.sqlite.DeleteRefreshByUser"
	if _, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteRefreshByHash(ctx context.Context, tokenHash string) error {
	const op = "storage.sqlite.DeleteRefreshByHash"
	if _, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token_hash = ?", tokenHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveBlacklistEntry upserts by jti, so revoking the same token twice is
// a no-op rather than a constraint violation.
func (s *Storage) SaveBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error {
	const op = "storage.sqlite.SaveBlacklistEntry"
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_blacklist (jti, user_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(jti) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		entry.JTI, entry.UserID, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	const op = "storage.sqlite.IsBlacklisted"
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM token_blacklist WHERE jti = ?", jti)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return count > 0, nil
}

func (s *Storage) DeleteBlacklistByUser(ctx context.Context, userID int64) error {
	const op = "storage.sqlite.DeleteBlacklistByUser"
	if _, err := s.db.ExecContext(ctx, "DELETE FROM token_blacklist WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.sqlite.PurgeExpiredBlacklist"
	result, err := s.db.ExecContext(ctx, "DELETE FROM token_blacklist WHERE expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}
