package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"trackauth/internal/domain/models"
	"trackauth/internal/storage"
)

type Storage struct {
	client    *mongo.Client
	users     *mongo.Collection
	counters  *mongo.Collection
	tokens    *mongo.Collection
	blacklist *mongo.Collection
}

type userDoc struct {
	ID        int64     `bson:"_id"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name"`
	PassHash  []byte    `bson:"pass_hash"`
	Role      string    `bson:"role"`
	CreatedAt time.Time `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	UserID    int64     `bson:"_id"`
	TokenHash string    `bson:"token_hash"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type blacklistDoc struct {
	JTI       string    `bson:"_id"`
	UserID    int64     `bson:"user_id"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
// Refresh tokens are keyed by user id, which makes replace-per-user a
// single upsert; blacklist entries are keyed by jti.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:    client,
		users:     db.Collection("users"),
		counters:  db.Collection("counters"),
		tokens:    db.Collection("refresh_tokens"),
		blacklist: db.Collection("token_blacklist"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// users.email unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// refresh_tokens.token_hash unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token_hash index: %w", err)
	}

	// refresh_tokens.expires_at TTL index (auto-delete once expired)
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.expires_at TTL index: %w", err)
	}

	// token_blacklist.expires_at TTL index; the periodic sweep still runs,
	// the index just bounds growth between sweeps
	_, err = s.blacklist.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("token_blacklist.expires_at TTL index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SaveUser saves a new user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, email, name string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.mongodb.SaveUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := userDoc{
		ID:        id,
		Email:     email,
		Name:      name,
		PassHash:  passHash,
		Role:      string(role),
		CreatedAt: time.Now(),
	}

	_, err = s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// User retrieves a user by email.
func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"
	return s.findUser(ctx, bson.D{{Key: "email", Value: email}}, op)
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.mongodb.UserByID"
	return s.findUser(ctx, bson.D{{Key: "_id", Value: userID}}, op)
}

func (s *Storage) findUser(ctx context.Context, filter bson.D, op string) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:       doc.ID,
		Email:    doc.Email,
		Name:     doc.Name,
		PassHash: doc.PassHash,
		Role:     models.Role(doc.Role),
	}, nil
}

// ReplaceRefreshToken upserts the user's single refresh token document.
// Keying by user id makes the replace atomic: concurrent calls for the
// same user serialize on the document and the last writer wins.
func (s *Storage) ReplaceRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.ReplaceRefreshToken"

	doc := refreshTokenDoc{
		UserID:    token.UserID,
		TokenHash: token.TokenHash,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	}

	_, err := s.tokens.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: token.UserID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RefreshTokenByHash retrieves a refresh token by its hash.
func (s *Storage) RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshTokenByHash"
	return s.findRefreshToken(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}, op)
}

// RefreshTokenByUser retrieves a user's refresh token, if any.
func (s *Storage) RefreshTokenByUser(ctx context.Context, userID int64) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshTokenByUser"
	return s.findRefreshToken(ctx, bson.D{{Key: "_id", Value: userID}}, op)
}

func (s *Storage) findRefreshToken(ctx context.Context, filter bson.D, op string) (*models.RefreshToken, error) {
	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshToken{
		UserID:    doc.UserID,
		TokenHash: doc.TokenHash,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}, nil
}

func (s *Storage) DeleteRefreshByUser(ctx context.Context, userID int64) error {
	const op = "storage.mongodb.DeleteRefreshByUser"
	if _, err := s.tokens.DeleteOne(ctx, bson.D{{Key: "_id", Value: userID}}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteRefreshByHash(ctx context.Context, tokenHash string) error {
	const op = "storage.mongodb.DeleteRefreshByHash"
	if _, err := s.tokens.DeleteOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveBlacklistEntry upserts the revocation record for a jti.
func (s *Storage) SaveBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error {
	const op = "storage.mongodb.SaveBlacklistEntry"

	doc := blacklistDoc{
		JTI:       entry.JTI,
		UserID:    entry.UserID,
		ExpiresAt: entry.ExpiresAt,
	}

	_, err := s.blacklist.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: entry.JTI}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	const op = "storage.mongodb.IsBlacklisted"

	err := s.blacklist.FindOne(ctx, bson.D{{Key: "_id", Value: jti}}).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (s *Storage) DeleteBlacklistByUser(ctx context.Context, userID int64) error {
	const op = "storage.mongodb.DeleteBlacklistByUser"
	if _, err := s.blacklist.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.mongodb.PurgeExpiredBlacklist"

	result, err := s.blacklist.DeleteMany(ctx, bson.D{
		{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.DeletedCount, nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
