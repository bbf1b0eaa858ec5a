package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/evernoterobot/internal/db"
)

const (
	usersCollection    = "users"
	sessionsCollection = "start_sessions"
)

// Service reads and writes user and start-session documents. Records are
// validated after decoding so a corrupt document fails loudly.
type Service struct {
	store    db.DocumentStore
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(log *slog.Logger, store db.DocumentStore) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		logger:   log.With(slog.String("service", "users")),
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Service) Get(ctx context.Context, userID int64) (User, error) {
	body, err := s.store.FindDocument(ctx, usersCollection, strconv.FormatInt(userID, 10))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, fmt.Errorf("decode user %d: %w", userID, err)
	}
	if err := s.validate.Struct(u); err != nil {
		return User{}, fmt.Errorf("invalid user record %d: %w", userID, err)
	}
	return u, nil
}

func (s *Service) Save(ctx context.Context, u User) (User, error) {
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Mode == "" {
		u.Mode = ModeMultipleNotes
	}
	if err := s.validate.Struct(u); err != nil {
		return User{}, fmt.Errorf("invalid user: %w", err)
	}
	body, err := json.Marshal(u)
	if err != nil {
		return User{}, fmt.Errorf("encode user: %w", err)
	}
	if err := s.store.UpsertDocument(ctx, usersCollection, strconv.FormatInt(u.ID, 10), body); err != nil {
		return User{}, fmt.Errorf("save user: %w", err)
	}
	return u, nil
}

// SetPending overwrites the user's pending prompt; the last prompt wins.
func (s *Service) SetPending(ctx context.Context, userID int64, state PendingState) (User, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return User{}, err
	}
	u.PendingState = state
	return s.Save(ctx, u)
}

func (s *Service) SaveStartSession(ctx context.Context, sess StartSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	if err := s.validate.Struct(sess); err != nil {
		return fmt.Errorf("invalid start session: %w", err)
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode start session: %w", err)
	}
	if err := s.store.UpsertDocument(ctx, sessionsCollection, strconv.FormatInt(sess.UserID, 10), body); err != nil {
		return fmt.Errorf("save start session: %w", err)
	}
	return nil
}

func (s *Service) StartSessionByKey(ctx context.Context, key string) (StartSession, error) {
	if key == "" {
		return StartSession{}, ErrSessionNotFound
	}
	body, err := s.store.FindDocumentBy(ctx, sessionsCollection, "callback_key", key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return StartSession{}, ErrSessionNotFound
		}
		return StartSession{}, fmt.Errorf("load start session: %w", err)
	}
	var sess StartSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return StartSession{}, fmt.Errorf("decode start session: %w", err)
	}
	if err := s.validate.Struct(sess); err != nil {
		return StartSession{}, fmt.Errorf("invalid start session record: %w", err)
	}
	return sess, nil
}
