package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"snapshare/internal/server/database"

	"golang.org/x/crypto/bcrypt"
)

const maxUsernameLength = 150

// maxPasswordBytes is the most bcrypt will hash.
const maxPasswordBytes = 72

// UserRepository is the persistence the auth service needs.
type UserRepository interface {
	Create(ctx context.Context, user *database.User) error
	GetByID(ctx context.Context, id int64) (*database.User, error)
	GetByUsername(ctx context.Context, username string) (*database.User, error)
}

// AuthService handles registration, login and session user lookup.
type AuthService struct {
	users     UserRepository
	cost      int
	dummyHash []byte
}

// NewAuthService creates an auth service. cost is the bcrypt cost; zero
// selects bcrypt.DefaultCost.
func NewAuthService(users UserRepository, cost int) *AuthService {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// Compared against on unknown usernames so both failure paths cost the
	// same bcrypt work.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("snapshare-dummy-password"), cost)
	return &AuthService{users: users, cost: cost, dummyHash: dummy}
}

// Register creates a new account. email may be empty.
func (s *AuthService) Register(ctx context.Context, username, password, email string) (*database.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return nil, ErrUsernameTooLong
	}
	if len(password) > maxPasswordBytes {
		return nil, ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &database.User{
		Username:     username,
		PasswordHash: string(hash),
	}
	if email != "" {
		user.Email = &email
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicateUsername) {
			slog.Info("registration rejected: username taken", "username", username)
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered", "user_id", user.ID, "username", username)
	return user, nil
}

// Login verifies the credentials and returns the matching user.
func (s *AuthService) Login(ctx context.Context, username, password string) (*database.User, error) {
	username = strings.TrimSpace(username)

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			slog.Info("login failed: unknown user", "username", username)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Info("login failed: wrong password", "username", username, "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}

	slog.Info("user logged in", "user_id", user.ID)
	return user, nil
}

// UserByID returns the user for a session, or ErrNotFound when the account
// no longer exists.
func (s *AuthService) UserByID(ctx context.Context, id int64) (*database.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}
