// ABOUTME: Account registration and login for the campus directory
// ABOUTME: Hashes passwords with bcrypt and issues JWTs on successful login

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/campuslink/dm-gateway/internal/auth"
	"github.com/campuslink/dm-gateway/internal/store"
)

// Identity errors
var (
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidPassword    = errors.New("password too short")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// usernamePattern limits usernames to the campus account format.
var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,31}$`)

const minPasswordLength = 8

// IdentityStore is the subset of the store the identity service needs.
type IdentityStore interface {
	CreateUser(ctx context.Context, user *store.User) error
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	ListUsers(ctx context.Context) ([]*store.User, error)
}

// Service handles registration, login, and user listing.
type Service struct {
	store    IdentityStore
	tokens   *auth.JWTVerifier
	tokenTTL time.Duration
	logger   *slog.Logger
}

// New creates an identity service. tokenTTL bounds the lifetime of issued tokens.
func New(identityStore IdentityStore, tokens *auth.JWTVerifier, tokenTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    identityStore,
		tokens:   tokens,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "identity"),
	}
}

// Register creates a new account. Usernames are case-sensitive and must
// match the campus account format; passwords are stored as bcrypt hashes.
func (s *Service) Register(ctx context.Context, username, displayName, password string) (*store.User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < minPasswordLength {
		return nil, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	if displayName == "" {
		displayName = username
	}
	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", username)
	return user, nil
}

// Login verifies credentials and returns a signed token plus the user.
// Unknown usernames and wrong passwords both map to ErrInvalidCredentials
// so the response does not reveal which accounts exist.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("looking up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Generate(user.ID, s.tokenTTL)
	if err != nil {
		return "", nil, fmt.Errorf("issuing token: %w", err)
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	return token, user, nil
}

// ListUsers returns all registered users for the people picker.
func (s *Service) ListUsers(ctx context.Context) ([]*store.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}
