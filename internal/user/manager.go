package user

import (
	"context"
	"errors"
	"regexp"

	"github.com/amoylab/imgate/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

const (
	MinUsernameLen = 3
	MaxUsernameLen = 50
	MinPasswordLen = 6
	MaxPasswordLen = 50
)

// RegisterOutcome is the result of a registration attempt
type RegisterOutcome int

const (
	RegisterSuccess RegisterOutcome = iota
	RegisterUsernameExists
	RegisterInvalidUsername
	RegisterInvalidPassword
	RegisterBackendError
)

// Message is the client-facing text for the outcome
func (o RegisterOutcome) Message() string {
	switch o {
	case RegisterSuccess:
		return "User registered successfully"
	case RegisterUsernameExists:
		return "Username already exists"
	case RegisterInvalidUsername:
		return "Invalid username format"
	case RegisterInvalidPassword:
		return "Invalid password format"
	default:
		return "Internal server error"
	}
}

// AuthOutcome is the result of a login attempt
type AuthOutcome int

const (
	AuthSuccess AuthOutcome = iota
	AuthUserNotFound
	AuthWrongPassword
	AuthBackendError
)

func (o AuthOutcome) Message() string {
	switch o {
	case AuthSuccess:
		return "Login successful"
	case AuthUserNotFound:
		return "User not found"
	case AuthWrongPassword:
		return "Wrong password"
	default:
		return "Internal server error"
	}
}

// Manager registers and authenticates users
type Manager struct {
	store  storage.UserStore
	logger *zap.Logger
	cost   int
}

// Option configures a Manager
type Option func(*Manager)

// WithBcryptCost overrides the bcrypt work factor
func WithBcryptCost(cost int) Option {
	return func(m *Manager) {
		m.cost = cost
	}
}

func NewManager(store storage.UserStore, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: logger.Named("user"),
		cost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidUsername reports whether name is 3 to 50 letters, digits or underscores
func ValidUsername(name string) bool {
	return len(name) >= MinUsernameLen && len(name) <= MaxUsernameLen && usernamePattern.MatchString(name)
}

// ValidPassword reports whether password is 6 to 50 bytes. The upper bound
// stays under bcrypt's 72 byte input limit.
func ValidPassword(password string) bool {
	return len(password) >= MinPasswordLen && len(password) <= MaxPasswordLen
}

// Register creates an account. The returned user is set only on success.
func (m *Manager) Register(ctx context.Context, username, password string) (RegisterOutcome, *storage.User) {
	if !ValidUsername(username) {
		m.logger.Warn("invalid username", zap.String("username", username))
		return RegisterInvalidUsername, nil
	}
	if !ValidPassword(password) {
		m.logger.Warn("invalid password", zap.String("username", username))
		return RegisterInvalidPassword, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		m.logger.Error("failed to hash password", zap.String("username", username), zap.Error(err))
		return RegisterBackendError, nil
	}

	u := &storage.User{Username: username, PasswordHash: string(hash)}
	if err := m.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			m.logger.Info("username already exists", zap.String("username", username))
			return RegisterUsernameExists, nil
		}
		m.logger.Error("failed to create user", zap.String("username", username), zap.Error(err))
		return RegisterBackendError, nil
	}

	m.logger.Info("user registered", zap.String("username", username), zap.Int64("user_id", u.ID))
	return RegisterSuccess, u
}

// Authenticate checks credentials. The returned user is set only on success.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (AuthOutcome, *storage.User) {
	u, err := m.store.GetUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrUserNotFound) {
		m.logger.Info("user not found", zap.String("username", username))
		return AuthUserNotFound, nil
	}
	if err != nil {
		m.logger.Error("failed to load user", zap.String("username", username), zap.Error(err))
		return AuthBackendError, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			m.logger.Info("wrong password", zap.String("username", username))
			return AuthWrongPassword, nil
		}
		m.logger.Error("failed to verify password", zap.String("username", username), zap.Error(err))
		return AuthBackendError, nil
	}

	m.logger.Info("user authenticated", zap.String("username", username), zap.Int64("user_id", u.ID))
	return AuthSuccess, u
}

func (m *Manager) FindByUsername(ctx context.Context, username string) (*storage.User, error) {
	return m.store.GetUserByUsername(ctx, username)
}

func (m *Manager) FindByID(ctx context.Context, id int64) (*storage.User, error) {
	return m.store.GetUserByID(ctx, id)
}
