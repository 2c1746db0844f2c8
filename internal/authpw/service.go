// Package authpw provides email/password authentication for actors.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cmms/api/internal/store"
	"cmms/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrMissingFields      = errors.New("email, password and full name are required")
)

// Service provides email/password authentication
type Service struct {
	store UserStore
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. Unknown emails and wrong passwords are not
// distinguished.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUserRequest describes a new actor account.
type CreateUserRequest struct {
	Email          string
	Password       string
	FullName       string
	Designation    string
	Role           string
	SignatoryLevel int
}

// CreateUser hashes the password and stores a new user.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || req.Password == "" || fullName == "" {
		return store.User{}, ErrMissingFields
	}
	if len(req.Password) < 8 {
		return store.User{}, ErrWeakPassword
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return store.User{}, err
	}

	level := req.SignatoryLevel
	if level < 1 {
		level = 1
	}
	role := req.Role
	if role == "" {
		role = "requester"
	}
	user := store.User{
		ID:             util.NewID("user"),
		Email:          email,
		PasswordHash:   hash,
		FullName:       fullName,
		Designation:    strings.TrimSpace(req.Designation),
		SignatoryLevel: level,
		Role:           role,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
