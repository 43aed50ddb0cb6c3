// Package identity runs the development store's auth collection: password
// registration, password sign-in and token refresh.
package identity

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/remote"
)

// Collection is the name clients use for the auth collection.
const Collection = "users"

const (
	MinPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	MaxPasswordLength = 72
)

// ErrInvalidCredentials covers both an unknown identity and a wrong password.
var ErrInvalidCredentials = &remote.Error{Status: http.StatusBadRequest, Message: "Failed to authenticate."}

type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
	Name            string `json:"name"`
	Username        string `json:"username"`
}

type AuthResponse struct {
	Token  string `json:"token"`
	Record User   `json:"record"`
}

type Service struct {
	Repo   Repository
	Tokens auth.Manager
	NewID  func() string
	Now    func() time.Time
	// Cost is the bcrypt cost; tests lower it.
	Cost int
}

func NewService(repo Repository, tokens auth.Manager) *Service {
	return &Service{
		Repo:   repo,
		Tokens: tokens,
		NewID:  nuid.Next,
		Now:    func() time.Time { return time.Now().UTC() },
		Cost:   bcrypt.DefaultCost,
	}
}

// Register creates a user. Field problems come back together as one
// validation error keyed by field name.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (User, error) {
	email := normalize(req.Email)
	fields := map[string]any{}
	switch {
	case email == "":
		fields["email"] = fieldError("validation_required", "Missing required value.")
	case !validEmail(email):
		fields["email"] = fieldError("validation_is_email", "Must be a valid email address.")
	}
	if n := len(req.Password); n < MinPasswordLength || n > MaxPasswordLength {
		fields["password"] = fieldError("validation_length_out_of_range", "The length must be between 8 and 72.")
	}
	if req.PasswordConfirm != req.Password {
		fields["passwordConfirm"] = fieldError("validation_values_mismatch", "Values don't match.")
	}
	if len(fields) > 0 {
		return User{}, createError(fields)
	}

	username := normalize(req.Username)
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.Cost)
	if err != nil {
		return User{}, err
	}
	now := contracts.NewTimestamp(s.Now())
	u := User{
		ID:           s.NewID(),
		Email:        email,
		Username:     username,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		Created:      now,
		Updated:      now,
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return User{}, createError(map[string]any{
				"email": fieldError("validation_not_unique", "Value must be unique."),
			})
		}
		return User{}, err
	}
	return u, nil
}

// AuthWithPassword signs in by email or username.
func (s *Service) AuthWithPassword(ctx context.Context, identity, password string) (AuthResponse, error) {
	if normalize(identity) == "" || password == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}
	u, err := s.Repo.FindUserByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issue(u)
}

// Refresh issues a fresh token for an already authenticated user.
func (s *Service) Refresh(ctx context.Context, userID string) (AuthResponse, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, remote.NotFound(Collection, userID)
		}
		return AuthResponse{}, err
	}
	return s.issue(u)
}

func (s *Service) issue(u User) (AuthResponse, error) {
	token, err := s.Tokens.Sign(u.ID)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{Token: token, Record: u}, nil
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func fieldError(code, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}

func createError(fields map[string]any) *remote.Error {
	return &remote.Error{Status: http.StatusBadRequest, Message: "Failed to create record.", Data: fields}
}
