package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

// ErrInvalidSignup is returned when signup fields are missing or malformed.
var ErrInvalidSignup = errors.New("invalid signup")

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// AccountStore is the account persistence used by Service.
type AccountStore interface {
	Create(ctx context.Context, username, email, password string) (postgres.Account, error)
	Authenticate(ctx context.Context, email, password string) (postgres.Account, error)
	GetByID(ctx context.Context, id int64) (postgres.Account, error)
	List(ctx context.Context) ([]postgres.Account, error)
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   postgres.Account
}

// IdentityOf returns the chat identity of acct.
func IdentityOf(acct postgres.Account) chat.Identity {
	return chat.Identity{ID: strconv.FormatInt(acct.ID, 10), DisplayName: acct.Username}
}

// Service implements signup, login, logout and profile lookup.
type Service struct {
	accounts AccountStore
	tokens   *Tokens
	logger   *zap.Logger
}

// NewService creates an account Service.
//
// Precondition: accounts, tokens and logger must not be nil.
func NewService(accounts AccountStore, tokens *Tokens, logger *zap.Logger) *Service {
	return &Service{accounts: accounts, tokens: tokens, logger: logger}
}

// Verify implements TokenVerifier.
func (s *Service) Verify(ctx context.Context, token string) (chat.Identity, error) {
	return s.tokens.Verify(ctx, token)
}

// Signup creates an account.
//
// Postcondition: returns ErrInvalidSignup for missing fields or a malformed
// email, postgres.ErrAccountExists when the username or email is taken.
func (s *Service) Signup(ctx context.Context, username, email, password string) (postgres.Account, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return postgres.Account{}, fmt.Errorf("%w: all fields are required", ErrInvalidSignup)
	}
	if !emailPattern.MatchString(email) {
		return postgres.Account{}, fmt.Errorf("%w: invalid email", ErrInvalidSignup)
	}
	acct, err := s.accounts.Create(ctx, username, email, password)
	if err != nil {
		return postgres.Account{}, err
	}
	s.logger.Info("account created", zap.Int64("account_id", acct.ID), zap.String("username", acct.Username))
	return acct, nil
}

// Login checks credentials and issues a token.
//
// Postcondition: unknown emails and wrong passwords both yield
// postgres.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, postgres.ErrInvalidCredentials
	}
	acct, err := s.accounts.Authenticate(ctx, email, password)
	if errors.Is(err, postgres.ErrAccountNotFound) {
		return Session{}, postgres.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	token, expires, err := s.tokens.Issue(IdentityOf(acct))
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("login", zap.Int64("account_id", acct.ID))
	return Session{Token: token, ExpiresAt: expires, Account: acct}, nil
}

// Logout revokes token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// Profile returns the account that token was issued for.
func (s *Service) Profile(ctx context.Context, token string) (postgres.Account, error) {
	id, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return postgres.Account{}, err
	}
	accountID, err := strconv.ParseInt(id.ID, 10, 64)
	if err != nil {
		return postgres.Account{}, fmt.Errorf("%w: subject %q", ErrInvalidToken, id.ID)
	}
	return s.accounts.GetByID(ctx, accountID)
}

// Users lists every account.
func (s *Service) Users(ctx context.Context) ([]postgres.Account, error) {
	return s.accounts.List(ctx)
}
