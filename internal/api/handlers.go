// Package api serves the REST endpoints for accounts and the room directory.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

// AccountService is the account flow behind /auth, /profile and /users.
type AccountService interface {
	Signup(ctx context.Context, username, email, password string) (postgres.Account, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	Logout(ctx context.Context, token string) error
	Profile(ctx context.Context, token string) (postgres.Account, error)
	Users(ctx context.Context) ([]postgres.Account, error)
	Verify(ctx context.Context, token string) (chat.Identity, error)
}

// RoomDirectory lists and creates public rooms.
type RoomDirectory interface {
	List(ctx context.Context) ([]chat.RoomName, error)
	Create(ctx context.Context, raw, description string) (chat.RoomName, error)
}

// Handlers serves the REST API.
type Handlers struct {
	accounts AccountService
	rooms    RoomDirectory
	logger   *zap.Logger
}

// NewHandlers creates the REST handlers.
//
// Precondition: accounts, rooms and logger must be non-nil.
func NewHandlers(accounts AccountService, rooms RoomDirectory, logger *zap.Logger) *Handlers {
	return &Handlers{accounts: accounts, rooms: rooms, logger: logger}
}

// Routes returns the API router, meant to be mounted under /api.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/signup", h.Signup)
	r.Post("/auth/login", h.Login)
	r.Get("/rooms", h.ListRooms)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/auth/logout", h.Logout)
		r.Get("/profile", h.Profile)
		r.Get("/users", h.ListUsers)
		r.Post("/rooms", h.CreateRoom)
	})
	return r
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createRoomRequest struct {
	Room        string `json:"room"`
	Description string `json:"description"`
}

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	userView
}

type roomsResponse struct {
	Rooms []chat.RoomName `json:"rooms"`
}

func viewOf(acct postgres.Account) userView {
	return userView{ID: acct.ID, Username: acct.Username, Email: acct.Email}
}

// Signup handles POST /auth/signup.
func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.accounts.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

// Login handles POST /auth/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		userView:  viewOf(sess.Account),
	})
}

// Logout handles POST /auth/logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Logout(r.Context(), auth.BearerToken(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Profile handles GET /profile.
func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Profile(r.Context(), auth.BearerToken(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(acct))
}

// ListUsers handles GET /users.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	accts, err := h.accounts.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]userView, 0, len(accts))
	for _, a := range accts {
		out = append(out, viewOf(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRooms handles GET /rooms.
func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomsResponse{Rooms: rooms})
}

// CreateRoom handles POST /rooms and answers with the updated room list.
func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, err := h.rooms.Create(r.Context(), req.Room, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	who, _ := IdentityFrom(r.Context())
	h.logger.Info("room created via api", zap.String("room", name.String()), zap.String("by", who.ID))
	rooms, err := h.rooms.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomsResponse{Rooms: rooms})
}

type identityKey struct{}

// IdentityFrom returns the identity stored by requireAuth.
func IdentityFrom(ctx context.Context) (chat.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(chat.Identity)
	return id, ok
}

func (h *Handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			h.fail(w, r, auth.ErrMissingToken)
			return
		}
		id, err := h.accounts.Verify(r.Context(), token)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// statusOf maps a domain error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidSignup), errors.Is(err, chat.ErrInvalidRoomName):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrAuth), errors.Is(err, postgres.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, postgres.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, postgres.ErrAccountExists), errors.Is(err, chat.ErrDuplicateRoom):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("api request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
