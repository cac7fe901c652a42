package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/jwt"
	"github.com/eattestation/authclient/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const minPasswordLength = 8

// Config configures a [Server].
type Config struct {
	Signer *jwt.Signer
	Redis  redis.UniversalClient

	// RefreshTTL bounds refresh token lifetime. Zero means 7 days.
	RefreshTTL time.Duration
	// ResetTTL bounds password reset token lifetime. Zero means 15 minutes.
	ResetTTL time.Duration
	// MaxLoginAttempts failed logins per email within LoginWindow lock the
	// account out until the window ends. Zero means 5.
	MaxLoginAttempts int
	LoginWindow      time.Duration

	Hash   HashParams
	Logger *zap.Logger
}

type account struct {
	user         api.User
	passwordHash string
}

// Server implements the authentication endpoints consumed by the client.
type Server struct {
	signer   *jwt.Signer
	hasher   hasher
	refresh  tokenRegistry
	resets   tokenRegistry
	attempts throttle
	logger   *zap.Logger
	router   chi.Router

	mu       sync.RWMutex
	byEmail  map[string]*account
	byUserID map[string]*account
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Signer == nil {
		return nil, errors.New("mockapi: signer is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("mockapi: redis client is required")
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 15 * time.Minute
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = 15 * time.Minute
	}
	if cfg.Hash == (HashParams{}) {
		cfg.Hash = DefaultHashParams()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		signer:   cfg.Signer,
		hasher:   hasher{p: cfg.Hash},
		refresh:  tokenRegistry{redis: cfg.Redis, prefix: "rt", ttl: cfg.RefreshTTL},
		resets:   tokenRegistry{redis: cfg.Redis, prefix: "pr", ttl: cfg.ResetTTL},
		attempts: throttle{redis: cfg.Redis, max: cfg.MaxLoginAttempts, window: cfg.LoginWindow},
		logger:   cfg.Logger,
		byEmail:  map[string]*account{},
		byUserID: map[string]*account{},
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving /health and /api/auth/*.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Post("/refresh-token", s.handleRefresh)
		r.Post("/forgot-password", s.handleForgotPassword)
		r.Post("/reset-password", s.handleResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireBearer(s.signer))
			r.Get("/profile", s.handleProfile)
			r.Patch("/profile", s.handleUpdateProfile)
			r.Post("/change-password", s.handleChangePassword)
			r.Post("/logout", s.handleLogout)
		})
	})
	return r
}

// AddUser seeds an account. The user ID is generated when empty.
func (s *Server) AddUser(user api.User, password string) (api.User, error) {
	email := normalizeEmail(user.Email)
	if email == "" {
		return api.User{}, errors.New("mockapi: email is required")
	}
	hash, err := s.hasher.hash(password)
	if err != nil {
		return api.User{}, err
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Email = email
	if user.CreatedAt == "" {
		user.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return api.User{}, errors.New("mockapi: email already registered")
	}
	acc := &account{user: user, passwordHash: hash}
	s.byEmail[email] = acc
	s.byUserID[user.ID] = acc
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// issue mints an access token and registers a fresh refresh token.
func (s *Server) issue(ctx context.Context, user api.User) (*api.TokenSet, error) {
	access, err := s.signer.Issue(user.ID, user.Email, user.Role, uuid.NewString())
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	if err := s.refresh.put(ctx, refresh, user.ID); err != nil {
		return nil, err
	}
	return &api.TokenSet{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}, nil
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, status int, user api.User) {
	tokens, err := s.issue(r.Context(), user)
	if err != nil {
		s.logger.Error("issue tokens", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Could not create session")
		return
	}
	writeJSON(w, status, map[string]any{
		"success": true,
		"data": map[string]any{
			"data": map[string]any{"tokens": tokens, "user": user},
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	email := normalizeEmail(req.Email)
	ctx := r.Context()

	if err := s.attempts.check(ctx, email); err != nil {
		if errors.Is(err, errThrottled) {
			writeMessage(w, http.StatusTooManyRequests, "Too many login attempts. Try again later.")
			return
		}
		s.logger.Error("login throttle unavailable", zap.Error(err))
		writeMessage(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	s.mu.RLock()
	acc := s.byEmail[email]
	s.mu.RUnlock()

	ok := false
	if acc != nil {
		var err error
		ok, err = s.hasher.verify(req.Password, acc.passwordHash)
		if err != nil {
			s.logger.Error("verify password", zap.String("user_id", acc.user.ID), zap.Error(err))
		}
	}
	if !ok {
		if err := s.attempts.fail(ctx, email); err != nil {
			s.logger.Warn("record failed login", zap.Error(err))
		}
		writeMessage(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if err := s.attempts.reset(ctx, email); err != nil {
		s.logger.Warn("reset login attempts", zap.Error(err))
	}
	s.logger.Info("login", zap.String("user_id", acc.user.ID))
	s.writeSession(w, r, http.StatusOK, acc.user)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeMessage(w, http.StatusBadRequest, "A valid email address is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeMessage(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	if !req.AcceptTerms {
		writeMessage(w, http.StatusBadRequest, "Terms must be accepted")
		return
	}

	s.mu.RLock()
	_, exists := s.byEmail[normalizeEmail(req.Email)]
	s.mu.RUnlock()
	if exists {
		writeMessage(w, http.StatusConflict, "Email already registered")
		return
	}

	user, err := s.AddUser(api.User{
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CompanyName: req.CompanyName,
		Phone:       req.Phone,
		Role:        "user",
	}, req.Password)
	if err != nil {
		writeMessage(w, http.StatusConflict, "Email already registered")
		return
	}
	s.logger.Info("registered", zap.String("user_id", user.ID))
	s.writeSession(w, r, http.StatusCreated, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeMessage(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	userID, err := s.refresh.take(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, errTokenUnknown) {
			writeMessage(w, http.StatusUnauthorized, "Invalid refresh token")
			return
		}
		s.logger.Error("consume refresh token", zap.Error(err))
		writeMessage(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	acc := s.account(userID)
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	tokens, err := s.issue(r.Context(), acc.user)
	if err != nil {
		s.logger.Error("issue tokens", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Could not refresh session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) account(userID string) *account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUserID[userID]
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) *account {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	acc := s.account(claims.UserID())
	if acc == nil {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	return acc
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	acc := s.caller(w, r)
	if acc == nil {
		return
	}
	s.mu.RLock()
	user := acc.user
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	acc := s.caller(w, r)
	if acc == nil {
		return
	}
	var update api.ProfileUpdate
	if !decode(w, r, &update) {
		return
	}

	s.mu.Lock()
	if update.FirstName != nil {
		acc.user.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		acc.user.LastName = *update.LastName
	}
	if update.CompanyName != nil {
		acc.user.CompanyName = *update.CompanyName
	}
	if update.Phone != nil {
		acc.user.Phone = *update.Phone
	}
	user := acc.user
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	acc := s.caller(w, r)
	if acc == nil {
		return
	}
	var req api.ChangePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeMessage(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	s.mu.RLock()
	current := acc.passwordHash
	s.mu.RUnlock()
	if ok, _ := s.hasher.verify(req.CurrentPassword, current); !ok {
		writeMessage(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}
	if err := s.setPassword(acc, req.NewPassword); err != nil {
		s.logger.Error("change password", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Could not change password")
		return
	}
	writeMessage(w, http.StatusOK, "Password changed successfully")
}

func (s *Server) setPassword(acc *account, password string) error {
	hash, err := s.hasher.hash(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	acc.passwordHash = hash
	s.mu.Unlock()
	return nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	acc := s.caller(w, r)
	if acc == nil {
		return
	}
	var req struct {
		LogoutAll bool `json:"logoutAll"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.LogoutAll {
		n, err := s.refresh.revokeAll(r.Context(), acc.user.ID)
		if err != nil {
			s.logger.Error("revoke refresh tokens", zap.Error(err))
			writeMessage(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		s.logger.Info("logout all", zap.String("user_id", acc.user.ID), zap.Int("revoked", n))
	}
	writeMessage(w, http.StatusOK, "Logged out")
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.RLock()
	acc := s.byEmail[normalizeEmail(req.Email)]
	s.mu.RUnlock()

	if acc != nil {
		token := uuid.NewString()
		if err := s.resets.put(r.Context(), token, acc.user.ID); err != nil {
			s.logger.Error("store reset token", zap.Error(err))
			writeMessage(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		// Stands in for the reset email.
		s.logger.Info("password reset requested", zap.String("user_id", acc.user.ID), zap.String("reset_token", token))
	}
	writeMessage(w, http.StatusOK, "If the account exists, a reset link has been sent")
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Password) < minPasswordLength {
		writeMessage(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	userID, err := s.resets.take(r.Context(), req.Token)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Reset link is invalid or has expired")
		return
	}
	acc := s.account(userID)
	if acc == nil {
		writeMessage(w, http.StatusBadRequest, "Reset link is invalid or has expired")
		return
	}
	if err := s.setPassword(acc, req.Password); err != nil {
		s.logger.Error("reset password", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Could not reset password")
		return
	}
	if _, err := s.refresh.revokeAll(r.Context(), userID); err != nil {
		s.logger.Warn("revoke sessions after reset", zap.Error(err))
	}
	writeMessage(w, http.StatusOK, "Password has been reset")
}
