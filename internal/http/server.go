package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JohnLrp/Shiksha-files-backend/internal/auth"
	"github.com/JohnLrp/Shiksha-files-backend/internal/config"
	"github.com/JohnLrp/Shiksha-files-backend/internal/crypto"
	"github.com/JohnLrp/Shiksha-files-backend/internal/media"
	"github.com/JohnLrp/Shiksha-files-backend/internal/model"
	"github.com/JohnLrp/Shiksha-files-backend/internal/ratelimit"
)

// Store is the persistence surface the handlers need. *repository.Store
// satisfies it; tests run against an in-memory fake.
type Store interface {
	CreateUser(ctx context.Context, user model.User) error
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	GetRole(ctx context.Context, userID string) (model.Role, error)

	CreateRefreshSession(ctx context.Context, session model.RefreshSession) error
	GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	MarkRefreshSessionRotated(ctx context.Context, sessionID string, rotatedAt time.Time) error
	RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error

	CreateRoom(ctx context.Context, room model.Room) error
	ListActiveRooms(ctx context.Context) ([]model.Room, error)
	GetActiveRoom(ctx context.Context, name string) (model.Room, error)
	DeactivateRoom(ctx context.Context, name string, updatedAt time.Time) error
}

type Server struct {
	cfg     config.Config
	store   Store
	issuer  *media.Issuer
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

func NewServer(cfg config.Config, store Store, issuer *media.Issuer, limiter *ratelimit.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, store: store, issuer: issuer, limiter: limiter, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.With(s.limitAnon("login", s.cfg.LoginRatePerMin)).Post("/register", s.handleRegister)
		r.With(s.limitAnon("login", s.cfg.LoginRatePerMin)).Post("/login", s.handleLogin)
		r.With(s.limitAnon("refresh", s.cfg.LoginRatePerMin)).Post("/refresh", s.handleRefresh)
		r.With(s.authMiddleware).Post("/logout", s.handleLogout)
		r.With(s.authMiddleware, s.limitUser("api", s.cfg.APIRatePerMin)).Get("/me", s.handleMe)
	})

	r.Route("/streaming", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.limitUser("api", s.cfg.APIRatePerMin)).Get("/rooms", s.handleListRooms)
		r.With(s.limitUser("api", s.cfg.APIRatePerMin), s.requireTeacher).Post("/rooms", s.handleCreateRoom)
		r.With(s.limitUser("api", s.cfg.APIRatePerMin)).Delete("/rooms/{name}", s.handleDeactivateRoom)
		r.With(s.limitUser("media_token", s.cfg.TokenRatePerMin)).Post("/token", s.handleToken)
	})

	return r
}

var roomNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      model.Role `json:"role"`
	IsTeacher bool       `json:"is_teacher"`
	IsStudent bool       `json:"is_student"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email and password are required.")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters.")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email address.")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create account.")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         model.RoleStudent,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "Username or email already in use.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Could not create account.")
		return
	}

	s.log.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, mapUserResponse(user))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access   string     `json:"access"`
	Refresh  string     `json:"refresh"`
	Role     model.Role `json:"role"`
	Username string     `json:"username"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required.")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "Invalid username or password.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}
	if !user.Active {
		writeError(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}

	access, refresh, err := s.issueSession(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create session.")
		return
	}

	s.log.Info("user logged in", "user_id", user.ID, "role", user.Role)
	writeJSON(w, http.StatusOK, loginResponse{
		Access:   access,
		Refresh:  refresh,
		Role:     user.Role,
		Username: user.Username,
	})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if req.Refresh == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required.")
		return
	}

	session, err := s.store.GetRefreshSession(r.Context(), crypto.HashToken(req.Refresh))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}
	if session.RotatedAt != nil || session.RevokedAt != nil || session.ExpiresAt.Before(time.Now().UTC()) {
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token.")
		return
	}

	// The store serializes concurrent rotations of one credential: only
	// the first update wins, everyone else lands here with no rows.
	if err := s.store.MarkRefreshSessionRotated(r.Context(), session.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), session.UserID)
	if err != nil || !user.Active {
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token.")
		return
	}

	access, refresh, err := s.issueSession(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create session.")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{Access: access, Refresh: refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.Refresh == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required to logout.")
		return
	}

	session, err := s.store.GetRefreshSession(r.Context(), crypto.HashToken(req.Refresh))
	if err != nil || session.UserID != claims.UserID {
		writeError(w, http.StatusBadRequest, "Invalid refresh token.")
		return
	}
	if err := s.store.RevokeRefreshSession(r.Context(), session.ID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid refresh token.")
		return
	}

	// The access token stays valid until its own short TTL runs out.
	s.log.Info("user logged out", "user_id", claims.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Successfully logged out."})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "User no longer exists.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	writeJSON(w, http.StatusOK, mapUserResponse(user))
}

type roomResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	DisplayName  string  `json:"display_name"`
	HostUsername *string `json:"host_username"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListActiveRooms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	resp := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		resp = append(resp, mapRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRoomRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return
	}

	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if !roomNameRe.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, "Room name must be a slug of letters, digits, hyphens or underscores.")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "Display name is required.")
		return
	}

	// The host is always the requesting teacher, never taken from the body.
	hostID := claims.UserID
	now := time.Now().UTC()
	room := model.Room{
		ID:           uuid.NewString(),
		Name:         req.Name,
		DisplayName:  req.DisplayName,
		HostID:       &hostID,
		HostUsername: &claims.Username,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "Room with this name already exists.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	s.log.Info("room created", "room", room.Name, "host_id", hostID)
	writeJSON(w, http.StatusCreated, mapRoomResponse(room))
}

func (s *Server) handleDeactivateRoom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return
	}

	name := chi.URLParam(r, "name")
	room, err := s.store.GetActiveRoom(r.Context(), name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Room not found.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}
	if room.HostID == nil || *room.HostID != claims.UserID {
		writeError(w, http.StatusForbidden, "You are not the host of this room.")
		return
	}

	if err := s.store.DeactivateRoom(r.Context(), name, time.Now().UTC()); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Room not found.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	s.log.Info("room deactivated", "room", name, "host_id", claims.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Room deactivated."})
}

type tokenRequest struct {
	Room string `json:"room"`
}

type tokenResponse struct {
	LiveKitURL string `json:"livekit_url"`
	Token      string `json:"token"`
	Room       string `json:"room"`
	IsTeacher  bool   `json:"is_teacher"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	req.Room = strings.TrimSpace(req.Room)
	if !roomNameRe.MatchString(req.Room) {
		writeError(w, http.StatusBadRequest, "Room name is required.")
		return
	}

	// Room must exist and be active before the signer is ever called.
	if _, err := s.store.GetActiveRoom(r.Context(), req.Room); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "Room '"+req.Room+"' does not exist or is not currently active.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	// Role comes from the store, never from the bearer token's claims.
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "User no longer exists.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Server error.")
		return
	}
	if !user.Active {
		writeError(w, http.StatusUnauthorized, "User no longer exists.")
		return
	}

	token, isTeacher, err := s.issuer.IssueToken(user, req.Room)
	if err != nil {
		if errors.Is(err, media.ErrNotConfigured) {
			s.log.Error("livekit config missing", "user_id", user.ID, "room", req.Room)
			writeError(w, http.StatusServiceUnavailable, "Streaming service is not configured. Contact an administrator.")
			return
		}
		s.log.Error("livekit token error", "user_id", user.ID, "room", req.Room, "err", err)
		writeError(w, http.StatusInternalServerError, "Could not generate streaming token. Please try again.")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		LiveKitURL: s.issuer.URL(),
		Token:      token,
		Room:       req.Room,
		IsTeacher:  isTeacher,
	})
}

func (s *Server) issueSession(ctx context.Context, user model.User) (string, string, error) {
	access, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	})
	if err != nil {
		return "", "", err
	}

	refresh, err := crypto.NewRefreshToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now().UTC()
	session := model.RefreshSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(refresh),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.CreateRefreshSession(ctx, session); err != nil {
		return "", "", err
	}

	return access, refresh, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required.")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token.")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireTeacher re-reads the role from the store; the role claim inside
// the access token is a UI hint and never an authorization input.
func (s *Server) requireTeacher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required.")
			return
		}

		role, err := s.store.GetRole(r.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusUnauthorized, "User no longer exists.")
				return
			}
			writeError(w, http.StatusInternalServerError, "Server error.")
			return
		}
		if !role.IsTeacher() {
			writeError(w, http.StatusForbidden, "Only teachers are permitted to perform this action.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitAnon(scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.Allow(r.Context(), scope, clientIP(r), limit) {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) limitUser(scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			key := clientIP(r)
			if claims != nil {
				key = claims.UserID
			}
			if !s.limiter.Allow(r.Context(), scope, key, limit) {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func mapUserResponse(user model.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		IsTeacher: user.Role.IsTeacher(),
		IsStudent: user.Role.IsStudent(),
	}
}

func mapRoomResponse(room model.Room) roomResponse {
	return roomResponse{
		ID:           room.ID,
		Name:         room.Name,
		DisplayName:  room.DisplayName,
		HostUsername: room.HostUsername,
		IsActive:     room.IsActive,
		CreatedAt:    room.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "Request was throttled. Try again later.")
}
