// Package api exposes the HTTP surface of the relay: auth, document CRUD,
// and the active-collaborator roster. Live editing itself flows over the
// websocket endpoint; this API is the persistence side the editor saves to.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"cowrite/collab/internal/auth"
	"cowrite/collab/internal/authpw"
	"cowrite/collab/internal/doctree"
	"cowrite/collab/internal/rbac"
	"cowrite/collab/internal/relay"
	"cowrite/collab/internal/store"
)

// DocumentStore is the persistence the API reads and writes. Implemented by
// store.PostgresStore; tests substitute an in-memory fake.
type DocumentStore interface {
	Ping(ctx context.Context) error
	CreateDocument(ctx context.Context, title, createdBy string) (store.Document, error)
	GetDocument(ctx context.Context, id string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	SaveDocument(ctx context.Context, id string, patch store.DocumentPatch, updatedBy string) (store.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Presence reports who is live in a document. Nil when Redis is not
// configured; the roster endpoint then returns an empty list.
type Presence interface {
	Active(ctx context.Context, documentID string) ([]relay.PresenceEntry, error)
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	store      DocumentStore
	users      *authpw.Service
	presence   Presence
	secret     []byte
	tokenTTL   time.Duration
	corsOrigin string
}

func NewHTTPServer(docs DocumentStore, users *authpw.Service, presence Presence, secret []byte, tokenTTL time.Duration, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		store:      docs,
		users:      users,
		presence:   presence,
		secret:     secret,
		tokenTTL:   tokenTTL,
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Auth routes (no token required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		claims, err := auth.ParseToken(s.secret, token)
		if token == "" || err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        claims.Sub,
			"userName":      claims.Name,
			"role":          claims.Role,
		})
		return
	}

	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	role := rbac.Normalize(claims.Role)

	parts := splitPath(r.URL.Path)

	// /api/documents
	if len(parts) == 2 && parts[0] == "api" && parts[1] == "documents" {
		switch r.Method {
		case http.MethodGet:
			if !rbac.Can(role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			s.handleListDocuments(w, r)
			return
		case http.MethodPost:
			if !rbac.Can(role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			s.handleCreateDocument(w, r, claims)
			return
		}
	}

	// /api/documents/{id}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "documents" {
		id := parts[2]
		switch r.Method {
		case http.MethodGet:
			if !rbac.Can(role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			s.handleGetDocument(w, r, id)
			return
		case http.MethodPut:
			if !rbac.Can(role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			s.handleSaveDocument(w, r, id, claims)
			return
		case http.MethodDelete:
			if !rbac.Can(role, rbac.ActionManage) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			s.handleDeleteDocument(w, r, id)
			return
		}
	}

	// /api/documents/{id}/presence
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "presence" && r.Method == http.MethodGet {
		if !rbac.Can(role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		s.handlePresence(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}

	if s.presence != nil {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.presence.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.users.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "SIGNUP_FAILED", err.Error(), nil)
		return
	}
	s.writeSession(w, user)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.users.SignIn(r.Context(), body.Email, body.Password)
	if errors.Is(err, authpw.ErrBadCredentials) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Sign in failed", nil)
		return
	}
	s.writeSession(w, user)
}

// writeSession issues the collaboration token the websocket join handshake
// presents.
func (s *HTTPServer) writeSession(w http.ResponseWriter, user store.User) {
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Exp:  time.Now().Add(s.tokenTTL).Unix(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Token issue failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"userId":   user.ID,
		"userName": user.DisplayName,
		"role":     user.Role,
	})
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		title = "Untitled"
	}

	doc, err := s.store.CreateDocument(r.Context(), title, claims.Sub)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleSaveDocument(w http.ResponseWriter, r *http.Request, id string, claims auth.Claims) {
	var body struct {
		Title   *string         `json:"title"`
		Icon    *string         `json:"icon"`
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Title == nil && body.Icon == nil && body.Content == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nothing to save", nil)
		return
	}
	if body.Content != nil {
		if _, err := doctree.Parse(body.Content); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is not a valid document tree", nil)
			return
		}
	}

	doc, err := s.store.SaveDocument(r.Context(), id, store.DocumentPatch{
		Title:   body.Title,
		Icon:    body.Icon,
		Content: body.Content,
	}, claims.Sub)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteDocument(r.Context(), id); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, documentID string) {
	if s.presence == nil {
		writeJSON(w, http.StatusOK, map[string]any{"collaborators": []relay.PresenceEntry{}})
		return
	}
	entries, err := s.presence.Active(r.Context(), documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Presence lookup failed", nil)
		return
	}
	if entries == nil {
		entries = []relay.PresenceEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborators": entries})
}

func (s *HTTPServer) requireClaims(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
