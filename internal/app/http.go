package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cmms/api/internal/auth"
	"cmms/api/internal/authpw"
	"cmms/api/internal/export"
	"cmms/api/internal/rbac"
	"cmms/api/internal/search"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxUploadBytes = 10 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	validator  *requestValidator
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger.Named("http"),
		validator:  newRequestValidator(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(chimw.Recoverer)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/session", s.handleSession)
		r.Post("/session/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/session/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
			r.Put("/me/profile", s.handleUpdateProfile)
			r.Put("/me/signature", s.handleUploadSignature)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAction(rbac.ActionRead))
				r.Get("/templates", s.handleListTemplates)
				r.Get("/submissions", s.handleListSubmissions)
				r.Get("/submissions/{id}", s.handleGetSubmission)
				r.Get("/submissions/{id}/history", s.handleSubmissionHistory)
				r.Get("/submissions/{id}/history/{hash}", s.handleSubmissionRevision)
				r.Get("/submissions/{id}/document", s.handleSubmissionDocument)
				r.Get("/files/*", s.handleFile)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireAction(rbac.ActionRequest))
				r.Post("/forms", s.handleStartForm)
				r.Post("/forms/resume", s.handleResumeForm)
				r.Get("/forms/{id}", s.handleGetForm)
				r.Delete("/forms/{id}", s.handleAbandonForm)
				r.Put("/forms/{id}/values", s.handleSetValue)
				r.Post("/forms/{id}/sign", s.handleSign)
				r.Post("/forms/{id}/rows", s.handleAddRow)
				r.Post("/forms/{id}/submit", s.handleSubmit)
				r.Post("/forms/{id}/generate", s.handleGenerate)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireAction(rbac.ActionAdmin))
				r.Post("/templates", s.handleUploadTemplate)
				r.Get("/admin/users", s.handleListUsers)
				r.Post("/admin/users", s.handleCreateUser)
				r.Put("/admin/users/{id}/access", s.handleUpdateUserAccess)
			})
		})
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":  true,
		"userName":       session.UserName,
		"userId":         session.UserID,
		"role":           session.Role,
		"signatoryLevel": session.Level,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	session, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":          session.Token,
		"userId":         session.UserID,
		"userName":       session.UserName,
		"role":           session.Role,
		"signatoryLevel": session.Level,
		"expiresAt":      session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	me, err := s.service.Me(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FullName    string `json:"fullname" validate:"required,max=120"`
		Designation string `json:"designation" validate:"max=120"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	me, err := s.service.UpdateProfile(r.Context(), sessionFrom(r), body.FullName, body.Designation)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *HTTPServer) handleUploadSignature(w http.ResponseWriter, r *http.Request) {
	data, _, ok := readUpload(w, r)
	if !ok {
		return
	}
	me, err := s.service.UploadSignature(r.Context(), sessionFrom(r), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *HTTPServer) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.ListTemplates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": names})
}

func (s *HTTPServer) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := readUpload(w, r)
	if !ok {
		return
	}
	uploaded, err := s.service.UploadTemplate(r.Context(), filename, data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploaded)
}

func (s *HTTPServer) handleStartForm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Template string `json:"template" validate:"required"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	view, err := s.service.StartForm(r.Context(), sessionFrom(r), body.Template)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleResumeForm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionID string `json:"submissionId" validate:"required"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	view, err := s.service.ResumeForm(r.Context(), sessionFrom(r), body.SubmissionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleGetForm(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetForm(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleAbandonForm(w http.ResponseWriter, r *http.Request) {
	if err := s.service.AbandonForm(r.Context(), sessionFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSetValue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key" validate:"required"`
		Value string `json:"value"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	view, err := s.service.SetValue(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Key, body.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Placeholder string `json:"placeholder" validate:"required"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	view, changed, err := s.service.Sign(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Placeholder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": view, "signed": changed})
}

func (s *HTTPServer) handleAddRow(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.AddRow(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	saved, err := s.service.Submit(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Format string `json:"format" validate:"omitempty,oneof=xlsx pdf docx"`
		Upload bool   `json:"upload"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	res, err := s.service.GenerateForm(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !body.Upload {
		writeDocument(w, res)
		return
	}
	doc, err := s.service.UploadDocument(r.Context(), res)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := search.Query{
		Text:     values.Get("q"),
		Status:   values.Get("status"),
		FilledBy: values.Get("filledBy"),
		Sort:     values.Get("sort"),
	}
	switch strings.ToLower(values.Get("dir")) {
	case "asc":
		q.Desc = false
	case "desc":
		q.Desc = true
	}
	if q.Sort == "" && values.Get("dir") != "" {
		q.Sort = search.SortTimestamp
	}
	q.Limit, _ = strconv.Atoi(values.Get("limit"))
	q.Offset, _ = strconv.Atoi(values.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.ListSubmissions(r.Context(), q))
}

func (s *HTTPServer) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *HTTPServer) handleSubmissionHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.service.SubmissionHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSubmissionRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := s.service.SubmissionRevision(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *HTTPServer) handleSubmissionDocument(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.SubmissionDocument(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeDocument(w, res)
}

func (s *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.File(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email          string `json:"email" validate:"required,email"`
		Password       string `json:"password" validate:"required,min=8"`
		FullName       string `json:"fullname" validate:"required"`
		Designation    string `json:"designation"`
		Role           string `json:"role" validate:"omitempty,oneof=viewer requester admin"`
		SignatoryLevel int    `json:"signatoryLevel" validate:"omitempty,min=1"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	user, err := s.service.CreateUser(r.Context(), authpw.CreateUserRequest{
		Email:          body.Email,
		Password:       body.Password,
		FullName:       body.FullName,
		Designation:    body.Designation,
		Role:           body.Role,
		SignatoryLevel: body.SignatoryLevel,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *HTTPServer) handleUpdateUserAccess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role           string `json:"role" validate:"required,oneof=viewer requester admin"`
		SignatoryLevel int    `json:"signatoryLevel" validate:"required,min=1"`
	}
	if !s.decodeValid(w, r, &body) {
		return
	}
	user, err := s.service.UpdateUserAccess(r.Context(), chi.URLParam(r, "id"), body.Role, body.SignatoryLevel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// fail writes the mapped error. Server errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validator.Struct(target); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			// A token for a deleted user is as good as an invalid one.
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			s.logger.Error("session lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) requireAction(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sessionFrom(r)
			if !s.service.Can(session.Role, action) {
				s.logger.Info("forbidden",
					zap.String("user_id", session.UserID),
					zap.String("role", session.Role),
					zap.String("action", string(action)),
				)
				s.fail(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
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

func writeDocument(w http.ResponseWriter, res *export.Result) {
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// readUpload accepts either a multipart form with a "file" part or a raw
// request body.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload too large", nil)
			return nil, "", false
		}
		return data, r.URL.Query().Get("filename"), true
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Invalid multipart upload", nil)
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Missing file field", nil)
		return nil, "", false
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Could not read upload", nil)
		return nil, "", false
	}
	return data, header.Filename, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
