package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cmms/api/internal/auth"
	"cmms/api/internal/authpw"
	"cmms/api/internal/config"
	"cmms/api/internal/export"
	"cmms/api/internal/history"
	"cmms/api/internal/rbac"
	"cmms/api/internal/search"
	"cmms/api/internal/session"
	"cmms/api/internal/storage"
	"cmms/api/internal/store"
	"cmms/api/internal/util"
	"cmms/api/internal/workflow"
	"go.uber.org/zap"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	Level     int
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	CountUsers(context.Context) (int, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserProfile(context.Context, string, string, string) error
	UpdateUserSignature(context.Context, string, string) error
	UpdateUserAccess(context.Context, string, string, int) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	CreateSubmission(context.Context, store.Submission) (store.Submission, error)
	UpdateSubmission(context.Context, store.Submission) (store.Submission, error)
	GetSubmission(context.Context, string) (store.Submission, error)
	ListRecentSubmissions(context.Context, int) ([]store.Submission, error)
	Ping(ctx context.Context) error
}

type templateStore interface {
	List(context.Context) ([]string, error)
	Fetch(context.Context, string) ([]byte, error)
	Upload(context.Context, string, []byte) error
}

type documentGenerator interface {
	Generate(context.Context, export.Request) (*export.Result, error)
	Store(context.Context, *export.Result) (string, string, error)
}

type historyService interface {
	Record(store.Submission, string, string) (store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	Revision(string, string) (history.Snapshot, []history.FieldChange, error)
}

type submissionSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexSubmission(store.Submission)
	ReindexAll(context.Context, search.SubmissionLister)
}

// Dependencies are the collaborators wired by cmd/api.
type Dependencies struct {
	Store     dataStore
	Templates templateStore
	Forms     session.Store
	Generator documentGenerator
	History   historyService
	Search    submissionSearch
	Blob      storage.Blob
}

type Service struct {
	cfg       config.Config
	logger    *zap.Logger
	store     dataStore
	passwords *authpw.Service
	templates templateStore
	forms     session.Store
	generator documentGenerator
	history   historyService
	search    submissionSearch
	blob      storage.Blob
	gate      *workflow.Gate
	now       func() time.Time
}

func New(cfg config.Config, logger *zap.Logger, deps Dependencies) (*Service, error) {
	policy, err := workflow.ParsePolicy(cfg.SigningPolicy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Store == nil || deps.Templates == nil || deps.Forms == nil || deps.Generator == nil {
		return nil, errors.New("app: store, templates, forms and generator are required")
	}
	return &Service{
		cfg:       cfg,
		logger:    logger.Named("app"),
		store:     deps.Store,
		passwords: authpw.NewService(deps.Store),
		templates: deps.Templates,
		forms:     deps.Forms,
		generator: deps.Generator,
		history:   deps.History,
		search:    deps.Search,
		blob:      deps.Blob,
		gate:      workflow.NewGate(policy, cfg.DateLayout),
		now:       time.Now,
	}, nil
}

// Bootstrap creates the configured admin account on an empty users table and
// rebuilds the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count == 0 && s.cfg.AdminEmail != "" {
		admin, err := s.passwords.CreateUser(ctx, authpw.CreateUserRequest{
			Email:          s.cfg.AdminEmail,
			Password:       s.cfg.AdminPassword,
			FullName:       "Administrator",
			Role:           string(rbac.RoleAdmin),
			SignatoryLevel: 1,
		})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		s.logger.Info("bootstrapped admin user", zap.String("user_id", admin.ID), zap.String("email", admin.Email))
	}
	if s.search != nil {
		s.search.ReindexAll(ctx, s.store)
	}
	return nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.FullName,
		Role:  user.Role,
		Level: user.SignatoryLevel,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.FullName,
		Role:      user.Role,
		Level:     user.SignatoryLevel,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken verifies token and reloads the user, so role and level
// changes apply without a new login.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, auth.HashToken(claims.JTI))
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.FullName,
		Role:      user.Role,
		Level:     user.SignatoryLevel,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the session token. Only a digest of the token id is kept.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.store.RevokeAccessToken(ctx, auth.HashToken(session.JTI), session.ExpiresAt)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UserView is the public shape of an actor.
type UserView struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	FullName       string `json:"fullname"`
	Designation    string `json:"designation"`
	Role           string `json:"role"`
	SignatoryLevel int    `json:"signatoryLevel"`
	HasSignature   bool   `json:"hasSignature"`
	SignatureURL   string `json:"signatureUrl,omitempty"`
}

func (s *Service) userView(ctx context.Context, user store.User) UserView {
	view := UserView{
		ID:             user.ID,
		Email:          user.Email,
		FullName:       user.FullName,
		Designation:    user.Designation,
		Role:           string(rbac.Normalize(user.Role)),
		SignatoryLevel: workflow.ActorFromUser(user).SignatoryLevel,
		HasSignature:   user.SignatureRef != "",
	}
	if view.HasSignature && s.blob != nil {
		url, err := s.blob.URL(ctx, user.SignatureRef, 15*time.Minute)
		if err != nil {
			s.logger.Warn("signature url", zap.String("user_id", user.ID), zap.Error(err))
		}
		view.SignatureURL = url
	}
	return view
}

func (s *Service) Me(ctx context.Context, session Session) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return UserView{}, err
	}
	return s.userView(ctx, user), nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, fullName, designation string) (UserView, error) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return UserView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", map[string]string{"fullname": requiredText})
	}
	if err := s.store.UpdateUserProfile(ctx, session.UserID, fullName, strings.TrimSpace(designation)); err != nil {
		return UserView{}, err
	}
	return s.Me(ctx, session)
}

var signatureExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
}

// UploadSignature stores a png or jpeg signature image under a fresh key in
// signatures/ and makes it the actor's signature reference. Earlier uploads
// are never overwritten, so forms already signed keep their image.
func (s *Service) UploadSignature(ctx context.Context, session Session, data []byte) (UserView, error) {
	if s.blob == nil {
		return UserView{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage not configured", nil)
	}
	contentType := http.DetectContentType(data)
	ext, ok := signatureExtensions[contentType]
	if len(data) == 0 || !ok {
		return UserView{}, domainError(http.StatusUnprocessableEntity, "INVALID_SIGNATURE_IMAGE", "Signature must be a PNG or JPEG image", nil)
	}
	key := storage.PrefixSignatures + session.UserID + "/" + util.NewID("sig") + ext
	if err := s.blob.Put(ctx, key, data, contentType); err != nil {
		return UserView{}, fmt.Errorf("store signature: %w", err)
	}
	if err := s.store.UpdateUserSignature(ctx, session.UserID, key); err != nil {
		return UserView{}, err
	}
	s.logger.Info("signature uploaded", zap.String("user_id", session.UserID), zap.String("key", key))
	return s.Me(ctx, session)
}

func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, s.userView(ctx, user))
	}
	return views, nil
}

func (s *Service) CreateUser(ctx context.Context, req authpw.CreateUserRequest) (UserView, error) {
	if req.Role != "" && !rbac.Valid(req.Role) {
		return UserView{}, domainError(http.StatusUnprocessableEntity, "INVALID_ROLE", "Unknown role", nil)
	}
	user, err := s.passwords.CreateUser(ctx, req)
	if err != nil {
		return UserView{}, err
	}
	return s.userView(ctx, user), nil
}

// UpdateUserAccess changes role and signatory level.
func (s *Service) UpdateUserAccess(ctx context.Context, userID, role string, level int) (UserView, error) {
	if !rbac.Valid(role) {
		return UserView{}, domainError(http.StatusUnprocessableEntity, "INVALID_ROLE", "Unknown role", nil)
	}
	if level < 1 {
		return UserView{}, domainError(http.StatusUnprocessableEntity, "INVALID_LEVEL", "Signatory level must be at least 1", nil)
	}
	if err := s.store.UpdateUserAccess(ctx, userID, role, level); err != nil {
		return UserView{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	return s.userView(ctx, user), nil
}

func (s *Service) actor(ctx context.Context, session Session) (workflow.Actor, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return workflow.Actor{}, err
	}
	return workflow.ActorFromUser(user), nil
}
