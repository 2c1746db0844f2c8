package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cmms/api/internal/export"
	"cmms/api/internal/history"
	"cmms/api/internal/placeholder"
	"cmms/api/internal/search"
	"cmms/api/internal/storage"
	"cmms/api/internal/store"
	"cmms/api/internal/templates"
	"go.uber.org/zap"
)

type SubmissionView struct {
	ID           string            `json:"id"`
	Filename     string            `json:"filename"`
	TemplateName string            `json:"templateName"`
	FilledBy     string            `json:"filledBy"`
	AuthorID     string            `json:"authorId"`
	Status       string            `json:"status"`
	Version      int               `json:"version"`
	Placeholders []string          `json:"placeholders"`
	FilledData   map[string]string `json:"filledData"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"timestamp"`
}

func submissionView(sub store.Submission) SubmissionView {
	placeholders := sub.Placeholders
	if placeholders == nil {
		placeholders = []string{}
	}
	data := sub.FilledData
	if data == nil {
		data = map[string]string{}
	}
	return SubmissionView{
		ID:           sub.ID,
		Filename:     sub.Filename,
		TemplateName: sub.TemplateName,
		FilledBy:     sub.FilledBy,
		AuthorID:     sub.AuthorID,
		Status:       sub.Status,
		Version:      sub.Version,
		Placeholders: placeholders,
		FilledData:   data,
		CreatedAt:    sub.CreatedAt,
		UpdatedAt:    sub.UpdatedAt,
	}
}

type CommitView struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) ListTemplates(ctx context.Context) ([]string, error) {
	return s.templates.List(ctx)
}

// TemplateUpload describes a stored template.
type TemplateUpload struct {
	Name         string   `json:"name"`
	Placeholders []string `json:"placeholders"`
}

// UploadTemplate stores a workbook after checking that it parses.
func (s *Service) UploadTemplate(ctx context.Context, filename string, data []byte) (TemplateUpload, error) {
	name, err := templates.NameFromFilename(filename)
	if err != nil {
		return TemplateUpload{}, err
	}
	placeholders, err := placeholder.Extract(data)
	if err != nil {
		return TemplateUpload{}, err
	}
	if err := s.templates.Upload(ctx, name, data); err != nil {
		return TemplateUpload{}, err
	}
	s.logger.Info("template uploaded", zap.String("template", name), zap.Int("placeholders", len(placeholders)))
	return TemplateUpload{Name: name, Placeholders: placeholders}, nil
}

func (s *Service) ListSubmissions(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) GetSubmission(ctx context.Context, id string) (SubmissionView, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return SubmissionView{}, err
	}
	return submissionView(sub), nil
}

// SubmissionHistory lists recorded revisions newest first. A submission
// saved before history was enabled has an empty list.
func (s *Service) SubmissionHistory(ctx context.Context, id string, limit int) ([]CommitView, error) {
	if _, err := s.store.GetSubmission(ctx, id); err != nil {
		return nil, err
	}
	items := []CommitView{}
	if s.history == nil {
		return items, nil
	}
	commits, err := s.history.History(id, limit)
	if errors.Is(err, history.ErrNoHistory) {
		return items, nil
	}
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		items = append(items, CommitView{Hash: c.Hash, Message: c.Message, Author: c.Author, CreatedAt: c.CreatedAt})
	}
	return items, nil
}

// Revision is one recorded snapshot and the values it changed.
type Revision struct {
	Hash     string                `json:"hash"`
	Snapshot history.Snapshot      `json:"snapshot"`
	Changes  []history.FieldChange `json:"changes"`
}

func (s *Service) SubmissionRevision(ctx context.Context, id, hash string) (Revision, error) {
	if _, err := s.store.GetSubmission(ctx, id); err != nil {
		return Revision{}, err
	}
	if s.history == nil {
		return Revision{}, history.ErrNoHistory
	}
	snapshot, changes, err := s.history.Revision(id, hash)
	if err != nil {
		return Revision{}, err
	}
	if changes == nil {
		changes = []history.FieldChange{}
	}
	return Revision{Hash: hash, Snapshot: snapshot, Changes: changes}, nil
}

// SubmissionDocument generates a document from a stored submission.
func (s *Service) SubmissionDocument(ctx context.Context, id, format string) (*export.Result, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	res, err := s.generator.Generate(ctx, export.Request{
		TemplateName: sub.TemplateName,
		Values:       sub.FilledData,
		Format:       parsed,
		Title:        sub.Filename,
	})
	if err != nil {
		return nil, fmt.Errorf("submission %s: %w", sub.ID, err)
	}
	return res, nil
}

// File returns a stored object for backends without presigned URLs.
func (s *Service) File(ctx context.Context, key string) ([]byte, string, error) {
	if s.blob == nil {
		return nil, "", storage.ErrNotFound
	}
	key, err := storage.CleanKey(key)
	if err != nil {
		return nil, "", err
	}
	data, err := s.blob.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, storage.ContentTypeFor(key), nil
}
