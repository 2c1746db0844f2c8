package app

import (
	"context"
	"fmt"
	"strings"

	"cmms/api/internal/export"
	"cmms/api/internal/session"
	"cmms/api/internal/store"
	"cmms/api/internal/workflow"
	"go.uber.org/zap"
)

// FormView is what the form renderer receives after every action.
type FormView struct {
	ID           string           `json:"id"`
	TemplateName string           `json:"templateName"`
	SubmissionID string           `json:"submissionId,omitempty"`
	Filename     string           `json:"filename,omitempty"`
	Status       workflow.Status  `json:"status"`
	ReadOnly     bool             `json:"readOnly"`
	VisibleRows  int              `json:"visibleRows"`
	MaxRows      int              `json:"maxRows"`
	CanAddRow    bool             `json:"canAddRow"`
	Fields       []workflow.Field `json:"fields"`
}

func (s *Service) formView(fs *workflow.Session, actor workflow.Actor) FormView {
	return FormView{
		ID:           fs.ID,
		TemplateName: fs.TemplateName,
		SubmissionID: fs.SubmissionID,
		Filename:     fs.SubmissionFilename,
		Status:       fs.DerivedStatus(),
		ReadOnly:     fs.ReadOnly,
		VisibleRows:  fs.VisibleRows,
		MaxRows:      fs.MaxRows,
		CanAddRow:    !fs.ReadOnly && fs.VisibleRows < fs.MaxRows,
		Fields:       s.gate.Fields(fs, actor),
	}
}

// loadForm returns the caller's form session. Sessions owned by someone else
// are reported as missing.
func (s *Service) loadForm(ctx context.Context, sess Session, formID string) (*workflow.Session, workflow.Actor, error) {
	fs, err := s.forms.Load(ctx, formID)
	if err != nil {
		return nil, workflow.Actor{}, err
	}
	if fs.OwnerID != sess.UserID {
		return nil, workflow.Actor{}, session.ErrSessionNotFound
	}
	actor, err := s.actor(ctx, sess)
	if err != nil {
		return nil, workflow.Actor{}, err
	}
	return fs, actor, nil
}

// StartForm opens a fresh session over a template.
func (s *Service) StartForm(ctx context.Context, sess Session, templateName string) (FormView, error) {
	actor, err := s.actor(ctx, sess)
	if err != nil {
		return FormView{}, err
	}
	content, err := s.templates.Fetch(ctx, templateName)
	if err != nil {
		return FormView{}, err
	}
	fs, err := workflow.SelectTemplate(templateName, content, s.cfg.MaxRows)
	if err != nil {
		return FormView{}, err
	}
	fs.OwnerID = actor.UID
	if err := s.forms.Save(ctx, fs); err != nil {
		return FormView{}, fmt.Errorf("save form session: %w", err)
	}
	s.logger.Info("form started",
		zap.String("form_id", fs.ID),
		zap.String("template", templateName),
		zap.Int("placeholders", len(fs.Placeholders)),
	)
	return s.formView(fs, actor), nil
}

// ResumeForm opens a session over a stored submission. Approved submissions
// come back read-only.
func (s *Service) ResumeForm(ctx context.Context, sess Session, submissionID string) (FormView, error) {
	actor, err := s.actor(ctx, sess)
	if err != nil {
		return FormView{}, err
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return FormView{}, err
	}
	fs := workflow.ResumeSubmission(sub, s.cfg.MaxRows)
	fs.OwnerID = actor.UID
	if err := s.forms.Save(ctx, fs); err != nil {
		return FormView{}, fmt.Errorf("save form session: %w", err)
	}
	s.logger.Info("form resumed",
		zap.String("form_id", fs.ID),
		zap.String("submission_id", sub.ID),
		zap.Bool("read_only", fs.ReadOnly),
	)
	return s.formView(fs, actor), nil
}

func (s *Service) GetForm(ctx context.Context, sess Session, formID string) (FormView, error) {
	fs, actor, err := s.loadForm(ctx, sess, formID)
	if err != nil {
		return FormView{}, err
	}
	return s.formView(fs, actor), nil
}

func (s *Service) AbandonForm(ctx context.Context, sess Session, formID string) error {
	if _, _, err := s.loadForm(ctx, sess, formID); err != nil {
		return err
	}
	return s.forms.Delete(ctx, formID)
}

func (s *Service) SetValue(ctx context.Context, sess Session, formID, key, value string) (FormView, error) {
	fs, actor, err := s.loadForm(ctx, sess, formID)
	if err != nil {
		return FormView{}, err
	}
	if err := fs.SetValue(actor, strings.TrimSpace(key), value); err != nil {
		return FormView{}, err
	}
	if err := s.forms.Save(ctx, fs); err != nil {
		return FormView{}, fmt.Errorf("save form session: %w", err)
	}
	return s.formView(fs, actor), nil
}

// Sign fills a signature slot and its companions. changed is false when the
// actor had already signed the slot.
func (s *Service) Sign(ctx context.Context, sess Session, formID, key string) (view FormView, changed bool, err error) {
	fs, actor, err := s.loadForm(ctx, sess, formID)
	if err != nil {
		return FormView{}, false, err
	}
	changed, err = s.gate.Sign(fs, actor, strings.TrimSpace(key))
	if err != nil {
		return FormView{}, false, err
	}
	if changed {
		if err := s.forms.Save(ctx, fs); err != nil {
			return FormView{}, false, fmt.Errorf("save form session: %w", err)
		}
		s.logger.Info("slot signed", zap.String("form_id", fs.ID), zap.String("slot", key), zap.String("user_id", actor.UID))
	}
	return s.formView(fs, actor), changed, nil
}

// AddRow reveals the next numbered row. At the cap it is a no-op.
func (s *Service) AddRow(ctx context.Context, sess Session, formID string) (FormView, error) {
	fs, actor, err := s.loadForm(ctx, sess, formID)
	if err != nil {
		return FormView{}, err
	}
	if fs.ReadOnly {
		return FormView{}, workflow.ErrReadOnly
	}
	if fs.AddRow() {
		if err := s.forms.Save(ctx, fs); err != nil {
			return FormView{}, fmt.Errorf("save form session: %w", err)
		}
	}
	return s.formView(fs, actor), nil
}

// Submit validates the form, persists it with a status derived from the
// in-memory values and discards the session. Nothing is written when
// validation or persistence fails, and the session stays available.
func (s *Service) Submit(ctx context.Context, sess Session, formID string) (SubmissionView, error) {
	fs, actor, err := s.loadForm(ctx, sess, formID)
	if err != nil {
		return SubmissionView{}, err
	}
	if err := fs.ValidateSubmit(actor); err != nil {
		return SubmissionView{}, err
	}

	status := fs.DerivedStatus()
	action := "update"
	var saved store.Submission
	if fs.SubmissionID == "" {
		action = "create"
		saved, err = s.store.CreateSubmission(ctx, store.Submission{
			TemplateName: fs.TemplateName,
			FilledData:   fs.FilledData(),
			Placeholders: fs.Placeholders,
			FilledBy:     actor.DisplayName(),
			AuthorID:     actor.UID,
			SignedBy:     fs.SignedBy(),
			Status:       string(status),
		})
	} else {
		saved, err = s.store.UpdateSubmission(ctx, store.Submission{
			ID:         fs.SubmissionID,
			FilledData: fs.FilledData(),
			SignedBy:   fs.SignedBy(),
			Status:     string(status),
			Version:    fs.SubmissionVersion,
		})
	}
	if err != nil {
		return SubmissionView{}, err
	}

	s.recordHistory(saved, actor, action)
	if s.search != nil {
		s.search.IndexSubmission(saved)
	}
	if err := s.forms.Delete(ctx, fs.ID); err != nil {
		s.logger.Warn("discard form session", zap.String("form_id", fs.ID), zap.Error(err))
	}
	s.logger.Info("submission saved",
		zap.String("submission_id", saved.ID),
		zap.String("action", action),
		zap.String("status", saved.Status),
		zap.Int("version", saved.Version),
	)
	return submissionView(saved), nil
}

func (s *Service) recordHistory(sub store.Submission, actor workflow.Actor, action string) {
	if s.history == nil {
		return
	}
	message := fmt.Sprintf("%s %s (%s)", action, sub.Filename, sub.Status)
	if _, err := s.history.Record(sub, actor.DisplayName(), message); err != nil {
		s.logger.Warn("record history", zap.String("submission_id", sub.ID), zap.Error(err))
	}
}

// GeneratedDocument is returned instead of the bytes when the caller asks
// for the result to be uploaded.
type GeneratedDocument struct {
	Key      string `json:"key"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// GenerateForm fills the session's template with its current values.
func (s *Service) GenerateForm(ctx context.Context, sess Session, formID, format string) (*export.Result, error) {
	fs, _, err := s.loadForm(ctx, sess, formID)
	if err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	title := fs.SubmissionFilename
	if title == "" {
		title = fs.TemplateName
	}
	return s.generator.Generate(ctx, export.Request{
		TemplateName: fs.TemplateName,
		Values:       fs.FilledData(),
		Format:       parsed,
		Title:        title,
	})
}

// UploadDocument stores a generated document under generated/.
func (s *Service) UploadDocument(ctx context.Context, res *export.Result) (GeneratedDocument, error) {
	key, url, err := s.generator.Store(ctx, res)
	if err != nil {
		return GeneratedDocument{}, err
	}
	return GeneratedDocument{Key: key, URL: url, Filename: res.Filename, MimeType: res.MimeType}, nil
}
