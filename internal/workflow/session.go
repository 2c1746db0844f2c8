// Package workflow holds the form session state machine, the signature gate
// and the submit rules of the request approval chain.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"cmms/api/internal/placeholder"
	"cmms/api/internal/store"
	"cmms/api/internal/util"
)

// DefaultMaxRows caps how many numbered rows a form can reveal.
const DefaultMaxRows = 7

// Session is the in-progress state of one actor working on one form, either
// a fresh template or a resumed submission.
type Session struct {
	ID                 string            `json:"id"`
	OwnerID            string            `json:"ownerId"`
	TemplateName       string            `json:"templateName"`
	SubmissionID       string            `json:"submissionId,omitempty"`
	SubmissionFilename string            `json:"submissionFilename,omitempty"`
	SubmissionVersion  int               `json:"submissionVersion,omitempty"`
	Status             Status            `json:"status"`
	Placeholders       []string          `json:"placeholders"`
	Values             map[string]string `json:"values"`
	Signers            map[string]string `json:"signers,omitempty"`
	ReadOnly           bool              `json:"readOnly"`
	VisibleRows        int               `json:"visibleRows"`
	MaxRows            int               `json:"maxRows"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// SelectTemplate starts an editable session over the placeholders found in
// the template content. Every placeholder starts empty.
func SelectTemplate(name string, content []byte, maxRows int) (*Session, error) {
	placeholders, err := placeholder.Extract(content)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidTemplate, name, err)
	}
	values := make(map[string]string, len(placeholders))
	for _, key := range placeholders {
		values[key] = ""
	}
	return &Session{
		ID:           util.NewID("form"),
		TemplateName: name,
		Status:       StatusPending,
		Placeholders: placeholders,
		Values:       values,
		Signers:      map[string]string{},
		VisibleRows:  1,
		MaxRows:      normalizeMaxRows(maxRows),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// ResumeSubmission reopens a stored submission. Anything not pending is
// read-only. Submissions saved without a placeholder list fall back to the
// keys of their data, sorted.
func ResumeSubmission(sub store.Submission, maxRows int) *Session {
	placeholders := append([]string(nil), sub.Placeholders...)
	if len(placeholders) == 0 {
		placeholders = make([]string, 0, len(sub.FilledData))
		for key := range sub.FilledData {
			placeholders = append(placeholders, key)
		}
		sort.Strings(placeholders)
	}
	values := make(map[string]string, len(placeholders))
	for _, key := range placeholders {
		values[key] = ""
	}
	for key, value := range sub.FilledData {
		values[key] = value
	}
	signers := make(map[string]string, len(sub.SignedBy))
	for key, uid := range sub.SignedBy {
		if values[key] != "" {
			signers[key] = uid
		}
	}
	return &Session{
		ID:                 util.NewID("form"),
		TemplateName:       sub.TemplateName,
		SubmissionID:       sub.ID,
		SubmissionFilename: sub.Filename,
		SubmissionVersion:  sub.Version,
		Status:             ParseStatus(sub.Status),
		Placeholders:       placeholders,
		Values:             values,
		Signers:            signers,
		ReadOnly:           sub.Status != string(StatusPending),
		VisibleRows:        1,
		MaxRows:            normalizeMaxRows(maxRows),
		CreatedAt:          time.Now().UTC(),
	}
}

func normalizeMaxRows(n int) int {
	if n < 1 {
		return DefaultMaxRows
	}
	return n
}

// Has reports whether key is one of the session's placeholders.
func (s *Session) Has(key string) bool {
	for _, p := range s.Placeholders {
		if p == key {
			return true
		}
	}
	return false
}

// IsVisible: non-row fields are always shown; row fields are shown within
// the revealed rows or whenever they already hold a value.
func (s *Session) IsVisible(key string) bool {
	tok := placeholder.Parse(key)
	if tok.Kind != placeholder.KindRow {
		return true
	}
	return tok.Row <= s.VisibleRows || s.Values[key] != ""
}

// AddRow reveals one more numbered row. It reports false at the cap.
func (s *Session) AddRow() bool {
	if s.VisibleRows >= s.MaxRows {
		return false
	}
	s.VisibleRows++
	return true
}

// SetValue writes a data field on behalf of actor.
func (s *Session) SetValue(actor Actor, key, value string) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	if !s.Has(key) {
		return fmt.Errorf("%w: %s", ErrUnknownPlaceholder, key)
	}
	switch placeholder.Parse(key).Kind {
	case placeholder.KindBreak:
		return fmt.Errorf("%w: %s", ErrUnknownPlaceholder, key)
	case placeholder.KindSignature:
		return fmt.Errorf("%w: %s", ErrSignatureField, key)
	}
	if level, ok := placeholder.CompanionLevel(key); ok && s.signed(level) {
		return fmt.Errorf("%w: %s", ErrFieldLocked, key)
	}
	if s.OtherLevelSigned(actor.SignatoryLevel) {
		return fmt.Errorf("%w: signed by another level", ErrFieldLocked)
	}
	s.Values[key] = value
	return nil
}

// OtherLevelSigned reports whether a slot of any level other than level
// carries a signature. Such a form is frozen for the actor except for their
// own signature slot. A signer keeps editing while theirs is the only
// signature on the form.
func (s *Session) OtherLevelSigned(level int) bool {
	for _, key := range s.Placeholders {
		tok := placeholder.Parse(key)
		if tok.Kind == placeholder.KindSignature && tok.Level != level && s.Values[key] != "" {
			return true
		}
	}
	return false
}

// unsignedBelow returns the first signature slot below level that is still
// empty, or "" once every lower level in the template is signed.
func (s *Session) unsignedBelow(level int) string {
	for _, key := range s.Placeholders {
		tok := placeholder.Parse(key)
		if tok.Kind == placeholder.KindSignature && tok.Level < level && !s.signed(tok.Level) {
			return key
		}
	}
	return ""
}

// heldBy reports whether actor is the signer of the filled slot key. Slots
// signed before signers were recorded fall back to the signature reference.
func (s *Session) heldBy(key string, actor Actor) bool {
	if uid := s.Signers[key]; uid != "" {
		return uid == actor.UID
	}
	return actor.Signature != "" && s.Values[key] == actor.Signature
}

// SignedBy maps each filled signature slot to the uid of its signer, where
// one was recorded.
func (s *Session) SignedBy() map[string]string {
	out := make(map[string]string, len(s.Signers))
	for key, uid := range s.Signers {
		if uid != "" && s.Values[key] != "" {
			out[key] = uid
		}
	}
	return out
}

func (s *Session) signed(level int) bool {
	for _, key := range s.Placeholders {
		tok := placeholder.Parse(key)
		if tok.Kind == placeholder.KindSignature && tok.Level == level && s.Values[key] != "" {
			return true
		}
	}
	return false
}

// SignatureLevels lists the distinct signature levels in the template,
// ascending.
func (s *Session) SignatureLevels() []int {
	seen := map[int]struct{}{}
	levels := make([]int, 0)
	for _, key := range s.Placeholders {
		tok := placeholder.Parse(key)
		if tok.Kind != placeholder.KindSignature {
			continue
		}
		if _, ok := seen[tok.Level]; ok {
			continue
		}
		seen[tok.Level] = struct{}{}
		levels = append(levels, tok.Level)
	}
	sort.Ints(levels)
	return levels
}

// DerivedStatus recomputes the status from the current values.
func (s *Session) DerivedStatus() Status {
	return DeriveStatus(s.Placeholders, s.Values)
}

// ValidateSubmit checks the actor's own signature and the completeness of
// every revealed row before anything is persisted.
func (s *Session) ValidateSubmit(actor Actor) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	own := placeholder.SignatureToken(actor.SignatoryLevel)
	if actor.SignatoryLevel == 1 && !s.Has(own) && s.Has("signature") {
		own = "signature"
	}
	if s.Has(own) && s.Values[own] == "" {
		return fmt.Errorf("%w: %s", ErrMissingSignature, own)
	}

	var missing []string
	for _, key := range s.Placeholders {
		tok := placeholder.Parse(key)
		if tok.Kind != placeholder.KindRow || tok.Row > s.VisibleRows {
			continue
		}
		if s.Values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &IncompleteRowError{Fields: missing}
	}
	return nil
}

// FilledData copies the values of the session's placeholders.
func (s *Session) FilledData() map[string]string {
	data := make(map[string]string, len(s.Placeholders))
	for _, key := range s.Placeholders {
		data[key] = s.Values[key]
	}
	return data
}
