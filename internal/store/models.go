package store

import (
	"errors"
	"time"
)

var (
	// ErrVersionConflict means the submission changed since it was read.
	ErrVersionConflict = errors.New("submission version conflict")
	// ErrSubmissionClosed means the submission is no longer pending.
	ErrSubmissionClosed = errors.New("submission is not pending")
	// ErrEmailTaken is returned when creating a user with an existing email.
	ErrEmailTaken = errors.New("email already registered")
)

type User struct {
	ID             string
	Email          string
	PasswordHash   string
	FullName       string
	Designation    string
	SignatureRef   string
	SignatoryLevel int
	Role           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Submission is a persisted filled form.
type Submission struct {
	ID           string
	DocID        string
	Filename     string
	TemplateName string
	FilledData   map[string]string
	Placeholders []string
	FilledBy     string
	AuthorID     string
	// SignedBy maps each filled signature slot to its signer's user id.
	SignedBy  map[string]string
	Status    string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// SubmissionFilename is the name given to a new submission before its id is
// known.
func SubmissionFilename(templateName, author string) string {
	return templateName + "_" + author
}

// TrackedFilename appends the record id once it has been assigned.
func TrackedFilename(templateName, author, id string) string {
	return SubmissionFilename(templateName, author) + "_" + id
}
