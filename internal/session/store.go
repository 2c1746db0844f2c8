// Package session keeps in-progress form sessions between requests.
package session

import (
	"context"
	"errors"

	"cmms/api/internal/workflow"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("form session not found or expired")

// Store persists form sessions by ID. Saving resets the expiry.
type Store interface {
	Save(ctx context.Context, s *workflow.Session) error
	Load(ctx context.Context, id string) (*workflow.Session, error)
	Delete(ctx context.Context, id string) error
}
