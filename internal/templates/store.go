// Package templates lists and fetches the spreadsheet templates requests are
// filled from.
package templates

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"cmms/api/internal/storage"
)

const Extension = ".xlsx"

var (
	ErrNotFound    = errors.New("template not found")
	ErrInvalidName = errors.New("invalid template name")
)

// Store reads templates from object storage under storage.PrefixTemplates.
type Store struct {
	blob    storage.Blob
	timeout time.Duration
}

func NewStore(blob storage.Blob, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{blob: blob, timeout: timeout}
}

// List returns template filenames in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	objects, err := s.blob.List(ctx, storage.PrefixTemplates)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, storage.PrefixTemplates)
		if strings.Contains(name, "/") || !strings.EqualFold(path.Ext(name), Extension) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Fetch returns the raw bytes of the named template.
func (s *Store) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.blob.Get(ctx, storage.PrefixTemplates+name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch template %s: %w", name, err)
	}
	return data, nil
}

// Upload stores a template, replacing any previous one with the same name.
func (s *Store) Upload(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.blob.Put(ctx, storage.PrefixTemplates+name, data, storage.ContentTypeFor(name)); err != nil {
		return fmt.Errorf("upload template %s: %w", name, err)
	}
	return nil
}

// ValidateName accepts plain file names ending in .xlsx.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == Extension ||
		!strings.HasSuffix(strings.ToLower(name), Extension) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// NameFromFilename recovers the template a submission was filled from.
// Submission filenames extend the template name, so everything after the
// first ".xlsx" is dropped.
func NameFromFilename(filename string) (string, error) {
	idx := strings.Index(strings.ToLower(filename), Extension)
	if idx <= 0 {
		return "", fmt.Errorf("%w: %q has no %s extension", ErrInvalidName, filename, Extension)
	}
	return filename[:idx+len(Extension)], nil
}
