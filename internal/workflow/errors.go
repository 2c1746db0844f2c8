package workflow

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTemplate    = errors.New("invalid template")
	ErrReadOnly           = errors.New("form is read-only")
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
	ErrSignatureField     = errors.New("signature fields can only be set by signing")
	ErrFieldLocked        = errors.New("field locked by an existing signature")
	ErrNotSignatureField  = errors.New("not a signature field")
	ErrSignatoryLevel     = errors.New("signatory level does not permit signing this slot")
	ErrNoSignatureOnFile  = errors.New("no signature on file")
	ErrSignatureConflict  = errors.New("signature slot already signed by another actor")
	ErrSignatureOrder     = errors.New("lower signature levels must sign first")
	ErrMissingSignature   = errors.New("missing signature")
	ErrIncompleteRow      = errors.New("incomplete row")
	ErrUnknownPolicy      = errors.New("unknown signing policy")
)

// IncompleteRowError lists the visible row fields left empty at submit.
type IncompleteRowError struct {
	Fields []string
}

func (e *IncompleteRowError) Error() string {
	return "incomplete row: missing " + strings.Join(e.Fields, ", ")
}

func (e *IncompleteRowError) Is(target error) bool {
	return target == ErrIncompleteRow
}
