package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"cmms/api/internal/auth"
	"cmms/api/internal/authpw"
	"cmms/api/internal/export"
	"cmms/api/internal/history"
	"cmms/api/internal/placeholder"
	"cmms/api/internal/session"
	"cmms/api/internal/storage"
	"cmms/api/internal/store"
	"cmms/api/internal/templates"
	"cmms/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

// mapError translates service errors into the HTTP error envelope.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var rowErr *workflow.IncompleteRowError
	switch {
	case errors.As(err, &rowErr):
		return http.StatusUnprocessableEntity, "INCOMPLETE_ROW", "Complete every visible row before submitting", map[string]any{"fields": rowErr.Fields}
	case errors.Is(err, placeholder.ErrTemplateParse), errors.Is(err, workflow.ErrInvalidTemplate):
		return http.StatusUnprocessableEntity, "TEMPLATE_PARSE_ERROR", "Template could not be parsed", nil
	case errors.Is(err, workflow.ErrMissingSignature):
		return http.StatusUnprocessableEntity, "MISSING_SIGNATURE", "Sign your slot before submitting", nil
	case errors.Is(err, workflow.ErrSignatureConflict):
		return http.StatusConflict, "SIGNATURE_CONFLICT", "Signature slot already signed by someone else", nil
	case errors.Is(err, workflow.ErrSignatureOrder):
		return http.StatusConflict, "SIGNATURE_ORDER", "Lower signature levels must sign first", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported document format", nil
	case errors.Is(err, export.ErrGenerationFailed):
		return http.StatusBadGateway, "GENERATION_FAILED", "Document generation failed", nil
	case errors.Is(err, workflow.ErrReadOnly), errors.Is(err, store.ErrSubmissionClosed):
		return http.StatusConflict, "READ_ONLY", "Form is read-only", nil
	case errors.Is(err, workflow.ErrFieldLocked):
		return http.StatusConflict, "FIELD_LOCKED", "Field is locked by an existing signature", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Submission changed since it was opened", nil
	case errors.Is(err, store.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, workflow.ErrSignatoryLevel):
		return http.StatusForbidden, "SIGNATORY_LEVEL", "Your signatory level cannot sign this slot", nil
	case errors.Is(err, workflow.ErrUnknownPlaceholder):
		return http.StatusUnprocessableEntity, "UNKNOWN_PLACEHOLDER", "Unknown placeholder", nil
	case errors.Is(err, workflow.ErrSignatureField):
		return http.StatusUnprocessableEntity, "SIGNATURE_FIELD", "Signature fields are filled by signing", nil
	case errors.Is(err, workflow.ErrNotSignatureField):
		return http.StatusUnprocessableEntity, "NOT_SIGNATURE_FIELD", "Placeholder is not a signature slot", nil
	case errors.Is(err, workflow.ErrNoSignatureOnFile):
		return http.StatusUnprocessableEntity, "NO_SIGNATURE_ON_FILE", "Upload a signature before signing", nil
	case errors.Is(err, templates.ErrInvalidName), errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, "INVALID_NAME", "Invalid name", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusBadRequest, "INVALID_USER", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "FORM_NOT_FOUND", "Form session not found or expired", nil
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, templates.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, history.ErrNoHistory), errors.Is(err, history.ErrUnknownRevision):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
