package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const submissionColumns = `id, doc_id, filename, template_name, filled_data, placeholders, filled_by, author_id, signed_by, status, version, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var (
		sub          Submission
		filledData   []byte
		placeholders []byte
		signedBy     []byte
	)
	err := row.Scan(
		&sub.ID,
		&sub.DocID,
		&sub.Filename,
		&sub.TemplateName,
		&filledData,
		&placeholders,
		&sub.FilledBy,
		&sub.AuthorID,
		&signedBy,
		&sub.Status,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return Submission{}, err
	}
	sub.FilledData = map[string]string{}
	if len(filledData) > 0 {
		if err := json.Unmarshal(filledData, &sub.FilledData); err != nil {
			return Submission{}, fmt.Errorf("decode filled_data: %w", err)
		}
	}
	if len(placeholders) > 0 {
		if err := json.Unmarshal(placeholders, &sub.Placeholders); err != nil {
			return Submission{}, fmt.Errorf("decode placeholders: %w", err)
		}
	}
	sub.SignedBy = map[string]string{}
	if len(signedBy) > 0 {
		if err := json.Unmarshal(signedBy, &sub.SignedBy); err != nil {
			return Submission{}, fmt.Errorf("decode signed_by: %w", err)
		}
	}
	return sub, nil
}

// CreateSubmission inserts a submission named "{template}_{author}", then
// renames it to "{template}_{author}_{id}" and records the id as doc_id once
// the database has assigned it.
func (s *PostgresStore) CreateSubmission(ctx context.Context, sub Submission) (Submission, error) {
	filledData, err := json.Marshal(nonNilData(sub.FilledData))
	if err != nil {
		return Submission{}, fmt.Errorf("encode filled_data: %w", err)
	}
	placeholders, err := json.Marshal(sub.Placeholders)
	if err != nil {
		return Submission{}, fmt.Errorf("encode placeholders: %w", err)
	}
	signedBy, err := json.Marshal(nonNilData(sub.SignedBy))
	if err != nil {
		return Submission{}, fmt.Errorf("encode signed_by: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Submission{}, fmt.Errorf("begin create submission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO form_submissions (filename, template_name, filled_data, placeholders, filled_by, author_id, signed_by, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, SubmissionFilename(sub.TemplateName, sub.FilledBy), sub.TemplateName, string(filledData), string(placeholders), sub.FilledBy, sub.AuthorID, string(signedBy), sub.Status).Scan(&id)
	if err != nil {
		return Submission{}, fmt.Errorf("insert submission: %w", err)
	}

	created, err := scanSubmission(tx.QueryRowContext(ctx, `
		UPDATE form_submissions
		SET doc_id=$1, filename=$2
		WHERE id=$1
		RETURNING `+submissionColumns,
		id, TrackedFilename(sub.TemplateName, sub.FilledBy, id)))
	if err != nil {
		return Submission{}, fmt.Errorf("attach submission id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Submission{}, fmt.Errorf("commit submission: %w", err)
	}
	return created, nil
}

// UpdateSubmission overwrites the data, signers and status of a pending
// submission. sub.Version must match the stored version; it is bumped on
// success.
func (s *PostgresStore) UpdateSubmission(ctx context.Context, sub Submission) (Submission, error) {
	filledData, err := json.Marshal(nonNilData(sub.FilledData))
	if err != nil {
		return Submission{}, fmt.Errorf("encode filled_data: %w", err)
	}
	signedBy, err := json.Marshal(nonNilData(sub.SignedBy))
	if err != nil {
		return Submission{}, fmt.Errorf("encode signed_by: %w", err)
	}

	updated, err := scanSubmission(s.db.QueryRowContext(ctx, `
		UPDATE form_submissions
		SET filled_data=$2, signed_by=$3, status=$4, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$5 AND status='pending'
		RETURNING `+submissionColumns,
		sub.ID, string(filledData), string(signedBy), sub.Status, sub.Version))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Submission{}, fmt.Errorf("update submission: %w", err)
	}

	current, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		return Submission{}, err
	}
	if current.Status != "pending" {
		return Submission{}, ErrSubmissionClosed
	}
	return Submission{}, ErrVersionConflict
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	return scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM form_submissions WHERE id=$1`, id))
}

// ListRecentSubmissions returns submissions newest first. limit <= 0 returns
// all of them.
func (s *PostgresStore) ListRecentSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM form_submissions ORDER BY updated_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, sub)
	}
	return items, rows.Err()
}

func nonNilData(data map[string]string) map[string]string {
	if data == nil {
		return map[string]string{}
	}
	return data
}
