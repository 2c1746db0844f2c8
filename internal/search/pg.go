package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var pgSortColumns = map[string]string{
	SortTimestamp: "updated_at",
	SortFilename:  "filename",
	SortFilledBy:  "filled_by",
	SortStatus:    "status",
}

// Pg implements Searcher with ILIKE matching over form_submissions.
type Pg struct {
	db *sql.DB
}

func NewPg(db *sql.DB) *Pg {
	return &Pg{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *Pg) Healthy() bool {
	return true
}

func (p *Pg) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = q.Normalize()
	where, args, order := buildPgQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM form_submissions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, filename, template_name, filled_by, status, updated_at
		FROM form_submissions%s
		ORDER BY %s
		LIMIT %d OFFSET %d`, where, order, q.Limit, q.Offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Filename, &r.TemplateName, &r.FilledBy, &r.Status, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildPgQuery expects a normalized query.
func buildPgQuery(q Query) (string, []any, string) {
	var clauses []string
	var args []any
	if q.Text != "" {
		args = append(args, "%"+escapeLike(q.Text)+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(template_name ILIKE $%d OR filled_by ILIKE $%d OR filename ILIKE $%d OR status ILIKE $%d)", n, n, n, n))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.FilledBy != "" {
		args = append(args, q.FilledBy)
		clauses = append(clauses, fmt.Sprintf("filled_by = $%d", len(args)))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	order := pgSortColumns[q.Sort] + " " + dir + ", id"
	return where, args, order
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
