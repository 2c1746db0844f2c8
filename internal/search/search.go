// Package search finds stored submissions by free text, status and author.
package search

import (
	"context"
	"strings"
	"time"

	"cmms/api/internal/store"
)

// Sort keys accepted by Query.Sort.
const (
	SortTimestamp = "timestamp"
	SortFilename  = "filename"
	SortFilledBy  = "filledBy"
	SortStatus    = "status"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	TemplateName string    `json:"templateName"`
	FilledBy     string    `json:"filledBy"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"timestamp"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Status   string
	FilledBy string
	Sort     string
	Desc     bool
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a submission search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// SubmissionRecord is the data we index for a submission.
type SubmissionRecord struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	TemplateName string `json:"templateName"`
	FilledBy     string `json:"filledBy"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

func RecordFromSubmission(sub store.Submission) SubmissionRecord {
	return SubmissionRecord{
		ID:           sub.ID,
		Filename:     sub.Filename,
		TemplateName: sub.TemplateName,
		FilledBy:     sub.FilledBy,
		Status:       sub.Status,
		Timestamp:    sub.UpdatedAt.Unix(),
	}
}

// Normalize fills defaults: newest first, 20 results.
func (q Query) Normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	switch q.Sort {
	case SortTimestamp, SortFilename, SortFilledBy, SortStatus:
	case "":
		q.Sort = SortTimestamp
		q.Desc = true
	default:
		q.Sort = SortTimestamp
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
