package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("CMMS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CMMS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestSubmissionLifecyclePostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSubmission(ctx, Submission{
		TemplateName: "request.xlsx",
		FilledData:   map[string]string{"office": "HQ", "signature1": "sig-a"},
		Placeholders: []string{"office", "signature1", "signature2"},
		FilledBy:     "Ada Lane",
		AuthorID:     "u-1",
		SignedBy:     map[string]string{"signature1": "u-1"},
		Status:       "pending",
	})
	if err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	if created.ID == "" || created.DocID != created.ID {
		t.Fatalf("doc id not attached: %+v", created)
	}
	if created.Filename != "request.xlsx_Ada Lane_"+created.ID {
		t.Fatalf("Filename = %q", created.Filename)
	}
	if created.Version != 1 || created.SignedBy["signature1"] != "u-1" {
		t.Fatalf("created = %+v", created)
	}

	next := created
	next.FilledData = map[string]string{"office": "HQ", "signature1": "sig-a", "signature2": "sig-b"}
	next.SignedBy = map[string]string{"signature1": "u-1", "signature2": "u-2"}
	next.Status = "approved"
	updated, err := s.UpdateSubmission(ctx, next)
	if err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	if updated.Version != 2 || updated.Status != "approved" || updated.FilledData["signature2"] != "sig-b" || updated.SignedBy["signature2"] != "u-2" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	if updated.Filename != created.Filename {
		t.Fatalf("update must keep filename, got %q", updated.Filename)
	}

	if _, err := s.UpdateSubmission(ctx, updated); !errors.Is(err, ErrSubmissionClosed) {
		t.Fatalf("update of approved error = %v, want ErrSubmissionClosed", err)
	}

	missing := updated
	missing.ID = "does-not-exist"
	if _, err := s.UpdateSubmission(ctx, missing); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("update of missing error = %v, want sql.ErrNoRows", err)
	}
}

func TestSubmissionVersionConflictPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSubmission(ctx, Submission{
		TemplateName: "request.xlsx",
		FilledData:   map[string]string{"office": "HQ"},
		FilledBy:     "Ada",
		Status:       "pending",
	})
	if err != nil {
		t.Fatal(err)
	}

	first := created
	first.FilledData = map[string]string{"office": "Annex"}
	if _, err := s.UpdateSubmission(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale := created
	stale.FilledData = map[string]string{"office": "Depot"}
	if _, err := s.UpdateSubmission(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, err := s.GetSubmission(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FilledData["office"] != "Annex" {
		t.Fatalf("stale write leaked: %v", got.FilledData)
	}
}

func TestListRecentSubmissionsPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, author := range []string{"A", "B", "C"} {
		sub, err := s.CreateSubmission(ctx, Submission{TemplateName: "t.xlsx", FilledBy: author, Status: "pending"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sub.ID)
		time.Sleep(10 * time.Millisecond)
	}

	all, err := s.ListRecentSubmissions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("unexpected order: %+v", all)
	}

	limited, err := s.ListRecentSubmissions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("len = %d, want 2", len(limited))
	}
}

func TestUsersPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "u-1", Email: "ada@example.com", FullName: "Ada"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := s.CreateUser(ctx, User{ID: "u-2", Email: "ADA@example.com"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email error = %v, want ErrEmailTaken", err)
	}

	if err := s.UpdateUserProfile(ctx, "u-1", "Ada Lane", "Clerk"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateUserSignature(ctx, "u-1", "signatures/u-1.png"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateUserAccess(ctx, "u-1", "admin", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateUserAccess(ctx, "nobody", "admin", 2); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("update of missing user error = %v", err)
	}

	user, err := s.GetUserByEmail(ctx, "Ada@Example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user.FullName != "Ada Lane" || user.Designation != "Clerk" || user.SignatureRef != "signatures/u-1.png" || user.SignatoryLevel != 2 || user.Role != "admin" {
		t.Fatalf("unexpected user: %+v", user)
	}

	count, err := s.CountUsers(ctx)
	if err != nil || count != 1 {
		t.Fatalf("CountUsers() = %d, %v", count, err)
	}

	exp := time.Now().Add(time.Hour)
	if err := s.RevokeAccessToken(ctx, "jti-1", exp); err != nil {
		t.Fatal(err)
	}
	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("IsAccessTokenRevoked() = %v, %v", revoked, err)
	}
}

func TestSubmissionFilenames(t *testing.T) {
	if got := SubmissionFilename("request.xlsx", "Ada"); got != "request.xlsx_Ada" {
		t.Fatalf("SubmissionFilename() = %q", got)
	}
	if got := TrackedFilename("request.xlsx", "Ada", "abc"); got != "request.xlsx_Ada_abc" {
		t.Fatalf("TrackedFilename() = %q", got)
	}
}
