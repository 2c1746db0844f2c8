package history

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cmms/api/internal/store"
)

func testSubmission() store.Submission {
	return store.Submission{
		ID:           "sub1",
		Filename:     "request.xlsx_Jordan Reyes_sub1",
		TemplateName: "request.xlsx",
		FilledBy:     "Jordan Reyes",
		Status:       "pending",
		Version:      1,
		Placeholders: []string{"office", "signature1", "signature2"},
		FilledData:   map[string]string{"office": "Plant A", "signature1": "signatures/u1.png", "signature2": ""},
	}
}

func TestRecordAndHistory(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	tick := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}

	sub := testSubmission()
	first, err := svc.Record(sub, "Jordan Reyes", "create: pending")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(first.Hash) != 7 || first.Author != "Jordan Reyes" {
		t.Fatalf("unexpected commit: %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "sub1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	sub.Version = 2
	sub.Status = "approved"
	sub.FilledData = map[string]string{"office": "Plant A", "signature1": "signatures/u1.png", "signature2": "signatures/u2.png"}
	second, err := svc.Record(sub, "Sam Okafor", "sign: approved")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	items, err := svc.History("sub1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(items))
	}
	if items[0].Hash != second.Hash || !strings.HasPrefix(items[0].Message, "sign: approved") {
		t.Fatalf("newest commit should come first: %+v", items)
	}

	limited, err := svc.History("sub1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit=1) = %v, %v", limited, err)
	}

	snap, changes, err := svc.Revision("sub1", second.Hash)
	if err != nil {
		t.Fatalf("Revision() error = %v", err)
	}
	if snap.Version != 2 || snap.FilledData["signature2"] != "signatures/u2.png" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	want := []FieldChange{
		{Field: "signature2", Before: "", After: "signatures/u2.png"},
		{Field: "status", Before: "pending", After: "approved"},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v, want %+v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes[%d] = %+v, want %+v", i, changes[i], want[i])
		}
	}

	_, initial, err := svc.Revision("sub1", first.Hash)
	if err != nil {
		t.Fatalf("Revision(first) error = %v", err)
	}
	if len(initial) != 3 {
		t.Fatalf("first revision should list status, office and signature1: %+v", initial)
	}
}

func TestHistoryUnknownSubmission(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("missing", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("History() error = %v, want ErrNoHistory", err)
	}
}

func TestRevisionUnknownHash(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Record(testSubmission(), "Jordan", "create"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	for _, hash := range []string{"zzzzzzz", strings.Repeat("0", 40)} {
		if _, _, err := svc.Revision("sub1", hash); !errors.Is(err, ErrUnknownRevision) {
			t.Errorf("Revision(%q) error = %v, want ErrUnknownRevision", hash, err)
		}
	}
}

func TestConcurrentRecords(t *testing.T) {
	svc := New(t.TempDir())
	sub := testSubmission()
	if _, err := svc.Record(sub, "Jordan", "create"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sub
			s.Version = i + 2
			if _, err := svc.Record(s, "Jordan", "update"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Record() error = %v", err)
	}

	items, err := svc.History(sub.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 6 {
		t.Fatalf("expected 6 commits, got %d", len(items))
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{
		"Jordan Reyes": "Jordan.Reyes",
		"a_b-c":        "a.b.c",
		"!!!":          "user",
	}
	for in, want := range cases {
		if got := sanitizeEmail(in); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
