// Package history records every saved revision of a submission in its own
// git repository.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cmms/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "submission.json"

var (
	ErrNoHistory       = errors.New("submission has no history")
	ErrUnknownRevision = errors.New("unknown revision")
)

// Snapshot is the content committed for one revision.
type Snapshot struct {
	ID           string            `json:"id"`
	Filename     string            `json:"filename"`
	TemplateName string            `json:"templateName"`
	FilledBy     string            `json:"filledBy"`
	Status       string            `json:"status"`
	Version      int               `json:"version"`
	Placeholders []string          `json:"placeholders"`
	FilledData   map[string]string `json:"filledData"`
}

// FieldChange is one value that differs between two snapshots.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

func SnapshotOf(sub store.Submission) Snapshot {
	return Snapshot{
		ID:           sub.ID,
		Filename:     sub.Filename,
		TemplateName: sub.TemplateName,
		FilledBy:     sub.FilledBy,
		Status:       sub.Status,
		Version:      sub.Version,
		Placeholders: sub.Placeholders,
		FilledData:   sub.FilledData,
	}
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits the current state of sub. The repository is created on the
// first call for a submission.
func (s *Service) Record(sub store.Submission, author, message string) (store.CommitInfo, error) {
	lock := s.submissionLock(sub.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(sub.ID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(SnapshotOf(sub), "", "  ")
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@cmms.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits newest first. limit <= 0 returns all of them.
func (s *Service) History(submissionID string, limit int) ([]store.CommitInfo, error) {
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(submissionID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Revision returns the snapshot committed at hash and what changed relative
// to its parent. The first revision reports every non-empty value.
func (s *Service) Revision(submissionID, hash string) (Snapshot, []FieldChange, error) {
	lock := s.submissionLock(submissionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(submissionID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	current, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, nil, err
	}

	var previous Snapshot
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return Snapshot{}, nil, fmt.Errorf("read parent of %s: %w", hash, err)
		}
		if previous, err = readSnapshot(parent); err != nil {
			return Snapshot{}, nil, err
		}
	}
	return current, DiffValues(previous, current), nil
}

// DiffValues lists changed filled values and status, sorted by field.
func DiffValues(from, to Snapshot) []FieldChange {
	changes := make([]FieldChange, 0)
	if from.Status != to.Status {
		changes = append(changes, FieldChange{Field: "status", Before: from.Status, After: to.Status})
	}
	seen := make(map[string]struct{}, len(to.FilledData))
	for key, after := range to.FilledData {
		seen[key] = struct{}{}
		if before := from.FilledData[key]; before != after {
			changes = append(changes, FieldChange{Field: key, Before: before, After: after})
		}
	}
	for key, before := range from.FilledData {
		if _, ok := seen[key]; !ok && before != "" {
			changes = append(changes, FieldChange{Field: key, Before: before})
		}
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func (s *Service) repoPath(submissionID string) string {
	return filepath.Join(s.baseDir, submissionID)
}

func (s *Service) open(submissionID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(submissionID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(submissionID string) (*git.Repository, error) {
	path := s.repoPath(submissionID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) submissionLock(submissionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[submissionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[submissionID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		if _, err := repo.CommitObject(plumbing.NewHash(hash)); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrUnknownRevision, hash)
		}
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrUnknownRevision, hash)
	}
	return *resolved, nil
}
