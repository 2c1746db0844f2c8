package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cmms/api/internal/config"
	"cmms/api/internal/export"
	"cmms/api/internal/history"
	"cmms/api/internal/search"
	"cmms/api/internal/session"
	"cmms/api/internal/storage"
	"cmms/api/internal/store"
	"cmms/api/internal/templates"
	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"
)

// fakeStore keeps users and submissions in memory and mimics the version
// check of the Postgres store.
type fakeStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	submissions map[string]store.Submission
	revoked     map[string]bool
	seq         int
	pingFn      func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		submissions: make(map[string]store.Submission),
		revoked:     make(map[string]bool),
	}
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrEmailTaken
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

func (f *fakeStore) update(id string, apply func(*store.User)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	apply(&user)
	f.users[id] = user
	return nil
}

func (f *fakeStore) UpdateUserProfile(_ context.Context, id, fullName, designation string) error {
	return f.update(id, func(u *store.User) { u.FullName, u.Designation = fullName, designation })
}

func (f *fakeStore) UpdateUserSignature(_ context.Context, id, ref string) error {
	return f.update(id, func(u *store.User) { u.SignatureRef = ref })
}

func (f *fakeStore) UpdateUserAccess(_ context.Context, id, role string, level int) error {
	return f.update(id, func(u *store.User) { u.Role, u.SignatoryLevel = role, level })
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) CreateSubmission(_ context.Context, sub store.Submission) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	sub.ID = fmt.Sprintf("sub%d", f.seq)
	sub.DocID = sub.ID
	sub.Filename = store.TrackedFilename(sub.TemplateName, sub.FilledBy, sub.ID)
	sub.Version = 1
	sub.CreatedAt = time.Now().UTC()
	sub.UpdatedAt = sub.CreatedAt
	f.submissions[sub.ID] = cloneSubmission(sub)
	return cloneSubmission(sub), nil
}

func (f *fakeStore) UpdateSubmission(_ context.Context, sub store.Submission) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.submissions[sub.ID]
	if !ok {
		return store.Submission{}, sql.ErrNoRows
	}
	if current.Status != "pending" {
		return store.Submission{}, store.ErrSubmissionClosed
	}
	if current.Version != sub.Version {
		return store.Submission{}, store.ErrVersionConflict
	}
	current.FilledData = sub.FilledData
	current.SignedBy = sub.SignedBy
	current.Status = sub.Status
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	f.submissions[sub.ID] = cloneSubmission(current)
	return cloneSubmission(current), nil
}

func (f *fakeStore) GetSubmission(_ context.Context, id string) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[id]
	if !ok {
		return store.Submission{}, sql.ErrNoRows
	}
	return cloneSubmission(sub), nil
}

func (f *fakeStore) ListRecentSubmissions(context.Context, int) ([]store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Submission, 0, len(f.submissions))
	for _, sub := range f.submissions {
		items = append(items, cloneSubmission(sub))
	}
	return items, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func cloneSubmission(sub store.Submission) store.Submission {
	data := make(map[string]string, len(sub.FilledData))
	for k, v := range sub.FilledData {
		data[k] = v
	}
	sub.FilledData = data
	signers := make(map[string]string, len(sub.SignedBy))
	for k, v := range sub.SignedBy {
		signers[k] = v
	}
	sub.SignedBy = signers
	sub.Placeholders = append([]string(nil), sub.Placeholders...)
	return sub
}

// 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func requestTemplate(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	cells := map[string]string{
		"A1": "Office: {{office}}",
		"A2": "{{article1}}", "B2": "{{quantity1}}",
		"A3": "{{article2}}", "B3": "{{quantity2}}",
		"A5": "{{signature1}}", "B5": "{{name1:}}", "C5": "{{designation1:}}", "D5": "{{date1:}}",
		"A6": "{{signature2}}", "B6": "{{name2:}}", "C6": "{{designation2:}}", "D6": "{{date2:}}",
	}
	for cell, value := range cells {
		if err := f.SetCellValue("Sheet1", cell, value); err != nil {
			t.Fatalf("SetCellValue(%s) error = %v", cell, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}
	return buf.Bytes()
}

const testPassword = "correct-horse"

type testEnv struct {
	svc   *Service
	store *fakeStore
	blob  storage.Blob
	forms *session.MemoryStore

	requester Session
	approver  Session
	viewer    Session
	admin     Session
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		CORSOrigin:     "*",
		MaxRows:        3,
		ServiceTimeout: 5 * time.Second,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	blob, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir() error = %v", err)
	}
	tpls := templates.NewStore(blob, time.Second)
	if err := tpls.Upload(ctx, "request.xlsx", requestTemplate(t)); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	for _, key := range []string{"signatures/u-req.png", "signatures/u-app.png"} {
		if err := blob.Put(ctx, key, pngPixel, "image/png"); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	fs := newFakeStore()
	forms := session.NewMemoryStore(time.Hour)
	svc, err := New(testConfig(), nil, Dependencies{
		Store:     fs,
		Templates: tpls,
		Forms:     forms,
		Generator: export.NewGenerator(tpls, blob, 5*time.Second, nil),
		History:   history.New(t.TempDir()),
		Search:    search.NewService(nil, nil, nil),
		Blob:      blob,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	env := &testEnv{svc: svc, store: fs, blob: blob, forms: forms}
	env.requester = env.addUser(t, store.User{ID: "u-req", Email: "ada@plant.test", FullName: "Ada Lane", Designation: "Technician", SignatureRef: "signatures/u-req.png", SignatoryLevel: 1, Role: "requester"})
	env.approver = env.addUser(t, store.User{ID: "u-app", Email: "bo@plant.test", FullName: "Bo Reyes", Designation: "Supervisor", SignatureRef: "signatures/u-app.png", SignatoryLevel: 2, Role: "requester"})
	env.viewer = env.addUser(t, store.User{ID: "u-view", Email: "cy@plant.test", FullName: "Cy Viewer", SignatoryLevel: 1, Role: "viewer"})
	env.admin = env.addUser(t, store.User{ID: "u-admin", Email: "admin@plant.test", FullName: "Admin", SignatoryLevel: 1, Role: "admin"})
	return env
}

func (e *testEnv) addUser(t *testing.T, user store.User) Session {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user.PasswordHash = string(hash)
	if err := e.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	session, err := e.svc.issueSession(user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return session
}
