package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/greptilebot/greptilebot/internal/greptile"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

// fakeIndexer is a minimal stand-in for the indexing service.
type fakeIndexer struct {
	mu sync.Mutex

	// statuses maps "remote:branch:owner/name" to the reported state.
	statuses map[string]greptile.RepositoryStatus

	submissions []greptile.SubmitRepositoryRequest
	statusCalls int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{statuses: make(map[string]greptile.RepositoryStatus)}
}

func (f *fakeIndexer) setStatus(id, status string, processed, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses[id] = greptile.RepositoryStatus{
		Status:         status,
		FilesProcessed: processed,
		NumFiles:       total,
	}
}

func (f *fakeIndexer) submittedReloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, sub := range f.submissions {
		if sub.Reload {
			n++
		}
	}

	return n
}

func (f *fakeIndexer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repositories":
			var req greptile.SubmitRepositoryRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)

				return
			}

			f.submissions = append(f.submissions, req)

			id := req.Remote + ":" + req.Branch + ":" + req.Repository
			if _, ok := f.statuses[id]; !ok || req.Reload {
				f.statuses[id] = greptile.RepositoryStatus{Status: "submitted"}
			}

			_ = json.NewEncoder(w).Encode(greptile.SubmitRepositoryResponse{Message: "started"})

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/repositories/"):
			f.statusCalls++

			id := strings.TrimPrefix(r.URL.Path, "/repositories/")

			status, ok := f.statuses[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)

				return
			}

			_ = json.NewEncoder(w).Encode(status)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type testEnv struct {
	manager *Manager
	store   *sqlite.Store
	fake    *fakeIndexer
	clock   *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fake := newFakeIndexer()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	s, err := sqlite.New(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SeedConfigDefaults(model.ConfigDefaults))

	api, err := greptile.NewClient("test-key", "gh-token", greptile.ClientOptions{
		BaseURL: server.URL,
		Retries: 1,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	manager := NewManager(s, api, Options{
		PollInterval: time.Minute,
	})

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	env := &testEnv{manager: manager, store: s, fake: fake, clock: &now}
	manager.SetClock(func() time.Time { return *env.clock })

	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func TestSubmitCreatesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	repo, err := env.manager.Submit(ctx, "github", "acme", "widgets", "", false)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, repo.Status)
	require.Equal(t, "main", repo.Branch) // configured default

	stored, err := env.store.GetRepository(repo.ID)
	require.NoError(t, err)
	require.Equal(t, "acme/widgets", stored.FullName())
}

func TestSubmitDeclinesDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	_, err = env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)

	var tracked *AlreadyTrackedError

	require.ErrorAs(t, err, &tracked)
	require.Equal(t, "acme/widgets", tracked.Repository)

	// a different branch of the same repository is fine
	_, err = env.manager.Submit(ctx, "github", "acme", "widgets", "dev", false)
	require.NoError(t, err)
}

func TestSubmitReplacesPhantomRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	// the service forgets the job entirely
	env.fake.mu.Lock()
	delete(env.fake.statuses, "github:main:acme/widgets")
	env.fake.mu.Unlock()

	second, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	repos, err := env.store.ListRepositories()
	require.NoError(t, err)
	require.Len(t, repos, 1)
}

func TestReconcileTracksProgressToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	repo, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	env.fake.setStatus("github:main:acme/widgets", "processing", 40, 100)
	env.advance(time.Minute)
	env.manager.Reconcile(ctx)

	current, err := env.store.GetRepository(repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusIndexing, current.Status)
	require.Equal(t, 40, current.Progress)

	env.fake.setStatus("github:main:acme/widgets", "completed", 100, 100)
	env.advance(time.Minute)
	env.manager.Reconcile(ctx)

	current, err = env.store.GetRepository(repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, current.Status)

	// terminal repos are no longer polled
	before := env.fake.statusCalls
	env.manager.Reconcile(ctx)
	require.Equal(t, before, env.fake.statusCalls)
}

func TestReconcileResubmitsStuckJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	repo, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	env.fake.setStatus("github:main:acme/widgets", "processing", 40, 100)
	env.advance(time.Minute)
	env.manager.Reconcile(ctx)

	// progress freezes at 40 across two more poll intervals
	env.advance(time.Minute)
	env.manager.Reconcile(ctx)
	env.advance(time.Minute)
	env.manager.Reconcile(ctx)

	current, err := env.store.GetRepository(repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, current.Status)
	require.Equal(t, 0, current.Progress)
	require.Equal(t, 1, env.fake.submittedReloads())
}

func TestReconcileFailsJobPastTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SetConfig(model.KeyIndexingTimeout, "3600"))

	repo, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	// progress keeps moving so the stall detector stays quiet, but the
	// job as a whole outlives the timeout
	for i := 1; i <= 4; i++ {
		env.fake.setStatus("github:main:acme/widgets", "processing", i, 100)
		env.advance(20 * time.Minute)
		env.manager.Reconcile(ctx)
	}

	current, err := env.store.GetRepository(repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, current.Status)
	require.Zero(t, env.fake.submittedReloads())
}

func TestReconcileMarksForgottenJobFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	repo, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	env.fake.mu.Lock()
	delete(env.fake.statuses, "github:main:acme/widgets")
	env.fake.mu.Unlock()

	env.advance(time.Minute)
	env.manager.Reconcile(ctx)

	current, err := env.store.GetRepository(repo.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, current.Status)
}

func TestRemoveAllStopsPolling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	_, err = env.manager.Submit(ctx, "github", "acme", "gadgets", "main", false)
	require.NoError(t, err)

	require.NoError(t, env.manager.RemoveAll(ctx))

	before := env.fake.statusCalls
	env.manager.Reconcile(ctx)
	require.Equal(t, before, env.fake.statusCalls)

	repos, err := env.manager.List()
	require.NoError(t, err)
	require.Empty(t, repos)
}

func TestReindexAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	_, err = env.manager.Submit(ctx, "github", "acme", "gadgets", "main", false)
	require.NoError(t, err)

	resubmitted, err := env.manager.ReindexAll(ctx)
	require.NoError(t, err)
	require.Len(t, resubmitted, 2)
	require.Equal(t, 2, env.fake.submittedReloads())
}

func TestCompletedRefs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Submit(ctx, "github", "acme", "widgets", "main", false)
	require.NoError(t, err)

	refs, err := env.manager.CompletedRefs()
	require.NoError(t, err)
	require.Empty(t, refs)

	env.fake.setStatus("github:main:acme/widgets", "completed", 100, 100)
	env.advance(time.Minute)
	env.manager.Reconcile(ctx)

	refs, err = env.manager.CompletedRefs()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "acme/widgets", refs[0].Repository)
}

func TestMapRemoteStatus(t *testing.T) {
	tests := []struct {
		remote string
		want   model.RepoStatus
	}{
		{"submitted", model.StatusIndexing},
		{"CLONING", model.StatusIndexing},
		{"queued", model.StatusIndexing},
		{"processing", model.StatusIndexing},
		{"completed", model.StatusCompleted},
		{"ready", model.StatusCompleted},
		{"failed", model.StatusFailed},
		{"something-new", model.StatusIndexing},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			require.Equal(t, tt.want, mapRemoteStatus(tt.remote))
		})
	}
}
