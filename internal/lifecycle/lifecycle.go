// Package lifecycle tracks repositories through their indexing jobs.
//
// The local record is the source of truth for what the bot tracks; the
// remote indexing service is the source of truth for how far a job has
// gotten. Reconcile pulls the two back together.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/greptilebot/greptilebot/internal/auditlog"
	"github.com/greptilebot/greptilebot/internal/escalate"
	"github.com/greptilebot/greptilebot/internal/gh"
	"github.com/greptilebot/greptilebot/internal/greptile"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store"
)

const (
	// DefaultPollInterval is how often Reconcile runs.
	DefaultPollInterval = 30 * time.Minute

	// stuckAfterIntervals is how many poll intervals a job may sit
	// without progress before it is declared stuck.
	stuckAfterIntervals = 2

	stripeCount = 32
)

// AlreadyTrackedError indicates the repository is already being indexed.
type AlreadyTrackedError struct {
	Repository string
	Branch     string
}

func (e *AlreadyTrackedError) Error() string {
	return fmt.Sprintf("repository %s (branch %s) is already tracked", e.Repository, e.Branch)
}

// ErrRepoNotTracked indicates a lookup for a repository the bot does
// not track.
var ErrRepoNotTracked = errors.New("repository is not tracked")

// Manager owns the repository lifecycle: submission, polling,
// stuck-detection and recovery.
type Manager struct {
	store     store.Store
	api       *greptile.Client
	validator *gh.Validator
	escalator *escalate.Escalator
	audit     *auditlog.Log
	logger    *slog.Logger

	pollInterval time.Duration

	// now is swappable in tests.
	now func() time.Time

	stripes [stripeCount]sync.Mutex
}

// Options configures a Manager.
type Options struct {
	// Validator checks repositories against GitHub before submission.
	// Nil disables pre-submission validation.
	Validator *gh.Validator

	// Escalator receives error reports. Nil disables escalation.
	Escalator *escalate.Escalator

	// Audit receives lifecycle events. Nil disables audit logging.
	Audit *auditlog.Log

	// PollInterval overrides the reconcile cadence.
	PollInterval time.Duration

	Logger *slog.Logger
}

// NewManager creates a lifecycle Manager.
func NewManager(s store.Store, api *greptile.Client, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Manager{
		store:        s,
		api:          api,
		validator:    opts.Validator,
		escalator:    opts.Escalator,
		audit:        opts.Audit,
		logger:       logger,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// PollInterval returns the reconcile cadence.
func (m *Manager) PollInterval() time.Duration {
	return m.pollInterval
}

func (m *Manager) lockFor(remote, owner, name, branch string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(remote))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(owner))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(branch))

	return &m.stripes[h.Sum32()%stripeCount]
}

// mapRemoteStatus folds the service's job states into the local view.
func mapRemoteStatus(s string) model.RepoStatus {
	switch strings.ToLower(s) {
	case "completed", "ready":
		return model.StatusCompleted
	case "failed":
		return model.StatusFailed
	case "submitted", "cloning", "queued", "processing", "indexing":
		return model.StatusIndexing
	default:
		return model.StatusIndexing
	}
}

// Submit registers a repository for indexing. The branch defaults to
// the configured default branch, or the repository's own default when
// GitHub validation is enabled. Re-submitting a tracked repository is
// declined unless force is set.
func (m *Manager) Submit(ctx context.Context, remote, owner, name, branch string, force bool) (*model.Repository, error) {
	if remote == "" {
		remote = "github"
	}

	var info *gh.RepoInfo

	if m.validator != nil && remote == "github" {
		var err error

		info, err = m.validator.Lookup(ctx, owner, name)
		if err != nil {
			return nil, err
		}

		owner = info.Owner
		name = info.Name
	}

	if branch == "" {
		if info != nil && info.DefaultBranch != "" {
			branch = info.DefaultBranch
		} else {
			branch = store.StringConfig(m.store, model.KeyDefaultBranch, "main")
		}
	}

	mu := m.lockFor(remote, owner, name, branch)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.store.FindRepository(remote, owner, name, branch)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil && !force {
		// A record whose job the service no longer knows about is a
		// phantom; drop it and submit fresh instead of declining.
		if _, statusErr := m.api.GetRepositoryStatus(ctx, remote, branch, owner+"/"+name); statusErr == nil {
			return nil, &AlreadyTrackedError{Repository: owner + "/" + name, Branch: branch}
		} else if !greptile.IsNotFound(statusErr) {
			return nil, statusErr
		}

		m.logger.Warn("dropping phantom repository record",
			slog.String("repository", owner+"/"+name),
			slog.String("branch", branch),
		)

		if err := m.store.DeleteRepository(existing.ID); err != nil {
			return nil, err
		}

		existing = nil
	}

	if _, err := m.api.SubmitRepository(ctx, remote, owner+"/"+name, branch, force); err != nil {
		return nil, fmt.Errorf("submitting %s/%s: %w", owner, name, err)
	}

	now := m.now().UTC()

	repo := &model.Repository{
		Remote:            remote,
		Owner:             owner,
		Name:              name,
		Branch:            branch,
		Status:            model.StatusSubmitted,
		Progress:          0,
		SubmittedAt:       now,
		LastCheckedAt:     now,
		ProgressChangedAt: now,
	}

	if existing != nil {
		repo.ID = existing.ID
	} else {
		repo.ID = uuid.New().String()
	}

	if err := m.store.SaveRepository(repo); err != nil {
		return nil, err
	}

	m.logger.Info("repository submitted for indexing",
		slog.String("repository", repo.FullName()),
		slog.String("branch", repo.Branch),
		slog.Bool("reload", force),
	)

	m.record(auditlog.KindRepoTransition, repo.FullName(), "submitted")

	return repo, nil
}

// Reindex forces a fresh indexing run for one tracked repository.
func (m *Manager) Reindex(ctx context.Context, id string) (*model.Repository, error) {
	repo, err := m.store.GetRepository(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRepoNotTracked
	}
	if err != nil {
		return nil, err
	}

	return m.Submit(ctx, repo.Remote, repo.Owner, repo.Name, repo.Branch, true)
}

// ReindexAll forces a fresh indexing run for every tracked repository.
// It keeps going past individual failures and returns the repositories
// that were resubmitted.
func (m *Manager) ReindexAll(ctx context.Context) ([]model.Repository, error) {
	repos, err := m.store.ListRepositories()
	if err != nil {
		return nil, err
	}

	var resubmitted []model.Repository

	for i := range repos {
		updated, err := m.Submit(ctx, repos[i].Remote, repos[i].Owner, repos[i].Name, repos[i].Branch, true)
		if err != nil {
			m.logger.Error("reindex failed",
				slog.String("repository", repos[i].FullName()),
				slog.String("error", err.Error()),
			)

			m.escalateError(ctx, "reindex", repos[i].FullName(), err)

			continue
		}

		resubmitted = append(resubmitted, *updated)
	}

	return resubmitted, nil
}

// Remove stops tracking one repository. The service-side index is left
// alone.
func (m *Manager) Remove(ctx context.Context, id string) error {
	err := m.store.DeleteRepository(id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRepoNotTracked
	}

	return err
}

// RemoveAll stops tracking every repository in one step. Repositories
// that were mid-indexing simply stop being polled.
func (m *Manager) RemoveAll(ctx context.Context) error {
	return m.store.ClearRepositories()
}

// List returns all tracked repositories.
func (m *Manager) List() ([]model.Repository, error) {
	return m.store.ListRepositories()
}

// Get returns one tracked repository by ID.
func (m *Manager) Get(id string) (*model.Repository, error) {
	repo, err := m.store.GetRepository(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRepoNotTracked
	}

	return repo, err
}

// Find locates a tracked repository by identity.
func (m *Manager) Find(remote, owner, name, branch string) (*model.Repository, error) {
	repo, err := m.store.FindRepository(remote, owner, name, branch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRepoNotTracked
	}

	return repo, err
}

// CompletedRefs returns API references for every completed repository,
// the set queries run against.
func (m *Manager) CompletedRefs() ([]greptile.RepositoryRef, error) {
	repos, err := m.store.ListRepositories()
	if err != nil {
		return nil, err
	}

	var refs []greptile.RepositoryRef

	for i := range repos {
		if repos[i].Status != model.StatusCompleted {
			continue
		}

		refs = append(refs, greptile.RepositoryRef{
			Remote:     repos[i].Remote,
			Repository: repos[i].FullName(),
			Branch:     repos[i].Branch,
		})
	}

	return refs, nil
}

// Reconcile refreshes every non-terminal repository from the indexing
// service, declares stalled jobs stuck, and resubmits them. One
// repository's failure never blocks the rest.
func (m *Manager) Reconcile(ctx context.Context) {
	repos, err := m.store.ListRepositories()
	if err != nil {
		m.logger.Error("reconcile cannot list repositories", slog.String("error", err.Error()))
		m.escalateError(ctx, "reconcile", "", err)

		return
	}

	for i := range repos {
		if repos[i].Status.Terminal() {
			continue
		}

		if ctx.Err() != nil {
			return
		}

		m.reconcileOne(ctx, &repos[i])
	}
}

func (m *Manager) reconcileOne(ctx context.Context, repo *model.Repository) {
	mu := m.lockFor(repo.Remote, repo.Owner, repo.Name, repo.Branch)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock; a concurrent remove or reindex may have
	// changed or dropped the record since the listing.
	current, err := m.store.GetRepository(repo.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Error("reconcile cannot load repository",
			slog.String("repository", repo.FullName()),
			slog.String("error", err.Error()),
		)

		return
	}

	repo = current
	if repo.Status.Terminal() {
		return
	}

	now := m.now().UTC()

	remoteStatus, err := m.api.GetRepositoryStatus(ctx, repo.Remote, repo.Branch, repo.FullName())
	if err != nil {
		if greptile.IsNotFound(err) {
			// The service forgot the job entirely. Treat it as failed
			// so an admin can decide whether to resubmit.
			repo.Status = model.StatusFailed
			repo.LastCheckedAt = now

			if saveErr := m.store.SaveRepository(repo); saveErr != nil {
				m.logger.Error("failed to save repository", slog.String("error", saveErr.Error()))
			}

			m.record(auditlog.KindRepoTransition, repo.FullName(), "failed: unknown to indexing service")
			m.escalateError(ctx, "reconcile", repo.FullName(),
				fmt.Errorf("indexing service no longer knows %s", repo.RemoteID()))

			return
		}

		m.logger.Warn("status poll failed",
			slog.String("repository", repo.FullName()),
			slog.String("error", err.Error()),
		)

		repo.LastCheckedAt = now
		if saveErr := m.store.SaveRepository(repo); saveErr != nil {
			m.logger.Error("failed to save repository", slog.String("error", saveErr.Error()))
		}

		m.escalateError(ctx, "reconcile", repo.FullName(), err)

		return
	}

	progress := int(remoteStatus.Progress)
	mapped := mapRemoteStatus(remoteStatus.Status)

	if progress != repo.Progress {
		repo.Progress = progress
		repo.ProgressChangedAt = now
	}

	previous := repo.Status
	repo.Status = mapped
	repo.LastCheckedAt = now

	if mapped == model.StatusIndexing {
		m.checkStall(ctx, repo, now)
	}

	if err := m.store.SaveRepository(repo); err != nil {
		m.logger.Error("failed to save repository",
			slog.String("repository", repo.FullName()),
			slog.String("error", err.Error()),
		)

		return
	}

	if repo.Status != previous {
		m.logger.Info("repository status changed",
			slog.String("repository", repo.FullName()),
			slog.String("from", string(previous)),
			slog.String("to", string(repo.Status)),
		)

		m.record(auditlog.KindRepoTransition, repo.FullName(),
			fmt.Sprintf("%s -> %s", previous, repo.Status))
	}

	if repo.Status == model.StatusStuck {
		m.resubmitStuck(ctx, repo, now)
	}
}

// checkStall flips an indexing job to stuck or failed based on how
// long it has gone without progress.
func (m *Manager) checkStall(ctx context.Context, repo *model.Repository, now time.Time) {
	timeout := time.Duration(store.IntConfig(m.store, model.KeyIndexingTimeout, 7200)) * time.Second

	if timeout > 0 && now.Sub(repo.SubmittedAt) > timeout {
		repo.Status = model.StatusFailed

		m.escalateError(ctx, "reconcile", repo.FullName(),
			fmt.Errorf("indexing exceeded the %s timeout", timeout))

		return
	}

	stuckAfter := time.Duration(stuckAfterIntervals) * m.pollInterval
	if now.Sub(repo.ProgressChangedAt) >= stuckAfter {
		repo.Status = model.StatusStuck
	}
}

// resubmitStuck escalates and immediately resubmits a stuck job with a
// forced reload, so recovery does not wait for an admin.
func (m *Manager) resubmitStuck(ctx context.Context, repo *model.Repository, now time.Time) {
	m.escalateError(ctx, "reconcile", repo.FullName(),
		fmt.Errorf("indexing stalled at %d%%; resubmitting", repo.Progress))

	if _, err := m.api.SubmitRepository(ctx, repo.Remote, repo.FullName(), repo.Branch, true); err != nil {
		m.logger.Error("failed to resubmit stuck repository",
			slog.String("repository", repo.FullName()),
			slog.String("error", err.Error()),
		)

		m.escalateError(ctx, "reconcile", repo.FullName(), err)

		return
	}

	repo.Status = model.StatusSubmitted
	repo.Progress = 0
	repo.SubmittedAt = now
	repo.ProgressChangedAt = now

	if err := m.store.SaveRepository(repo); err != nil {
		m.logger.Error("failed to save repository", slog.String("error", err.Error()))

		return
	}

	m.record(auditlog.KindRepoResubmission, repo.FullName(), "auto-resubmitted after stall")
}

func (m *Manager) escalateError(ctx context.Context, source, repository string, err error) {
	if m.escalator == nil {
		return
	}

	m.escalator.Escalate(ctx, &escalate.Report{
		Source:     source,
		Summary:    err.Error(),
		Detail:     fmt.Sprintf("%+v", err),
		Repository: repository,
		Timestamp:  m.now(),
	})
}

func (m *Manager) record(kind auditlog.EventKind, subject, detail string) {
	if m.audit == nil {
		return
	}

	if err := m.audit.Append(auditlog.Event{
		Kind:    kind,
		Subject: subject,
		Detail:  detail,
	}); err != nil {
		m.logger.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}
