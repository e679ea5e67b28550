// Package sqlite provides SQLite-backed persistence for greptilebot.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/greptilebot/greptilebot/internal/application"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store implements the store.Store interface using SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New creates a new SQLite store at the given database path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// WAL mode for better concurrency between the command surface and
	// the scheduler.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite doesn't handle multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	migrator := NewMigrator(db)
	if err := migrator.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath returns the database path inside the application directory.
func DefaultPath() (string, error) {
	appDir, err := application.GetApplicationDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(appDir, application.AppName+".db"), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks if the database is accessible.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// ============================================================================
// Whitelist Operations
// ============================================================================

func (s *Store) GetWhitelistEntry(userID string) (*model.WhitelistEntry, error) {
	var roleStr string

	err := s.db.QueryRow(`SELECT role FROM whitelist WHERE user_id = ?`, userID).Scan(&roleStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying whitelist: %w", err)
	}

	role, err := model.ParseRole(roleStr)
	if err != nil {
		return nil, fmt.Errorf("whitelist entry %s: %w", userID, err)
	}

	return &model.WhitelistEntry{UserID: userID, Role: role}, nil
}

func (s *Store) UpsertWhitelistEntry(entry model.WhitelistEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO whitelist (user_id, role) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET role = excluded.role
	`, entry.UserID, entry.Role.String())
	if err != nil {
		return fmt.Errorf("upserting whitelist entry: %w", err)
	}

	return nil
}

func (s *Store) RemoveWhitelistEntry(userID string) error {
	res, err := s.db.Exec(`DELETE FROM whitelist WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("removing whitelist entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("removing whitelist entry: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (s *Store) ListWhitelist() ([]model.WhitelistEntry, error) {
	rows, err := s.db.Query(`SELECT user_id, role FROM whitelist ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing whitelist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.WhitelistEntry

	for rows.Next() {
		var (
			userID  string
			roleStr string
		)
		if err := rows.Scan(&userID, &roleStr); err != nil {
			return nil, fmt.Errorf("scanning whitelist entry: %w", err)
		}

		role, err := model.ParseRole(roleStr)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %s: %w", userID, err)
		}

		entries = append(entries, model.WhitelistEntry{UserID: userID, Role: role})
	}

	return entries, rows.Err()
}

// ============================================================================
// Quota Operations
// ============================================================================

// IncrementQuota atomically increments the day's count if and only if
// it is below limit. The UPSERT's conditional update makes the
// check-and-debit a single statement, so concurrent callers can never
// both spend the last unit.
func (s *Store) IncrementQuota(userID string, class model.QueryClass, day string, limit int) (int, bool, error) {
	if limit <= 0 {
		count, err := s.GetQuotaCount(userID, class, day)
		return count, false, err
	}

	res, err := s.db.Exec(`
		INSERT INTO quota (user_id, query_class, day, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, query_class, day)
		DO UPDATE SET count = count + 1 WHERE count < ?
	`, userID, string(class), day, limit)
	if err != nil {
		return 0, false, fmt.Errorf("incrementing quota: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("incrementing quota: %w", err)
	}

	count, err := s.GetQuotaCount(userID, class, day)
	if err != nil {
		return 0, false, err
	}

	return count, affected > 0, nil
}

func (s *Store) GetQuotaCount(userID string, class model.QueryClass, day string) (int, error) {
	var count int

	err := s.db.QueryRow(`
		SELECT count FROM quota WHERE user_id = ? AND query_class = ? AND day = ?
	`, userID, string(class), day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying quota: %w", err)
	}

	return count, nil
}

// ============================================================================
// Repository Operations
// ============================================================================

func (s *Store) SaveRepository(repo *model.Repository) error {
	if repo == nil {
		return errors.New("repository is required")
	}

	_, err := s.db.Exec(`
		INSERT INTO repositories
			(repo_id, remote, owner, name, branch, status, progress,
			 submitted_at, last_checked_at, progress_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			remote = excluded.remote,
			owner = excluded.owner,
			name = excluded.name,
			branch = excluded.branch,
			status = excluded.status,
			progress = excluded.progress,
			submitted_at = excluded.submitted_at,
			last_checked_at = excluded.last_checked_at,
			progress_changed_at = excluded.progress_changed_at
	`, repo.ID, repo.Remote, repo.Owner, repo.Name, repo.Branch,
		string(repo.Status), repo.Progress,
		encodeTime(repo.SubmittedAt), encodeTime(repo.LastCheckedAt),
		encodeTime(repo.ProgressChangedAt))
	if err != nil {
		return fmt.Errorf("saving repository: %w", err)
	}

	return nil
}

func (s *Store) GetRepository(id string) (*model.Repository, error) {
	row := s.db.QueryRow(`
		SELECT repo_id, remote, owner, name, branch, status, progress,
		       submitted_at, last_checked_at, progress_changed_at
		FROM repositories WHERE repo_id = ?
	`, id)

	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying repository: %w", err)
	}

	return repo, nil
}

func (s *Store) FindRepository(remote, owner, name, branch string) (*model.Repository, error) {
	row := s.db.QueryRow(`
		SELECT repo_id, remote, owner, name, branch, status, progress,
		       submitted_at, last_checked_at, progress_changed_at
		FROM repositories WHERE remote = ? AND owner = ? AND name = ? AND branch = ?
	`, remote, owner, name, branch)

	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying repository: %w", err)
	}

	return repo, nil
}

func (s *Store) ListRepositories() ([]model.Repository, error) {
	rows, err := s.db.Query(`
		SELECT repo_id, remote, owner, name, branch, status, progress,
		       submitted_at, last_checked_at, progress_changed_at
		FROM repositories ORDER BY submitted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []model.Repository

	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		repos = append(repos, *repo)
	}

	return repos, rows.Err()
}

func (s *Store) DeleteRepository(id string) error {
	res, err := s.db.Exec(`DELETE FROM repositories WHERE repo_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting repository: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting repository: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

// ClearRepositories removes every record in one statement. Local
// bookkeeping only; nothing is deleted on the indexing service.
func (s *Store) ClearRepositories() error {
	if _, err := s.db.Exec(`DELETE FROM repositories`); err != nil {
		return fmt.Errorf("clearing repositories: %w", err)
	}

	return nil
}

// ============================================================================
// Config Operations
// ============================================================================

func (s *Store) GetConfig(key string) (string, error) {
	var value string

	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying config: %w", err)
	}

	return value, nil
}

func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("setting config: %w", err)
	}

	return nil
}

func (s *Store) AllConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	config := make(map[string]string)

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning config entry: %w", err)
		}
		config[key] = value
	}

	return config, rows.Err()
}

// SeedConfigDefaults inserts defaults for keys that have no value yet.
func (s *Store) SeedConfigDefaults(defaults map[string]string) error {
	for key, value := range defaults {
		if _, err := s.db.Exec(`
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, value); err != nil {
			return fmt.Errorf("seeding config key %s: %w", key, err)
		}
	}

	return nil
}

// ============================================================================
// Helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*model.Repository, error) {
	var (
		repo              model.Repository
		status            string
		submittedAt       string
		lastCheckedAt     string
		progressChangedAt string
	)

	if err := row.Scan(&repo.ID, &repo.Remote, &repo.Owner, &repo.Name, &repo.Branch,
		&status, &repo.Progress, &submittedAt, &lastCheckedAt, &progressChangedAt); err != nil {
		return nil, err
	}

	repo.Status = model.RepoStatus(status)
	repo.SubmittedAt = decodeTime(submittedAt)
	repo.LastCheckedAt = decodeTime(lastCheckedAt)
	repo.ProgressChangedAt = decodeTime(progressChangedAt)

	return &repo, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
