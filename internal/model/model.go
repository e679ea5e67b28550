// Package model defines the entities shared across the bot core.
package model

import (
	"fmt"
	"time"
)

// Role is the access level of a whitelisted user.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleOwner
)

// AtLeast reports whether r grants the privileges of required.
// The ordering is total: owner > admin > user.
func (r Role) AtLeast(required Role) bool {
	return r >= required
}

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	}
	return "unknown"
}

// ParseRole converts a stored role string back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	}
	return RoleUser, fmt.Errorf("unknown role %q", s)
}

// QueryClass separates the two daily query budgets.
type QueryClass string

const (
	ClassRegular QueryClass = "regular"
	ClassSmart   QueryClass = "smart"
)

// LimitKey returns the config key holding the daily limit for the class.
func (c QueryClass) LimitKey() string {
	if c == ClassSmart {
		return KeyMaxSmartQueriesPerDay
	}
	return KeyMaxQueriesPerDay
}

// WhitelistEntry is a user permitted to invoke gated commands.
type WhitelistEntry struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// QuotaRecord tracks query usage for one user, class and calendar day.
// Count only grows within a day; rollover creates a fresh record and
// old records are kept for audit.
type QuotaRecord struct {
	UserID string     `json:"user_id"`
	Class  QueryClass `json:"query_class"`
	Day    string     `json:"day"` // YYYY-MM-DD in the process clock's zone
	Count  int        `json:"count"`
}

// DayOf formats t as a quota day key.
func DayOf(t time.Time) string {
	return t.Format("2006-01-02")
}

// RepoStatus is the local view of an indexing job.
type RepoStatus string

const (
	StatusSubmitted RepoStatus = "submitted"
	StatusIndexing  RepoStatus = "indexing"
	StatusCompleted RepoStatus = "completed"
	StatusFailed    RepoStatus = "failed"
	StatusStuck     RepoStatus = "stuck"
)

// Terminal reports whether the status ends the lifecycle until an
// explicit reindex.
func (s RepoStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Repository is a tracked source repository.
type Repository struct {
	ID            string     `json:"id"`
	Remote        string     `json:"remote"` // github or gitlab
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	Branch        string     `json:"branch"`
	Status        RepoStatus `json:"status"`
	Progress      int        `json:"progress"` // last reported percentage
	SubmittedAt   time.Time  `json:"submitted_at"`
	LastCheckedAt time.Time  `json:"last_checked_at"`

	// ProgressChangedAt is when Progress last moved. A job whose
	// progress has not moved for too long is declared stuck.
	ProgressChangedAt time.Time `json:"progress_changed_at"`
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// RemoteID returns the identifier the indexing API uses,
// "remote:branch:owner/name".
func (r Repository) RemoteID() string {
	return fmt.Sprintf("%s:%s:%s", r.Remote, r.Branch, r.FullName())
}
