// Package store defines the persistence contract for the bot core.
//
// The store is the single source of durable truth: every in-memory
// component must be reconstructible from it after a restart.
package store

import (
	"errors"
	"strconv"

	"github.com/greptilebot/greptilebot/internal/model"
)

// ErrNotFound is returned when a targeted lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Store defines the database operations used by the bot.
//
//nolint:interfacebloat // all methods are required for database operations
type Store interface {
	Ping() error
	Close() error

	// Whitelist operations
	GetWhitelistEntry(userID string) (*model.WhitelistEntry, error)
	UpsertWhitelistEntry(entry model.WhitelistEntry) error
	RemoveWhitelistEntry(userID string) error
	ListWhitelist() ([]model.WhitelistEntry, error)

	// Quota operations. IncrementQuota performs an atomic
	// check-and-increment: it only increments when the current count is
	// below limit, and reports the resulting count and whether the
	// debit happened. Rows for past days are never deleted.
	IncrementQuota(userID string, class model.QueryClass, day string, limit int) (count int, ok bool, err error)
	GetQuotaCount(userID string, class model.QueryClass, day string) (int, error)

	// Repository operations
	SaveRepository(repo *model.Repository) error
	GetRepository(id string) (*model.Repository, error)
	FindRepository(remote, owner, name, branch string) (*model.Repository, error)
	ListRepositories() ([]model.Repository, error)
	DeleteRepository(id string) error
	ClearRepositories() error

	// Config operations
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error
	AllConfig() (map[string]string, error)
	SeedConfigDefaults(defaults map[string]string) error
}

// IntConfig reads an integer config value, falling back when the key is
// missing or malformed.
func IntConfig(s Store, key string, fallback int) int {
	raw, err := s.GetConfig(key)
	if err != nil {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return n
}

// StringConfig reads a string config value with a fallback for missing keys.
func StringConfig(s Store, key, fallback string) string {
	raw, err := s.GetConfig(key)
	if err != nil || raw == "" {
		return fallback
	}

	return raw
}
