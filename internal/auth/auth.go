// Package auth decides whether a user may run a command.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store"
)

// UnauthorizedError indicates a user lacks the role a command requires.
type UnauthorizedError struct {
	UserID   string
	Command  string
	Required model.Role
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s is not authorized for %s (requires %s)",
		e.UserID, e.Command, e.Required)
}

// ErrUnknownCommand indicates a command with no registered role requirement.
var ErrUnknownCommand = errors.New("unknown command")

// commandRoles maps each command to the default minimum role it
// requires. Commands absent from this table are denied outright. The
// [commands] section of the operator config can raise or lower the
// requirement per command without a code change.
var commandRoles = map[string]model.Role{
	// user commands
	"search":       model.RoleUser,
	"query":        model.RoleUser,
	"smartquery":   model.RoleUser,
	"listrepos":    model.RoleUser,
	"repostatus":   model.RoleUser,
	"greptilehelp": model.RoleUser,

	// admin commands
	"addrepo":         model.RoleAdmin,
	"removerepos":     model.RoleAdmin,
	"reindex":         model.RoleAdmin,
	"setconfig":       model.RoleAdmin,
	"viewconfig":      model.RoleAdmin,
	"listwhitelist":   model.RoleAdmin,
	"addwhitelist":    model.RoleAdmin,
	"removewhitelist": model.RoleAdmin,
	"setlogchannel":   model.RoleAdmin,
	"seterrorchannel": model.RoleAdmin,
	"testerror":       model.RoleAdmin,

	// owner commands
	"addadmin":    model.RoleOwner,
	"removeadmin": model.RoleOwner,
	"reload":      model.RoleOwner,
}

// RequiredRole returns the default minimum role for a command.
func RequiredRole(command string) (model.Role, error) {
	role, ok := commandRoles[command]
	if !ok {
		return 0, fmt.Errorf("%s: %w", command, ErrUnknownCommand)
	}

	return role, nil
}

// KnownCommands returns every registered command name.
func KnownCommands() []string {
	names := make([]string, 0, len(commandRoles))
	for name := range commandRoles {
		names = append(names, name)
	}

	return names
}

// Gate resolves user roles and enforces command requirements.
//
// The owner identity comes from the operator config file, never from
// the database, so the owner always retains access even against an
// empty or tampered whitelist.
type Gate struct {
	store   store.Store
	ownerID string
	logger  *slog.Logger

	mu sync.RWMutex
	// cmdRoles holds operator overrides of the command role table.
	cmdRoles map[string]model.Role
}

// NewGate creates a Gate. ownerID may be empty when no owner is
// configured.
func NewGate(s store.Store, ownerID string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{store: s, ownerID: ownerID, logger: logger}
}

// OwnerID returns the configured owner identity.
func (g *Gate) OwnerID() string {
	return g.ownerID
}

// IsOwner reports whether userID is the configured owner.
func (g *Gate) IsOwner(userID string) bool {
	return g.ownerID != "" && userID == g.ownerID
}

// RoleOf resolves the effective role for a user. The second return is
// false when the user is not whitelisted and not the owner.
func (g *Gate) RoleOf(userID string) (model.Role, bool, error) {
	if g.IsOwner(userID) {
		return model.RoleOwner, true, nil
	}

	entry, err := g.store.GetWhitelistEntry(userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	role := entry.Role

	// The database can never outrank the config file.
	if role == model.RoleOwner {
		role = model.RoleAdmin
	}

	return role, true, nil
}

// RequiredRole returns the minimum role for a command, honoring any
// operator override.
func (g *Gate) RequiredRole(command string) (model.Role, error) {
	g.mu.RLock()
	role, ok := g.cmdRoles[command]
	g.mu.RUnlock()

	if ok {
		return role, nil
	}

	return RequiredRole(command)
}

// SetCommandRoles replaces the per-command role overrides, typically
// from the [commands] section of the operator config. Overrides naming
// an unregistered command are rejected as a whole.
func (g *Gate) SetCommandRoles(overrides map[string]model.Role) error {
	next := make(map[string]model.Role, len(overrides))

	for command, role := range overrides {
		if _, ok := commandRoles[command]; !ok {
			return fmt.Errorf("command role override %q: %w", command, ErrUnknownCommand)
		}

		next[command] = role
	}

	g.mu.Lock()
	g.cmdRoles = next
	g.mu.Unlock()

	return nil
}

// Authorize checks whether userID may run command. A nil return means
// allowed; an *UnauthorizedError means denied; other errors are
// infrastructure failures.
func (g *Gate) Authorize(userID, command string) error {
	required, err := g.RequiredRole(command)
	if err != nil {
		return err
	}

	role, known, err := g.RoleOf(userID)
	if err != nil {
		return err
	}

	if !known || !role.AtLeast(required) {
		g.logger.Debug("authorization denied",
			slog.String("user_id", userID),
			slog.String("command", command),
			slog.String("required", required.String()),
		)

		return &UnauthorizedError{UserID: userID, Command: command, Required: required}
	}

	return nil
}

// Grant adds or updates a whitelist entry. The owner cannot be granted
// a database role; their authority is config-derived.
func (g *Gate) Grant(userID string, role model.Role) error {
	if g.IsOwner(userID) {
		return fmt.Errorf("user %s is the configured owner; roles are managed in the config file", userID)
	}

	if role == model.RoleOwner {
		return errors.New("the owner role cannot be granted at runtime")
	}

	return g.store.UpsertWhitelistEntry(model.WhitelistEntry{UserID: userID, Role: role})
}

// Revoke removes a user from the whitelist. The owner cannot be revoked.
func (g *Gate) Revoke(userID string) error {
	if g.IsOwner(userID) {
		return fmt.Errorf("user %s is the configured owner and cannot be removed", userID)
	}

	return g.store.RemoveWhitelistEntry(userID)
}

// ApplyOverrides upserts the role overrides from the operator config.
// Called at startup so file-declared roles survive database resets.
func (g *Gate) ApplyOverrides(overrides map[string]model.Role) error {
	for userID, role := range overrides {
		if g.IsOwner(userID) {
			continue
		}

		if role == model.RoleOwner {
			role = model.RoleAdmin
		}

		if err := g.store.UpsertWhitelistEntry(model.WhitelistEntry{UserID: userID, Role: role}); err != nil {
			return fmt.Errorf("applying role override for %s: %w", userID, err)
		}
	}

	return nil
}
