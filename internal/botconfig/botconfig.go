// Package botconfig loads the operator-managed INI configuration.
//
// Credentials and the trusted owner identity live here, outside the
// database, so that a corrupted or recycled database can never grant
// or revoke owner access.
package botconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/greptilebot/greptilebot/internal/application"
	"github.com/greptilebot/greptilebot/internal/model"
	"gopkg.in/ini.v1"
)

const fileName = "greptilebot.ini"

type CredentialsSection struct {
	GreptileAPIKey string `ini:"greptile_api_key"`
	GitHubToken    string `ini:"github_token"`
}

type OwnerSection struct {
	ID string `ini:"id"`
}

// Config is the file-backed bot configuration.
type Config struct {
	Credentials CredentialsSection
	Owner       OwnerSection

	// Roles maps user IDs to role overrides from the [roles] section.
	// Overrides are applied on top of the whitelist at startup.
	Roles map[string]model.Role

	// CommandRoles maps command names to required-role overrides from
	// the [commands] section, so an operator can tighten or loosen a
	// command without a code change.
	CommandRoles map[string]model.Role

	path string
}

// DefaultPath returns the config file path inside the application directory.
func DefaultPath() (string, error) {
	appDir, err := application.GetApplicationDirectory()
	if err != nil {
		return "", err
	}

	return filepath.Join(appDir, fileName), nil
}

// Load reads the configuration from path. A missing file yields an
// empty config bound to that path, so first runs work without setup.
func Load(path string) (*Config, error) {
	config := &Config{
		Roles:        make(map[string]model.Role),
		CommandRoles: make(map[string]model.Role),
		path:         path,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config.applyEnv()

		return config, nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := cfg.Section("credentials").MapTo(&config.Credentials); err != nil {
		return nil, fmt.Errorf("reading credentials section: %w", err)
	}

	if err := cfg.Section("owner").MapTo(&config.Owner); err != nil {
		return nil, fmt.Errorf("reading owner section: %w", err)
	}

	for _, key := range cfg.Section("roles").Keys() {
		role, err := model.ParseRole(key.Value())
		if err != nil {
			return nil, fmt.Errorf("roles entry %s: %w", key.Name(), err)
		}

		config.Roles[key.Name()] = role
	}

	for _, key := range cfg.Section("commands").Keys() {
		role, err := model.ParseRole(key.Value())
		if err != nil {
			return nil, fmt.Errorf("commands entry %s: %w", key.Name(), err)
		}

		config.CommandRoles[key.Name()] = role
	}

	config.applyEnv()

	return config, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return Load(path)
}

// applyEnv lets environment variables override file credentials.
func (c *Config) applyEnv() {
	if v := os.Getenv("GREPTILE_API_KEY"); v != "" {
		c.Credentials.GreptileAPIKey = v
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Credentials.GitHubToken = v
	}

	if v := os.Getenv("GREPTILEBOT_OWNER_ID"); v != "" {
		c.Owner.ID = v
	}
}

// Save writes the configuration back to its file with owner-only
// permissions.
func (c *Config) Save() error {
	if c.path == "" {
		path, err := DefaultPath()
		if err != nil {
			return err
		}

		c.path = path
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	cfg := ini.Empty()

	if err := cfg.Section("credentials").ReflectFrom(&c.Credentials); err != nil {
		return fmt.Errorf("writing credentials section: %w", err)
	}

	if err := cfg.Section("owner").ReflectFrom(&c.Owner); err != nil {
		return fmt.Errorf("writing owner section: %w", err)
	}

	for userID, role := range c.Roles {
		cfg.Section("roles").Key(userID).SetValue(role.String())
	}

	for command, role := range c.CommandRoles {
		cfg.Section("commands").Key(command).SetValue(role.String())
	}

	if err := cfg.SaveTo(c.path); err != nil {
		return fmt.Errorf("saving config file: %w", err)
	}

	return os.Chmod(c.path, 0600)
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	if c.Credentials.GreptileAPIKey == "" {
		return fmt.Errorf("greptile_api_key is not configured (run auth setup or set GREPTILE_API_KEY)")
	}

	if c.Credentials.GitHubToken == "" {
		return fmt.Errorf("github_token is not configured (run auth login or set GITHUB_TOKEN)")
	}

	return nil
}
