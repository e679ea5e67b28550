package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/greptilebot/greptilebot/internal/application"
	"github.com/greptilebot/greptilebot/internal/auditlog"
	"github.com/greptilebot/greptilebot/internal/auth"
	"github.com/greptilebot/greptilebot/internal/bot"
	"github.com/greptilebot/greptilebot/internal/botconfig"
	"github.com/greptilebot/greptilebot/internal/escalate"
	"github.com/greptilebot/greptilebot/internal/gh"
	"github.com/greptilebot/greptilebot/internal/greptile"
	"github.com/greptilebot/greptilebot/internal/lifecycle"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/quota"
	"github.com/greptilebot/greptilebot/internal/security"
	"github.com/greptilebot/greptilebot/internal/store"
	"github.com/greptilebot/greptilebot/internal/store/sqlite"
)

var dbPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (defaults to the application directory)")
}

// app is the assembled service graph shared by the daemon and the
// one-shot CLI commands.
type app struct {
	cfg       *botconfig.Config
	store     store.Store
	audit     *auditlog.Log
	api       *greptile.Client
	gate      *auth.Gate
	limiter   *quota.Limiter
	escalator *escalate.Escalator
	manager   *lifecycle.Manager
	bot       *bot.Bot
}

// openStore opens the database and seeds config defaults. Callers that
// only touch local state use this instead of the full graph.
func openStore() (store.Store, error) {
	path := dbPath
	if path == "" {
		var err error

		path, err = sqlite.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	s, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}

	if err := s.SeedConfigDefaults(model.ConfigDefaults); err != nil {
		_ = s.Close()

		return nil, err
	}

	return s, nil
}

// buildApp assembles the full service graph. API credentials must be
// configured; run auth setup first.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := botconfig.LoadDefault()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := openStore()
	if err != nil {
		return nil, err
	}

	appDir, err := application.GetApplicationDirectory()
	if err != nil {
		_ = s.Close()

		return nil, err
	}

	audit, err := auditlog.Open(filepath.Join(appDir, application.AppName+"-audit.bolt"))
	if err != nil {
		_ = s.Close()

		return nil, err
	}

	api, err := greptile.NewClient(cfg.Credentials.GreptileAPIKey, cfg.Credentials.GitHubToken, greptile.ClientOptions{
		Timeout: time.Duration(store.IntConfig(s, model.KeyAPITimeout, 60)) * time.Second,
		Retries: store.IntConfig(s, model.KeyAPIRetries, 3),
	})
	if err != nil {
		_ = audit.Close()
		_ = s.Close()

		return nil, err
	}

	redactor, err := security.NewRedactor(cfg.Credentials.GreptileAPIKey, cfg.Credentials.GitHubToken)
	if err != nil {
		_ = audit.Close()
		_ = s.Close()

		return nil, fmt.Errorf("building redactor: %w", err)
	}

	gate := auth.NewGate(s, cfg.Owner.ID, slog.Default())

	if err := gate.ApplyOverrides(cfg.Roles); err != nil {
		_ = audit.Close()
		_ = s.Close()

		return nil, err
	}

	if err := gate.SetCommandRoles(cfg.CommandRoles); err != nil {
		_ = audit.Close()
		_ = s.Close()

		return nil, err
	}

	escalator := escalate.New(redactor, slog.Default(), true)
	limiter := quota.NewLimiter(s, audit, cfg.Owner.ID, slog.Default())

	manager := lifecycle.NewManager(s, api, lifecycle.Options{
		Validator: gh.NewValidator(ctx, cfg.Credentials.GitHubToken),
		Escalator: escalator,
		Audit:     audit,
	})

	a := &app{
		cfg:       cfg,
		store:     s,
		audit:     audit,
		api:       api,
		gate:      gate,
		limiter:   limiter,
		escalator: escalator,
		manager:   manager,
	}

	a.bot = bot.New(bot.Options{
		Store:     s,
		Gate:      gate,
		Limiter:   limiter,
		Manager:   manager,
		API:       api,
		Escalator: escalator,
		Audit:     audit,
		Reload:    a.reloadConfig,
	})

	return a, nil
}

// reloadConfig re-reads the operator config and re-applies the role
// overrides. Credential changes require a restart.
func (a *app) reloadConfig(ctx context.Context) error {
	cfg, err := botconfig.LoadDefault()
	if err != nil {
		return err
	}

	a.cfg = cfg

	if err := a.gate.ApplyOverrides(cfg.Roles); err != nil {
		return err
	}

	return a.gate.SetCommandRoles(cfg.CommandRoles)
}

func (a *app) Close() {
	if a.audit != nil {
		_ = a.audit.Close()
	}

	if a.store != nil {
		_ = a.store.Close()
	}
}
