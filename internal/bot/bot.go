// Package bot wires authorization, quota and repository lifecycle into
// a chat command surface.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/greptilebot/greptilebot/internal/auditlog"
	"github.com/greptilebot/greptilebot/internal/auth"
	"github.com/greptilebot/greptilebot/internal/escalate"
	"github.com/greptilebot/greptilebot/internal/greptile"
	"github.com/greptilebot/greptilebot/internal/lifecycle"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/quota"
	"github.com/greptilebot/greptilebot/internal/store"
)

// Outcome is the top-level result of a command.
type Outcome int

const (
	// Success means the command ran and produced its effect.
	Success Outcome = iota

	// Declined means the command was refused for a reason the user
	// can understand and potentially fix.
	Declined

	// Failed means infrastructure broke; the user did nothing wrong.
	Failed
)

// DeclineReason says why a command was declined.
type DeclineReason int

const (
	ReasonNone DeclineReason = iota
	ReasonUnauthorized
	ReasonQuotaExceeded
	ReasonNotFound
	ReasonInvalidArgument
)

// Result is the outcome of one command execution.
type Result struct {
	Outcome Outcome
	Reason  DeclineReason

	// Text is the reply shown to the user.
	Text string

	// Err carries the underlying failure when Outcome is Failed.
	Err error
}

func success(format string, args ...any) Result {
	return Result{Outcome: Success, Text: fmt.Sprintf(format, args...)}
}

func declined(reason DeclineReason, format string, args ...any) Result {
	return Result{Outcome: Declined, Reason: reason, Text: fmt.Sprintf(format, args...)}
}

func failed(err error) Result {
	return Result{Outcome: Failed, Text: "something went wrong on our side; the error has been reported", Err: err}
}

// Invocation is one parsed command from a chat message.
type Invocation struct {
	UserID    string
	ChannelID string
	Command   string
	Args      []string
}

// ArgText returns the arguments re-joined as free text, for commands
// that take a question rather than positional arguments.
func (inv *Invocation) ArgText() string {
	return strings.TrimSpace(strings.Join(inv.Args, " "))
}

// Parse extracts an invocation from a raw chat message. Returns false
// when the message does not start with the bot prefix.
func Parse(userID, channelID, message, prefix string) (*Invocation, bool) {
	message = strings.TrimSpace(message)
	if prefix == "" || !strings.HasPrefix(message, prefix) {
		return nil, false
	}

	fields := strings.Fields(strings.TrimPrefix(message, prefix))
	if len(fields) == 0 {
		return nil, false
	}

	return &Invocation{
		UserID:    userID,
		ChannelID: channelID,
		Command:   strings.ToLower(fields[0]),
		Args:      fields[1:],
	}, true
}

// Bot executes chat commands against the underlying services.
type Bot struct {
	store     store.Store
	gate      *auth.Gate
	limiter   *quota.Limiter
	manager   *lifecycle.Manager
	api       *greptile.Client
	escalator *escalate.Escalator
	audit     *auditlog.Log
	logger    *slog.Logger

	// reload re-reads the operator config. Wired by the daemon.
	reload func(ctx context.Context) error
}

// Options carries the bot's collaborators.
type Options struct {
	Store     store.Store
	Gate      *auth.Gate
	Limiter   *quota.Limiter
	Manager   *lifecycle.Manager
	API       *greptile.Client
	Escalator *escalate.Escalator
	Audit     *auditlog.Log
	Logger    *slog.Logger
	Reload    func(ctx context.Context) error
}

// New creates a Bot.
func New(opts Options) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bot{
		store:     opts.Store,
		gate:      opts.Gate,
		limiter:   opts.Limiter,
		manager:   opts.Manager,
		api:       opts.API,
		escalator: opts.Escalator,
		audit:     opts.Audit,
		logger:    logger,
		reload:    opts.Reload,
	}
}

// queryClassFor returns the quota class a command consumes, or false
// for commands that are free.
func queryClassFor(command string) (model.QueryClass, bool) {
	switch command {
	case "search", "query":
		return model.ClassRegular, true
	case "smartquery":
		return model.ClassSmart, true
	default:
		return "", false
	}
}

// Execute runs one command: authorization first, then quota, then the
// handler. Denials are declines, not failures, and quota is only spent
// once both checks pass.
func (b *Bot) Execute(ctx context.Context, inv *Invocation) Result {
	if err := b.gate.Authorize(inv.UserID, inv.Command); err != nil {
		var unauthorized *auth.UnauthorizedError

		switch {
		case errors.As(err, &unauthorized):
			b.recordAudit(auditlog.KindAccessDenied, inv.UserID, inv.Command, "")

			return declined(ReasonUnauthorized, "you are not authorized to use %s", inv.Command)
		case errors.Is(err, auth.ErrUnknownCommand):
			return declined(ReasonNotFound, "unknown command %q; try greptilehelp", inv.Command)
		default:
			return b.fail(ctx, inv, err)
		}
	}

	if class, ok := queryClassFor(inv.Command); ok {
		if err := b.limiter.Debit(inv.UserID, class); err != nil {
			var exceeded *quota.ExceededError

			if errors.As(err, &exceeded) {
				return declined(ReasonQuotaExceeded,
					"daily %s query limit reached (%d); resets at midnight UTC",
					exceeded.Class, exceeded.Limit)
			}

			return b.fail(ctx, inv, err)
		}
	}

	result := b.dispatch(ctx, inv)

	b.logger.Info("command executed",
		slog.String("user_id", inv.UserID),
		slog.String("command", inv.Command),
		slog.Int("outcome", int(result.Outcome)),
	)

	return result
}

func (b *Bot) dispatch(ctx context.Context, inv *Invocation) Result {
	switch inv.Command {
	case "search":
		return b.handleSearch(ctx, inv)
	case "query":
		return b.handleQuery(ctx, inv, false)
	case "smartquery":
		return b.handleQuery(ctx, inv, true)
	case "listrepos":
		return b.handleListRepos(ctx, inv)
	case "repostatus":
		return b.handleRepoStatus(ctx, inv)
	case "greptilehelp":
		return b.handleHelp(ctx, inv)
	case "addrepo":
		return b.handleAddRepo(ctx, inv)
	case "removerepos":
		return b.handleRemoveRepos(ctx, inv)
	case "reindex":
		return b.handleReindex(ctx, inv)
	case "setconfig":
		return b.handleSetConfig(ctx, inv)
	case "viewconfig":
		return b.handleViewConfig(ctx, inv)
	case "listwhitelist":
		return b.handleListWhitelist(ctx, inv)
	case "addwhitelist":
		return b.handleWhitelistChange(ctx, inv, model.RoleUser)
	case "removewhitelist":
		return b.handleWhitelistRemove(ctx, inv)
	case "addadmin":
		return b.handleWhitelistChange(ctx, inv, model.RoleAdmin)
	case "removeadmin":
		return b.handleWhitelistChange(ctx, inv, model.RoleUser)
	case "setlogchannel":
		return b.handleSetChannel(ctx, inv, model.KeyLogChannel)
	case "seterrorchannel":
		return b.handleSetChannel(ctx, inv, model.KeyErrorChannel)
	case "testerror":
		return b.handleTestError(ctx, inv)
	case "reload":
		return b.handleReload(ctx, inv)
	default:
		return declined(ReasonNotFound, "unknown command %q; try greptilehelp", inv.Command)
	}
}

// fail escalates an infrastructure error and returns the failure result.
func (b *Bot) fail(ctx context.Context, inv *Invocation, err error) Result {
	b.logger.Error("command failed",
		slog.String("user_id", inv.UserID),
		slog.String("command", inv.Command),
		slog.String("error", err.Error()),
	)

	if b.escalator != nil {
		b.escalator.Escalate(ctx, &escalate.Report{
			Source:  "command/" + inv.Command,
			Summary: err.Error(),
			Detail:  fmt.Sprintf("user=%s args=%v: %+v", inv.UserID, inv.Args, err),
		})
	}

	return failed(err)
}

func (b *Bot) recordAudit(kind auditlog.EventKind, userID, subject, detail string) {
	if b.audit == nil {
		return
	}

	if err := b.audit.Append(auditlog.Event{
		Kind:    kind,
		UserID:  userID,
		Subject: subject,
		Detail:  detail,
	}); err != nil {
		b.logger.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}

// parseRepoArg splits "owner/name" into its parts.
func parseRepoArg(s string) (owner, name string, ok bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".git")
	s = strings.TrimPrefix(s, "https://github.com/")
	s = strings.TrimPrefix(s, "http://github.com/")

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}
