package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/greptilebot/greptilebot/internal/auditlog"
	"github.com/greptilebot/greptilebot/internal/auth"
	"github.com/greptilebot/greptilebot/internal/escalate"
	"github.com/greptilebot/greptilebot/internal/gh"
	"github.com/greptilebot/greptilebot/internal/lifecycle"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store"
)

func (b *Bot) handleSearch(ctx context.Context, inv *Invocation) Result {
	question := inv.ArgText()
	if question == "" {
		return declined(ReasonInvalidArgument, "usage: search <question>")
	}

	refs, err := b.manager.CompletedRefs()
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	if len(refs) == 0 {
		return declined(ReasonNotFound, "no repositories are indexed yet; an admin can addrepo one")
	}

	sources, err := b.api.Search(ctx, question, uuid.New().String(), refs)
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	if len(sources) == 0 {
		return success("no matches found for %q", question)
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "found %d match(es):\n", len(sources))

	for i, src := range sources {
		if i >= 10 {
			fmt.Fprintf(&sb, "...and %d more\n", len(sources)-i)

			break
		}

		fmt.Fprintf(&sb, "- %s %s:%d-%d", src.Repository, src.FilePath, src.LineStart, src.LineEnd)

		if src.Summary != "" {
			fmt.Fprintf(&sb, " — %s", src.Summary)
		}

		sb.WriteByte('\n')
	}

	return success("%s", strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleQuery(ctx context.Context, inv *Invocation, genius bool) Result {
	question := inv.ArgText()
	if question == "" {
		return declined(ReasonInvalidArgument, "usage: %s <question>", inv.Command)
	}

	refs, err := b.manager.CompletedRefs()
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	if len(refs) == 0 {
		return declined(ReasonNotFound, "no repositories are indexed yet; an admin can addrepo one")
	}

	answer, err := b.api.Query(ctx, question, uuid.New().String(), refs, genius)
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	var sb strings.Builder

	sb.WriteString(answer.Message)

	if len(answer.Sources) > 0 {
		sb.WriteString("\n\nsources:\n")

		for i, src := range answer.Sources {
			if i >= 5 {
				break
			}

			fmt.Fprintf(&sb, "- %s %s:%d-%d\n", src.Repository, src.FilePath, src.LineStart, src.LineEnd)
		}
	}

	return success("%s", strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleListRepos(ctx context.Context, inv *Invocation) Result {
	repos, err := b.manager.List()
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	if len(repos) == 0 {
		return success("no repositories are tracked")
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "%d tracked repositories:\n", len(repos))

	for _, repo := range repos {
		fmt.Fprintf(&sb, "- %s (%s) %s", repo.FullName(), repo.Branch, repo.Status)

		if repo.Status == model.StatusIndexing {
			fmt.Fprintf(&sb, " %d%%", repo.Progress)
		}

		sb.WriteByte('\n')
	}

	return success("%s", strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleRepoStatus(ctx context.Context, inv *Invocation) Result {
	if len(inv.Args) < 1 {
		return declined(ReasonInvalidArgument, "usage: repostatus <owner/name> [branch]")
	}

	owner, name, ok := parseRepoArg(inv.Args[0])
	if !ok {
		return declined(ReasonInvalidArgument, "invalid repository %q (expected owner/name)", inv.Args[0])
	}

	branch := ""
	if len(inv.Args) > 1 {
		branch = inv.Args[1]
	}

	repo, err := b.findTracked(owner, name, branch)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRepoNotTracked) {
			return declined(ReasonNotFound, "%s/%s is not tracked", owner, name)
		}

		return b.fail(ctx, inv, err)
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "%s (%s): %s", repo.FullName(), repo.Branch, repo.Status)

	if repo.Status == model.StatusIndexing {
		fmt.Fprintf(&sb, ", %d%% done", repo.Progress)
	}

	fmt.Fprintf(&sb, "\nsubmitted %s, last checked %s",
		repo.SubmittedAt.Format("2006-01-02 15:04 MST"),
		repo.LastCheckedAt.Format("2006-01-02 15:04 MST"))

	return success("%s", sb.String())
}

// findTracked locates a repository by owner/name, trying the default
// branch first when none was given.
func (b *Bot) findTracked(owner, name, branch string) (*model.Repository, error) {
	if branch != "" {
		return b.manager.Find("github", owner, name, branch)
	}

	repos, err := b.manager.List()
	if err != nil {
		return nil, err
	}

	for i := range repos {
		if strings.EqualFold(repos[i].Owner, owner) && strings.EqualFold(repos[i].Name, name) {
			return &repos[i], nil
		}
	}

	return nil, lifecycle.ErrRepoNotTracked
}

func (b *Bot) handleHelp(ctx context.Context, inv *Invocation) Result {
	role, _, err := b.gate.RoleOf(inv.UserID)
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	var names []string

	for _, name := range auth.KnownCommands() {
		required, err := b.gate.RequiredRole(name)
		if err != nil {
			continue
		}

		if role.AtLeast(required) {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return success("available commands: %s", strings.Join(names, ", "))
}

func (b *Bot) handleAddRepo(ctx context.Context, inv *Invocation) Result {
	if len(inv.Args) < 1 {
		return declined(ReasonInvalidArgument, "usage: addrepo <owner/name> [branch]")
	}

	owner, name, ok := parseRepoArg(inv.Args[0])
	if !ok {
		return declined(ReasonInvalidArgument, "invalid repository %q (expected owner/name)", inv.Args[0])
	}

	branch := ""
	if len(inv.Args) > 1 {
		branch = inv.Args[1]
	}

	repo, err := b.manager.Submit(ctx, "github", owner, name, branch, false)
	if err != nil {
		var tracked *lifecycle.AlreadyTrackedError

		switch {
		case errors.As(err, &tracked):
			return declined(ReasonInvalidArgument,
				"%s (branch %s) is already tracked; use reindex to refresh it",
				tracked.Repository, tracked.Branch)
		case errors.Is(err, gh.ErrRepoNotFound):
			return declined(ReasonNotFound,
				"%s/%s was not found on GitHub (or the bot's token cannot see it)", owner, name)
		default:
			return b.fail(ctx, inv, err)
		}
	}

	return success("submitted %s (branch %s) for indexing", repo.FullName(), repo.Branch)
}

func (b *Bot) handleRemoveRepos(ctx context.Context, inv *Invocation) Result {
	repos, err := b.manager.List()
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	if err := b.manager.RemoveAll(ctx); err != nil {
		return b.fail(ctx, inv, err)
	}

	b.recordAudit(auditlog.KindRepoTransition, inv.UserID, "all", fmt.Sprintf("removed %d repositories", len(repos)))

	return success("stopped tracking %d repositories", len(repos))
}

func (b *Bot) handleReindex(ctx context.Context, inv *Invocation) Result {
	if len(inv.Args) == 0 {
		resubmitted, err := b.manager.ReindexAll(ctx)
		if err != nil {
			return b.fail(ctx, inv, err)
		}

		return success("resubmitted %d repositories for indexing", len(resubmitted))
	}

	owner, name, ok := parseRepoArg(inv.Args[0])
	if !ok {
		return declined(ReasonInvalidArgument, "invalid repository %q (expected owner/name)", inv.Args[0])
	}

	branch := ""
	if len(inv.Args) > 1 {
		branch = inv.Args[1]
	}

	repo, err := b.findTracked(owner, name, branch)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRepoNotTracked) {
			return declined(ReasonNotFound, "%s/%s is not tracked", owner, name)
		}

		return b.fail(ctx, inv, err)
	}

	updated, err := b.manager.Reindex(ctx, repo.ID)
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	return success("resubmitted %s (branch %s) for indexing", updated.FullName(), updated.Branch)
}

func (b *Bot) handleSetConfig(ctx context.Context, inv *Invocation) Result {
	if len(inv.Args) < 2 {
		return declined(ReasonInvalidArgument, "usage: setconfig <key> <value>")
	}

	key := strings.ToUpper(inv.Args[0])
	value := strings.Join(inv.Args[1:], " ")

	if err := model.ValidateConfig(key, value); err != nil {
		return declined(ReasonInvalidArgument, "%s", err.Error())
	}

	if err := b.store.SetConfig(key, value); err != nil {
		return b.fail(ctx, inv, err)
	}

	b.recordAudit(auditlog.KindConfigChange, inv.UserID, key, value)

	return success("%s set to %q", key, value)
}

func (b *Bot) handleViewConfig(ctx context.Context, inv *Invocation) Result {
	config, err := b.store.AllConfig()
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var sb strings.Builder

	for _, key := range keys {
		value := config[key]
		if value == "" {
			value = "(unset)"
		}

		fmt.Fprintf(&sb, "%s = %s\n", key, value)
	}

	return success("%s", strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleListWhitelist(ctx context.Context, inv *Invocation) Result {
	entries, err := b.store.ListWhitelist()
	if err != nil {
		return b.fail(ctx, inv, err)
	}

	if len(entries) == 0 {
		return success("the whitelist is empty")
	}

	var sb strings.Builder

	for _, entry := range entries {
		fmt.Fprintf(&sb, "- %s (%s)\n", entry.UserID, entry.Role)
	}

	return success("%s", strings.TrimRight(sb.String(), "\n"))
}

// handleWhitelistChange grants role to the named user. addwhitelist,
// addadmin and removeadmin all reduce to this with different roles.
func (b *Bot) handleWhitelistChange(ctx context.Context, inv *Invocation, role model.Role) Result {
	if len(inv.Args) < 1 {
		return declined(ReasonInvalidArgument, "usage: %s <user-id>", inv.Command)
	}

	userID := inv.Args[0]

	if inv.Command == "removeadmin" {
		entry, _, err := b.gate.RoleOf(userID)
		if err != nil {
			return b.fail(ctx, inv, err)
		}

		if entry < model.RoleAdmin {
			return declined(ReasonNotFound, "%s is not an admin", userID)
		}
	}

	if err := b.gate.Grant(userID, role); err != nil {
		return declined(ReasonInvalidArgument, "%s", err.Error())
	}

	b.recordAudit(auditlog.KindWhitelistChange, inv.UserID, userID, "role="+role.String())

	return success("%s now has the %s role", userID, role)
}

func (b *Bot) handleWhitelistRemove(ctx context.Context, inv *Invocation) Result {
	if len(inv.Args) < 1 {
		return declined(ReasonInvalidArgument, "usage: removewhitelist <user-id>")
	}

	userID := inv.Args[0]

	if err := b.gate.Revoke(userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return declined(ReasonNotFound, "%s is not whitelisted", userID)
		}

		return declined(ReasonInvalidArgument, "%s", err.Error())
	}

	b.recordAudit(auditlog.KindWhitelistChange, inv.UserID, userID, "removed")

	return success("%s removed from the whitelist", userID)
}

func (b *Bot) handleSetChannel(ctx context.Context, inv *Invocation, key string) Result {
	if len(inv.Args) < 1 {
		return declined(ReasonInvalidArgument, "usage: %s <channel-id>", inv.Command)
	}

	if err := b.store.SetConfig(key, inv.Args[0]); err != nil {
		return b.fail(ctx, inv, err)
	}

	b.recordAudit(auditlog.KindConfigChange, inv.UserID, key, inv.Args[0])

	return success("%s set to %s", key, inv.Args[0])
}

func (b *Bot) handleTestError(ctx context.Context, inv *Invocation) Result {
	if b.escalator == nil || !b.escalator.HasSenders() {
		return declined(ReasonNotFound, "no error channel or recipient is configured")
	}

	sent := b.escalator.Escalate(ctx, &escalate.Report{
		Source:  "testerror",
		Summary: fmt.Sprintf("test error requested by %s", inv.UserID),
		Detail:  "this is a test of the error escalation path",
	})

	if !sent {
		return success("a test error was sent recently; suppressed as a duplicate")
	}

	return success("test error dispatched")
}

func (b *Bot) handleReload(ctx context.Context, inv *Invocation) Result {
	if b.reload == nil {
		return declined(ReasonNotFound, "reload is not available in this deployment")
	}

	if err := b.reload(ctx); err != nil {
		return b.fail(ctx, inv, err)
	}

	b.recordAudit(auditlog.KindConfigChange, inv.UserID, "reload", "operator config reloaded")

	return success("configuration reloaded")
}
