package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/greptilebot/greptilebot/internal/auth"
	"github.com/greptilebot/greptilebot/internal/escalate"
	"github.com/greptilebot/greptilebot/internal/greptile"
	"github.com/greptilebot/greptilebot/internal/lifecycle"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/quota"
	"github.com/greptilebot/greptilebot/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

// fakeAPI answers every endpoint with canned, successful responses.
func fakeAPI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repositories":
			_ = json.NewEncoder(w).Encode(greptile.SubmitRepositoryResponse{Message: "started"})

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/repositories/"):
			_ = json.NewEncoder(w).Encode(greptile.RepositoryStatus{
				Status:         "completed",
				FilesProcessed: 100,
				NumFiles:       100,
			})

		case r.Method == http.MethodPost && r.URL.Path == "/query":
			_ = json.NewEncoder(w).Encode(greptile.QueryResponse{
				Message: "the answer lives in the limiter",
				Sources: []greptile.Source{
					{Repository: "acme/widgets", FilePath: "internal/quota/quota.go", LineStart: 10, LineEnd: 20},
				},
			})

		case r.Method == http.MethodPost && r.URL.Path == "/search":
			_ = json.NewEncoder(w).Encode([]greptile.Source{
				{Repository: "acme/widgets", FilePath: "internal/quota/quota.go", LineStart: 10, LineEnd: 20},
				{Repository: "acme/widgets", FilePath: "internal/bot/bot.go", LineStart: 1, LineEnd: 5},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type botEnv struct {
	bot       *Bot
	store     *sqlite.Store
	gate      *auth.Gate
	manager   *lifecycle.Manager
	escalator *escalate.Escalator
	reloaded  int
}

func newTestBot(t *testing.T) *botEnv {
	t.Helper()

	server := httptest.NewServer(fakeAPI())
	t.Cleanup(server.Close)

	s, err := sqlite.New(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SeedConfigDefaults(model.ConfigDefaults))

	api, err := greptile.NewClient("test-key", "gh-token", greptile.ClientOptions{
		BaseURL: server.URL,
		Retries: 1,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	gate := auth.NewGate(s, testOwner, nil)
	require.NoError(t, gate.Grant("alice", model.RoleUser))
	require.NoError(t, gate.Grant("bob", model.RoleAdmin))

	limiter := quota.NewLimiter(s, nil, testOwner, nil)
	manager := lifecycle.NewManager(s, api, lifecycle.Options{PollInterval: time.Minute})
	escalator := escalate.New(nil, nil, false)

	env := &botEnv{store: s, gate: gate, manager: manager, escalator: escalator}

	env.bot = New(Options{
		Store:     s,
		Gate:      gate,
		Limiter:   limiter,
		Manager:   manager,
		API:       api,
		Escalator: escalator,
		Reload: func(context.Context) error {
			env.reloaded++

			return nil
		},
	})

	return env
}

func (e *botEnv) run(t *testing.T, userID, command string, args ...string) Result {
	t.Helper()

	return e.bot.Execute(context.Background(), &Invocation{
		UserID:  userID,
		Command: command,
		Args:    args,
	})
}

// trackCompleted submits a repository and reconciles it to completed.
func (e *botEnv) trackCompleted(t *testing.T) {
	t.Helper()

	result := e.run(t, "bob", "addrepo", "acme/widgets")
	require.Equal(t, Success, result.Outcome, result.Text)

	e.manager.Reconcile(context.Background())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantOK  bool
		command string
		args    []string
	}{
		{"plain command", "~listrepos", true, "listrepos", nil},
		{"command with args", "~query how does auth work", true, "query", []string{"how", "does", "auth", "work"}},
		{"uppercase is folded", "~QUERY stuff", true, "query", []string{"stuff"}},
		{"leading whitespace", "  ~listrepos", true, "listrepos", nil},
		{"no prefix", "listrepos", false, "", nil},
		{"prefix alone", "~", false, "", nil},
		{"unrelated chatter", "hello there", false, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := Parse("u1", "c1", tt.message, "~")
			require.Equal(t, tt.wantOK, ok)

			if !ok {
				return
			}

			require.Equal(t, tt.command, inv.Command)
			require.Equal(t, len(tt.args), len(inv.Args))
			require.Equal(t, strings.Join(tt.args, " "), inv.ArgText())
		})
	}
}

func TestParseRepoArg(t *testing.T) {
	tests := []struct {
		in    string
		owner string
		name  string
		ok    bool
	}{
		{"acme/widgets", "acme", "widgets", true},
		{"https://github.com/acme/widgets", "acme", "widgets", true},
		{"https://github.com/acme/widgets.git", "acme", "widgets", true},
		{"widgets", "", "", false},
		{"a/b/c", "", "", false},
		{"/widgets", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, name, ok := parseRepoArg(tt.in)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.owner, owner)
			require.Equal(t, tt.name, name)
		})
	}
}

func TestExecuteAuthorization(t *testing.T) {
	env := newTestBot(t)

	// a stranger cannot run anything
	result := env.run(t, "mallory", "query", "anything")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonUnauthorized, result.Reason)

	// a user cannot run admin commands
	result = env.run(t, "alice", "addrepo", "acme/widgets")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonUnauthorized, result.Reason)

	// an admin cannot run owner commands
	result = env.run(t, "bob", "reload")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonUnauthorized, result.Reason)
}

func TestExecuteUnknownCommand(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, testOwner, "selfdestruct")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonNotFound, result.Reason)
}

func TestQueryHappyPath(t *testing.T) {
	env := newTestBot(t)
	env.trackCompleted(t)

	result := env.run(t, "alice", "query", "where", "is", "the", "limiter")
	require.Equal(t, Success, result.Outcome, result.Text)
	require.Contains(t, result.Text, "the answer lives in the limiter")
	require.Contains(t, result.Text, "internal/quota/quota.go:10-20")
}

func TestSearchHappyPath(t *testing.T) {
	env := newTestBot(t)
	env.trackCompleted(t)

	result := env.run(t, "alice", "search", "limiter")
	require.Equal(t, Success, result.Outcome, result.Text)
	require.Contains(t, result.Text, "2 match(es)")
}

func TestQueryWithoutIndexedRepos(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "alice", "query", "anything")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonNotFound, result.Reason)
}

func TestSmartQueryQuota(t *testing.T) {
	env := newTestBot(t)
	env.trackCompleted(t)

	// the default smart allowance is a single query per day
	result := env.run(t, "alice", "smartquery", "deep", "question")
	require.Equal(t, Success, result.Outcome, result.Text)

	result = env.run(t, "alice", "smartquery", "another")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonQuotaExceeded, result.Reason)
	require.Contains(t, result.Text, "midnight UTC")

	// the owner is never throttled
	for i := 0; i < 3; i++ {
		result = env.run(t, testOwner, "smartquery", "more")
		require.Equal(t, Success, result.Outcome, result.Text)
	}
}

func TestAddRepoDuplicateDeclined(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "bob", "addrepo", "acme/widgets")
	require.Equal(t, Success, result.Outcome, result.Text)

	result = env.run(t, "bob", "addrepo", "acme/widgets")
	require.Equal(t, Declined, result.Outcome)
	require.Contains(t, result.Text, "already tracked")
}

func TestAddRepoInvalidArgument(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "bob", "addrepo", "not-a-repo")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonInvalidArgument, result.Reason)
}

func TestRepoStatusAndList(t *testing.T) {
	env := newTestBot(t)
	env.trackCompleted(t)

	result := env.run(t, "alice", "listrepos")
	require.Equal(t, Success, result.Outcome)
	require.Contains(t, result.Text, "acme/widgets")
	require.Contains(t, result.Text, "completed")

	result = env.run(t, "alice", "repostatus", "acme/widgets")
	require.Equal(t, Success, result.Outcome)
	require.Contains(t, result.Text, "acme/widgets (main): completed")

	result = env.run(t, "alice", "repostatus", "acme/unknown")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonNotFound, result.Reason)
}

func TestSetConfig(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "bob", "setconfig", "MAX_QUERIES_PER_DAY", "ten")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonInvalidArgument, result.Reason)

	result = env.run(t, "bob", "setconfig", "NOT_A_KEY", "1")
	require.Equal(t, Declined, result.Outcome)

	result = env.run(t, "bob", "setconfig", "max_queries_per_day", "10")
	require.Equal(t, Success, result.Outcome, result.Text)

	value, err := env.store.GetConfig("MAX_QUERIES_PER_DAY")
	require.NoError(t, err)
	require.Equal(t, "10", value)
}

func TestWhitelistCommands(t *testing.T) {
	env := newTestBot(t)

	// only the owner can mint admins
	result := env.run(t, testOwner, "addadmin", "carol")
	require.Equal(t, Success, result.Outcome, result.Text)

	result = env.run(t, "carol", "setconfig", "BOT_PREFIX", "!")
	require.Equal(t, Success, result.Outcome, result.Text)

	// demoting an admin leaves them a regular user
	result = env.run(t, testOwner, "removeadmin", "carol")
	require.Equal(t, Success, result.Outcome, result.Text)

	result = env.run(t, "carol", "setconfig", "BOT_PREFIX", "~")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonUnauthorized, result.Reason)

	result = env.run(t, testOwner, "removeadmin", "alice")
	require.Equal(t, Declined, result.Outcome)
	require.Contains(t, result.Text, "not an admin")

	result = env.run(t, "bob", "addwhitelist", "dave")
	require.Equal(t, Success, result.Outcome, result.Text)

	result = env.run(t, "bob", "removewhitelist", "dave")
	require.Equal(t, Success, result.Outcome, result.Text)

	result = env.run(t, "bob", "removewhitelist", "dave")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonNotFound, result.Reason)

	// the owner cannot be touched through chat commands
	result = env.run(t, "bob", "removewhitelist", testOwner)
	require.Equal(t, Declined, result.Outcome)
}

func TestHelpListsByRole(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "alice", "greptilehelp")
	require.Equal(t, Success, result.Outcome)
	require.Contains(t, result.Text, "query")
	require.NotContains(t, result.Text, "addrepo")

	result = env.run(t, testOwner, "greptilehelp")
	require.Equal(t, Success, result.Outcome)
	require.Contains(t, result.Text, "addadmin")
}

func TestTestErrorWithoutSenders(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "bob", "testerror")
	require.Equal(t, Declined, result.Outcome)
	require.Equal(t, ReasonNotFound, result.Reason)
}

func TestTestErrorWithSender(t *testing.T) {
	env := newTestBot(t)

	var delivered int

	env.escalator.Register(&escalate.FuncSender{
		SenderName: "capture",
		Fn: func(context.Context, *escalate.Report) error {
			delivered++

			return nil
		},
	})

	result := env.run(t, "bob", "testerror")
	require.Equal(t, Success, result.Outcome, result.Text)
	require.Equal(t, 1, delivered)

	// a second request inside the dedup window is acknowledged but not
	// re-sent
	result = env.run(t, "bob", "testerror")
	require.Equal(t, Success, result.Outcome)
	require.Contains(t, result.Text, "suppressed")
	require.Equal(t, 1, delivered)
}

func TestReload(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, testOwner, "reload")
	require.Equal(t, Success, result.Outcome, result.Text)
	require.Equal(t, 1, env.reloaded)
}

func TestSetChannels(t *testing.T) {
	env := newTestBot(t)

	result := env.run(t, "bob", "seterrorchannel", "C123")
	require.Equal(t, Success, result.Outcome, result.Text)

	value, err := env.store.GetConfig(model.KeyErrorChannel)
	require.NoError(t, err)
	require.Equal(t, "C123", value)
}
