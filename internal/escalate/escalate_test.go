package escalate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureSender records everything it is asked to deliver.
type captureSender struct {
	name string

	mu      sync.Mutex
	reports []Report
}

func (c *captureSender) Send(_ context.Context, report *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reports = append(c.reports, *report)

	return nil
}

func (c *captureSender) Name() string { return c.name }

func (c *captureSender) delivered() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Report, len(c.reports))
	copy(out, c.reports)

	return out
}

// maskRedactor replaces one known secret.
type maskRedactor struct {
	secret string
}

func (r *maskRedactor) Redact(text string) string {
	return strings.ReplaceAll(text, r.secret, "****")
}

func newSyncEscalator(redactor Redactor) (*Escalator, *captureSender) {
	e := New(redactor, nil, false)
	sender := &captureSender{name: "capture"}
	e.Register(sender)

	return e, sender
}

func TestEscalateDelivers(t *testing.T) {
	e, sender := newSyncEscalator(nil)

	ok := e.Escalate(context.Background(), &Report{
		Source:     "reconcile",
		Summary:    "indexing stalled",
		Repository: "acme/widgets",
	})
	require.True(t, ok)

	reports := sender.delivered()
	require.Len(t, reports, 1)
	require.Equal(t, "reconcile", reports[0].Source)
	require.Equal(t, "acme/widgets", reports[0].Repository)
	require.False(t, reports[0].Timestamp.IsZero())
}

func TestEscalateSuppressesDuplicates(t *testing.T) {
	e, sender := newSyncEscalator(nil)

	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return current })

	ctx := context.Background()

	require.True(t, e.Escalate(ctx, &Report{Source: "reconcile", Summary: "indexing stalled"}))
	require.False(t, e.Escalate(ctx, &Report{Source: "reconcile", Summary: "indexing stalled"}))

	// a different failure is not suppressed
	require.True(t, e.Escalate(ctx, &Report{Source: "reconcile", Summary: "status poll failed"}))

	// once the window passes, the original fires again
	current = current.Add(6 * time.Minute)

	require.True(t, e.Escalate(ctx, &Report{Source: "reconcile", Summary: "indexing stalled"}))
	require.Len(t, sender.delivered(), 3)
}

func TestEscalateRedactsSecrets(t *testing.T) {
	e, sender := newSyncEscalator(&maskRedactor{secret: "tok_12345"})

	e.Escalate(context.Background(), &Report{
		Source:  "command/query",
		Summary: "request with token tok_12345 failed",
		Detail:  "Bearer tok_12345 rejected",
	})

	reports := sender.delivered()
	require.Len(t, reports, 1)
	require.NotContains(t, reports[0].Summary, "tok_12345")
	require.NotContains(t, reports[0].Detail, "tok_12345")
	require.Contains(t, reports[0].Summary, "****")
}

func TestUnregister(t *testing.T) {
	e, sender := newSyncEscalator(nil)

	require.True(t, e.HasSenders())

	e.Unregister("capture")
	require.False(t, e.HasSenders())

	e.Escalate(context.Background(), &Report{Source: "test", Summary: "dropped"})
	require.Empty(t, sender.delivered())
}

func TestEscalateError(t *testing.T) {
	e, sender := newSyncEscalator(nil)

	require.True(t, e.EscalateError(context.Background(), "quota", errors.New("store unavailable")))

	reports := sender.delivered()
	require.Len(t, reports, 1)
	require.Equal(t, "store unavailable", reports[0].Summary)
}

func TestSenderPanicIsContained(t *testing.T) {
	e := New(nil, nil, false)

	e.Register(&FuncSender{
		SenderName: "exploding",
		Fn: func(context.Context, *Report) error {
			panic("sender bug")
		},
	})

	healthy := &captureSender{name: "healthy"}
	e.Register(healthy)

	require.True(t, e.Escalate(context.Background(), &Report{Source: "test", Summary: "boom"}))
	require.Len(t, healthy.delivered(), 1)
}
