package auditlog

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "audit.bolt"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	return l
}

func TestAppendFillsDefaults(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Append(Event{Kind: KindQuotaDebit, UserID: "alice"}))

	events, err := l.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].ID)
	require.False(t, events[0].At.IsZero())
	require.Equal(t, "alice", events[0].UserID)
}

func TestAppendRequiresKind(t *testing.T) {
	l := newTestLog(t)

	require.Error(t, l.Append(Event{UserID: "alice"}))
}

func TestRecentNewestFirst(t *testing.T) {
	l := newTestLog(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Event{
			Kind:   KindRepoTransition,
			Detail: fmt.Sprintf("event-%d", i),
		}))
	}

	events, err := l.Recent(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "event-4", events[0].Detail)
	require.Equal(t, "event-3", events[1].Detail)
	require.Equal(t, "event-2", events[2].Detail)
}

func TestByKind(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Append(Event{Kind: KindQuotaDebit, UserID: "alice"}))
	require.NoError(t, l.Append(Event{Kind: KindAccessDenied, UserID: "mallory"}))
	require.NoError(t, l.Append(Event{Kind: KindQuotaDebit, UserID: "bob"}))

	events, err := l.ByKind(KindQuotaDebit, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "bob", events[0].UserID)
	require.Equal(t, "alice", events[1].UserID)
}

func TestLenAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.bolt")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(Event{Kind: KindConfigChange}))
	require.NoError(t, l.Close())

	// events survive a reopen
	l, err = Open(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = l.Close() })

	n, err := l.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
