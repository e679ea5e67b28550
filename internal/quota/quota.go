// Package quota enforces per-user daily query limits.
package quota

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/greptilebot/greptilebot/internal/auditlog"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store"
)

// stripeCount must be a power of two for the mask in stripeFor.
const stripeCount = 64

// ExceededError indicates a user has spent their daily allowance.
type ExceededError struct {
	UserID string
	Class  model.QueryClass
	Limit  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("user %s has reached the daily %s query limit (%d)",
		e.UserID, e.Class, e.Limit)
}

// Limiter debits daily query quota. Limits are read from config on
// every debit so admin changes apply without restarts.
type Limiter struct {
	store   store.Store
	audit   *auditlog.Log
	ownerID string
	logger  *slog.Logger

	// now is swappable in tests to pin the day boundary.
	now func() time.Time

	stripes [stripeCount]sync.Mutex
}

// NewLimiter creates a Limiter. audit may be nil when audit logging is
// disabled.
func NewLimiter(s store.Store, audit *auditlog.Log, ownerID string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		store:   s,
		audit:   audit,
		ownerID: ownerID,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) limitFor(class model.QueryClass) int {
	switch class {
	case model.ClassSmart:
		return store.IntConfig(l.store, model.KeyMaxSmartQueriesPerDay, 1)
	default:
		return store.IntConfig(l.store, model.KeyMaxQueriesPerDay, 5)
	}
}

func (l *Limiter) stripeFor(userID string, class model.QueryClass, day string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(class))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(day))

	return &l.stripes[h.Sum32()&(stripeCount-1)]
}

// Debit spends one unit of the user's daily allowance for class. The
// owner is exempt and never debited. Counts for each class are
// independent, and each UTC day starts fresh.
func (l *Limiter) Debit(userID string, class model.QueryClass) error {
	if l.ownerID != "" && userID == l.ownerID {
		return nil
	}

	day := model.DayOf(l.now().UTC())

	mu := l.stripeFor(userID, class, day)
	mu.Lock()
	defer mu.Unlock()

	// Read the limit under the lock so a concurrent setconfig cannot
	// leave an in-flight debit checking against a stale value.
	limit := l.limitFor(class)

	count, ok, err := l.store.IncrementQuota(userID, class, day, limit)
	if err != nil {
		return fmt.Errorf("debiting quota: %w", err)
	}

	if !ok {
		l.logger.Info("quota exceeded",
			slog.String("user_id", userID),
			slog.String("class", string(class)),
			slog.Int("limit", limit),
		)

		l.record(auditlog.KindQuotaDenied, userID, class, count, limit)

		return &ExceededError{UserID: userID, Class: class, Limit: limit}
	}

	l.record(auditlog.KindQuotaDebit, userID, class, count, limit)

	return nil
}

// Remaining reports how many units the user has left today for class.
// The owner always has the full limit reported as remaining.
func (l *Limiter) Remaining(userID string, class model.QueryClass) (int, error) {
	limit := l.limitFor(class)

	if l.ownerID != "" && userID == l.ownerID {
		return limit, nil
	}

	day := model.DayOf(l.now().UTC())

	count, err := l.store.GetQuotaCount(userID, class, day)
	if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

func (l *Limiter) record(kind auditlog.EventKind, userID string, class model.QueryClass, count, limit int) {
	if l.audit == nil {
		return
	}

	if err := l.audit.Append(auditlog.Event{
		Kind:    kind,
		UserID:  userID,
		Subject: string(class),
		Detail:  fmt.Sprintf("count=%d limit=%d", count, limit),
	}); err != nil {
		l.logger.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}
