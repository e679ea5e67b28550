// Package escalate routes error reports to the people who can act on
// them.
package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// dedupWindow suppresses repeats of the same report. A burst of
// identical failures produces one escalation, not one per occurrence.
const dedupWindow = 5 * time.Minute

// Report is one error worth telling a human about.
type Report struct {
	// Source names the component that produced the error.
	Source string

	// Summary is a one-line description.
	Summary string

	// Detail carries the full error text.
	Detail string

	// Repository is the affected repository, when one is involved.
	Repository string

	// Timestamp is when the error occurred.
	Timestamp time.Time
}

// Fingerprint identifies a report for dedup purposes. Two reports with
// the same source and summary are the same failure.
func (r *Report) Fingerprint() string {
	return r.Source + "\x00" + r.Summary
}

// Sender delivers a report somewhere.
type Sender interface {
	// Send delivers the report. Errors are logged, not retried.
	Send(ctx context.Context, report *Report) error

	// Name identifies the sender for logging.
	Name() string
}

// FuncSender adapts a function to the Sender interface.
type FuncSender struct {
	SenderName string
	Fn         func(ctx context.Context, report *Report) error
}

func (f *FuncSender) Send(ctx context.Context, report *Report) error {
	return f.Fn(ctx, report)
}

func (f *FuncSender) Name() string {
	return f.SenderName
}

// Redactor strips secrets from outbound text.
type Redactor interface {
	Redact(text string) string
}

// Escalator dispatches reports to registered senders, deduplicating
// repeats and redacting secrets on the way out.
type Escalator struct {
	senders  []Sender
	redactor Redactor
	logger   *slog.Logger
	async    bool

	mu       sync.Mutex
	lastSent map[string]time.Time

	// now is swappable in tests.
	now func() time.Time
}

// New creates an Escalator. redactor may be nil to disable redaction.
// If async is true, delivery runs in goroutines.
func New(redactor Redactor, logger *slog.Logger, async bool) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Escalator{
		redactor: redactor,
		logger:   logger,
		async:    async,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (e *Escalator) SetClock(now func() time.Time) {
	e.now = now
}

// Register adds a sender.
func (e *Escalator) Register(sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.senders = append(e.senders, sender)
}

// Unregister removes a sender by name.
func (e *Escalator) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	filtered := make([]Sender, 0, len(e.senders))

	for _, s := range e.senders {
		if s.Name() != name {
			filtered = append(filtered, s)
		}
	}

	e.senders = filtered
}

// HasSenders reports whether any sender is registered.
func (e *Escalator) HasSenders() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.senders) > 0
}

// Escalate dispatches a report. Returns false when the report was
// suppressed as a duplicate.
func (e *Escalator) Escalate(ctx context.Context, report *Report) bool {
	if report.Timestamp.IsZero() {
		report.Timestamp = e.now()
	}

	e.mu.Lock()

	fp := report.Fingerprint()
	if last, ok := e.lastSent[fp]; ok && report.Timestamp.Sub(last) < dedupWindow {
		e.mu.Unlock()

		e.logger.Debug("suppressing duplicate error report",
			slog.String("source", report.Source),
			slog.String("summary", report.Summary),
		)

		return false
	}

	e.lastSent[fp] = report.Timestamp

	senders := make([]Sender, len(e.senders))
	copy(senders, e.senders)
	e.mu.Unlock()

	if e.redactor != nil {
		report.Summary = e.redactor.Redact(report.Summary)
		report.Detail = e.redactor.Redact(report.Detail)
	}

	if len(senders) == 0 {
		e.logger.Warn("error report has nowhere to go",
			slog.String("source", report.Source),
			slog.String("summary", report.Summary),
		)

		return true
	}

	if e.async {
		for _, sender := range senders {
			go e.sendWithRecover(ctx, sender, report)
		}
	} else {
		for _, sender := range senders {
			e.sendWithRecover(ctx, sender, report)
		}
	}

	return true
}

// EscalateError is a convenience wrapper for plain errors.
func (e *Escalator) EscalateError(ctx context.Context, source string, err error) bool {
	return e.Escalate(ctx, &Report{
		Source:  source,
		Summary: err.Error(),
		Detail:  fmt.Sprintf("%+v", err),
	})
}

func (e *Escalator) sendWithRecover(ctx context.Context, sender Sender, report *Report) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in error report sender",
				slog.String("sender", sender.Name()),
				slog.Any("panic", r),
			)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := sender.Send(sendCtx, report); err != nil {
		e.logger.Error("failed to deliver error report",
			slog.String("sender", sender.Name()),
			slog.String("error", err.Error()),
		)
	}
}
