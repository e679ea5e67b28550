// Package auditlog records notable bot events in an append-only log.
//
// The log is kept in a separate bolt file so that audit history
// survives independently of the relational store and can be inspected
// offline.
package auditlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const bucketEvents = "events" // key: big-endian sequence -> Event JSON

// EventKind classifies an audit entry.
type EventKind string

const (
	KindQuotaDebit       EventKind = "quota_debit"
	KindQuotaDenied      EventKind = "quota_denied"
	KindAccessDenied     EventKind = "access_denied"
	KindRepoTransition   EventKind = "repo_transition"
	KindErrorEscalation  EventKind = "error_escalation"
	KindWhitelistChange  EventKind = "whitelist_change"
	KindConfigChange     EventKind = "config_change"
	KindRepoResubmission EventKind = "repo_resubmission"
)

// Event is one audit log entry.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	UserID  string    `json:"user_id,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Log is an append-only event log backed by bolt.
type Log struct {
	storage *bbolt.DB
}

// Open opens or creates the audit log at path.
func Open(path string) (*Log, error) {
	instance, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := instance.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEvents))

		return err
	}); err != nil {
		_ = instance.Close()

		return nil, err
	}

	return &Log{storage: instance}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.storage.Close()
}

// Append writes one event. The event's ID and timestamp are filled in
// when unset.
func (l *Log) Append(event Event) error {
	if event.Kind == "" {
		return errors.New("event kind is required")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	data, err := json.Marshal(&event)
	if err != nil {
		return err
	}

	return l.storage.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEvents))

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return bucket.Put(key, data)
	})
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	var events []Event

	err := l.storage.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketEvents)).Cursor()

		for k, v := cursor.Last(); k != nil && len(events) < limit; k, v = cursor.Prev() {
			var e Event

			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			events = append(events, e)
		}

		return nil
	})

	return events, err
}

// ByKind returns up to limit events of one kind, newest first.
func (l *Log) ByKind(kind EventKind, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	var events []Event

	err := l.storage.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketEvents)).Cursor()

		for k, v := cursor.Last(); k != nil && len(events) < limit; k, v = cursor.Prev() {
			var e Event

			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if e.Kind == kind {
				events = append(events, e)
			}
		}

		return nil
	})

	return events, err
}

// Len returns the number of stored events.
func (l *Log) Len() (int, error) {
	var n int

	err := l.storage.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(bucketEvents)).Stats().KeyN

		return nil
	})

	return n, err
}
