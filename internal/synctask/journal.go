package synctask

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/soulsnaps/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS pending_tasks (
    id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    task_key TEXT NOT NULL,
    payload BLOB NOT NULL,
    seq INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    next_attempt TEXT NOT NULL DEFAULT '', -- RFC3339Nano, empty when due
    last_error TEXT NOT NULL DEFAULT '',
    enqueued_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_tasks_key ON pending_tasks(task_key);
`

type journalRow struct {
	ID          uint64 `db:"id"`
	Kind        string `db:"kind"`
	Key         string `db:"task_key"`
	Payload     []byte `db:"payload"`
	Seq         uint64 `db:"seq"`
	RetryCount  int    `db:"retry_count"`
	NextAttempt string `db:"next_attempt"`
	LastError   string `db:"last_error"`
	EnqueuedAt  string `db:"enqueued_at"`
}

// Journal is a Store backed by SQLite
type Journal struct {
	db     *sqlx.DB
	dbPath string
}

// OpenJournal opens or creates the journal at dbPath. Use ":memory:" for a
// throwaway journal.
func OpenJournal(dbPath string) (*Journal, error) {
	conn, err := db.Open(db.WithPath(dbPath), db.WithMaxOpenConns(1), db.WithSchema(journalSchema))
	if err != nil {
		return nil, fmt.Errorf("open task journal: %w", err)
	}
	return &Journal{db: conn, dbPath: dbPath}, nil
}

func (j *Journal) Save(entry *Entry) error {
	payload, err := Encode(entry.Task)
	if err != nil {
		return err
	}

	var nextAttempt string
	if !entry.NextAttempt.IsZero() {
		nextAttempt = entry.NextAttempt.UTC().Format(time.RFC3339Nano)
	}

	_, err = j.db.Exec(`
		INSERT OR REPLACE INTO pending_tasks
			(id, kind, task_key, payload, seq, retry_count, next_attempt, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		string(entry.Task.Kind()),
		entry.Task.Key(),
		payload,
		entry.Seq,
		entry.RetryCount,
		nextAttempt,
		entry.LastError,
		entry.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", entry.Task.Key(), err)
	}
	return nil
}

func (j *Journal) Remove(id uint64) error {
	if _, err := j.db.Exec("DELETE FROM pending_tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove task %d: %w", id, err)
	}
	return nil
}

// Load returns every persisted entry. Rows that can no longer be decoded are
// logged and dropped.
func (j *Journal) Load() ([]*Entry, error) {
	var rows []journalRow
	if err := j.db.Select(&rows, "SELECT * FROM pending_tasks ORDER BY id"); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			slog.Warn("task journal dropping row", "id", row.ID, "key", row.Key, "error", err)
			_ = j.Remove(row.ID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of persisted entries
func (j *Journal) Count() (int, error) {
	var count int
	if err := j.db.Get(&count, "SELECT COUNT(*) FROM pending_tasks"); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close task journal: %w", err)
	}
	return nil
}

func (r journalRow) toEntry() (*Entry, error) {
	task, err := Decode(Kind(r.Kind), r.Payload)
	if err != nil {
		return nil, err
	}

	enqueuedAt, err := time.Parse(time.RFC3339Nano, r.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueued_at: %w", err)
	}

	var nextAttempt time.Time
	if r.NextAttempt != "" {
		if nextAttempt, err = time.Parse(time.RFC3339Nano, r.NextAttempt); err != nil {
			return nil, fmt.Errorf("next_attempt: %w", err)
		}
	}

	return &Entry{
		ID:          r.ID,
		Task:        task,
		Seq:         r.Seq,
		RetryCount:  r.RetryCount,
		NextAttempt: nextAttempt,
		LastError:   r.LastError,
		EnqueuedAt:  enqueuedAt,
	}, nil
}
