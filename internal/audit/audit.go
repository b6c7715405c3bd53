// Package audit persists an append-only record of every classification
// outcome the Trace Supervisor reaches, for later inspection. Nothing
// in the monitor reads these records back — the log is observability
// output, not monitor state the daemon restores on restart.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"
)

// Outcome enumerates the possible results of classifying a traced
// descendant, matching the branches of §4.5.1.
type Outcome string

const (
	OutcomeVanished        Outcome = "vanished"
	OutcomePending         Outcome = "pending_uid"
	OutcomeNotTarget       Outcome = "not_target"
	OutcomeIsolatedMatch   Outcome = "isolated_match"
	OutcomeAppZygoteMatch  Outcome = "app_zygote_match"
	OutcomeNamespaceShared Outcome = "namespace_not_separated"
	OutcomeTargetHandedOff Outcome = "target_handed_off"
)

// Record is one append-only audit entry.
type Record struct {
	Timestamp time.Time
	PID       int
	UID       int
	Comm      string
	Outcome   Outcome
	Detail    string
}

// Log is the Audit Log. The zero value is not usable; construct with
// Open.
type Log struct {
	db        *sql.DB
	usernames *lru.Cache
}

// Open creates or opens a WAL-mode sqlite database at
// <dataDir>/audit.db and ensures its schema exists.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("audit: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: enable WAL mode: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	cache, err := lru.New(256)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create username cache: %w", err)
	}

	return &Log{db: db, usernames: cache}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS classifications (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		uid       INTEGER NOT NULL,
		username  TEXT,
		comm      TEXT,
		outcome   TEXT NOT NULL,
		detail    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_pid ON classifications(pid);
	CREATE INDEX IF NOT EXISTS idx_classifications_outcome ON classifications(outcome);
	CREATE INDEX IF NOT EXISTS idx_classifications_timestamp ON classifications(timestamp);`
	_, err := db.Exec(schema)
	return err
}

// Append writes rec to the log. A failed write is logged by the
// caller; it never blocks or aborts classification.
func (l *Log) Append(rec Record) error {
	username := l.lookupUsername(rec.UID)
	_, err := l.db.Exec(
		`INSERT INTO classifications (timestamp, pid, uid, username, comm, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.PID, rec.UID, username, rec.Comm, string(rec.Outcome), rec.Detail,
	)
	return err
}

// lookupUsername resolves uid to a username, caching the result. This
// cache is a cosmetic convenience for the audit trail and must never
// be reused inside internal/procfs, whose reads have to stay uncached
// to reflect a process's identity the moment it's checked.
func (l *Log) lookupUsername(uid int) string {
	if name, ok := l.usernames.Get(uid); ok {
		return name.(string)
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	l.usernames.Add(uid, name)
	return name
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
