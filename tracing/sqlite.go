package tracing

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/iotrack/tracking"
)

// SQLiteArchiveWriter writes released records and violations to a SQLite
// database.
type SQLiteArchiveWriter struct {
	*sql.DB
	recordStatement    *sql.Stmt
	eventStatement     *sql.Stmt
	violationStatement *sql.Stmt

	mu                sync.Mutex
	dbName            string
	recordsToWrite    []tracking.Dump
	violationsToWrite []tracking.Violation
	batchSize         int
}

// NewSQLiteArchiveWriter creates a new SQLiteArchiveWriter. The database
// file is path with a ".sqlite3" suffix. An empty path picks a unique name.
func NewSQLiteArchiveWriter(path string) *SQLiteArchiveWriter {
	w := &SQLiteArchiveWriter{
		dbName:    path,
		batchSize: 10000,
	}

	atexit.Register(func() { _ = w.Flush() })

	return w
}

// FileName returns the name of the database file.
func (w *SQLiteArchiveWriter) FileName() string {
	return w.dbName + ".sqlite3"
}

// Init creates the database file and its tables. It fails if the file
// already exists.
func (w *SQLiteArchiveWriter) Init() error {
	if w.dbName == "" {
		w.dbName = "iotrack_archive_" + xid.New().String()
	}

	filename := w.FileName()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("archive %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", filename, err)
	}

	w.DB = db

	if err := w.createTables(); err != nil {
		return err
	}

	return w.prepareStatements()
}

func (w *SQLiteArchiveWriter) createTables() error {
	statements := []string{
		`create table record
		(
			identity       integer not null,
			handle         varchar(32),
			operation      varchar(16),
			flags          varchar(200),
			violations     integer,
			top_location   varchar(100),
			last_location  varchar(100),
			chain_head     integer,
			status         integer,
			information    integer,
			trace          text,
			created_at     integer,
			released_at    integer
		);`,
		`create index record_identity_index on record (identity);`,
		`create index record_top_location_index on record (top_location);`,
		`create table event
		(
			identity   integer not null,
			released_at integer not null,
			seq        integer not null,
			kind       varchar(32),
			thread     integer,
			address    integer,
			data       integer,
			timestamp  integer
		);`,
		`create index event_identity_index on event (identity);`,
		`create table violation
		(
			id        varchar(32) not null,
			kind      varchar(64) not null,
			identity  integer,
			handle    varchar(32),
			node      varchar(100),
			detail    text,
			trace     text
		);`,
		`create index violation_kind_index on violation (kind);`,
	}

	for _, s := range statements {
		if _, err := w.Exec(s); err != nil {
			return fmt.Errorf("creating archive tables: %w", err)
		}
	}

	return nil
}

func (w *SQLiteArchiveWriter) prepareStatements() error {
	var err error

	w.recordStatement, err = w.Prepare(
		`INSERT INTO record VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing record statement: %w", err)
	}

	w.eventStatement, err = w.Prepare(
		`INSERT INTO event VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing event statement: %w", err)
	}

	w.violationStatement, err = w.Prepare(
		`INSERT INTO violation VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing violation statement: %w", err)
	}

	return nil
}

// WriteRecord buffers a released record.
func (w *SQLiteArchiveWriter) WriteRecord(d tracking.Dump) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.recordsToWrite = append(w.recordsToWrite, d)
	if len(w.recordsToWrite) >= w.batchSize {
		return w.flush()
	}

	return nil
}

// WriteViolation buffers a violation.
func (w *SQLiteArchiveWriter) WriteViolation(v tracking.Violation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.violationsToWrite = append(w.violationsToWrite, v)
	if len(w.violationsToWrite) >= w.batchSize {
		return w.flush()
	}

	return nil
}

// Flush writes all the buffered records and violations in one transaction.
func (w *SQLiteArchiveWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.flush()
}

func (w *SQLiteArchiveWriter) flush() error {
	if w.DB == nil ||
		(len(w.recordsToWrite) == 0 && len(w.violationsToWrite) == 0) {
		return nil
	}

	tx, err := w.Begin()
	if err != nil {
		return fmt.Errorf("flushing archive: %w", err)
	}

	if err := w.flushInto(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flushing archive: %w", err)
	}

	w.recordsToWrite = nil
	w.violationsToWrite = nil

	return nil
}

func (w *SQLiteArchiveWriter) flushInto(tx *sql.Tx) error {
	records := tx.Stmt(w.recordStatement)
	events := tx.Stmt(w.eventStatement)
	violations := tx.Stmt(w.violationStatement)

	for _, d := range w.recordsToWrite {
		trace, err := json.Marshal(d.Trace)
		if err != nil {
			return err
		}

		_, err = records.Exec(
			int64(d.Identity),
			d.Handle.String(),
			fmt.Sprintf("%d.%d", d.Operation.Major, d.Operation.Minor),
			d.Flags.String(),
			d.Violations,
			d.TopLocation,
			d.LastLocation,
			int64(d.ChainHead),
			d.Result.Status,
			int64(d.Result.Information),
			string(trace),
			d.CreatedAt,
			d.ReleasedAt,
		)
		if err != nil {
			return fmt.Errorf("archiving record %s: %w", d.Identity, err)
		}

		for i, e := range d.Events {
			_, err := events.Exec(
				int64(d.Identity),
				d.ReleasedAt,
				i,
				e.Kind.String(),
				int64(e.Thread),
				int64(e.Address),
				int64(e.Data),
				e.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("archiving events of %s: %w", d.Identity, err)
			}
		}
	}

	for _, v := range w.violationsToWrite {
		trace, err := json.Marshal(v.Trace.Frames())
		if err != nil {
			return err
		}

		_, err = violations.Exec(
			xid.New().String(),
			v.Kind.String(),
			int64(v.Identity),
			v.Handle.String(),
			v.Node,
			v.Detail,
			string(trace),
		)
		if err != nil {
			return fmt.Errorf("archiving %s violation: %w", v.Kind, err)
		}
	}

	return nil
}

// Close flushes the buffers and closes the database.
func (w *SQLiteArchiveWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.DB == nil {
		return nil
	}

	err := errors.Join(w.flush(), w.DB.Close())
	w.DB = nil

	return err
}

// ArchivedRecord is a record row read back from an archive.
type ArchivedRecord struct {
	Identity     tracking.Identity
	Flags        string
	Violations   uint32
	TopLocation  string
	LastLocation string
	Trace        []string
	Events       []string
}

// ArchivedViolation is a violation row read back from an archive.
type ArchivedViolation struct {
	Kind     string
	Identity tracking.Identity
	Node     string
	Detail   string
}

// SQLiteArchiveReader reads an archive written by SQLiteArchiveWriter.
type SQLiteArchiveReader struct {
	*sql.DB

	filename string
}

// NewSQLiteArchiveReader creates a reader of the given database file.
func NewSQLiteArchiveReader(filename string) *SQLiteArchiveReader {
	return &SQLiteArchiveReader{filename: filename}
}

// Init opens the database.
func (r *SQLiteArchiveReader) Init() error {
	db, err := sql.Open("sqlite3", r.filename)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", r.filename, err)
	}

	r.DB = db

	return nil
}

// ListRecords returns the archived records that started at node, or all of
// them if node is empty, in release order.
func (r *SQLiteArchiveReader) ListRecords(node string) ([]ArchivedRecord, error) {
	rows, err := r.Query(`
		SELECT identity, flags, violations, top_location, last_location,
			trace, released_at
		FROM record
		WHERE ? = '' OR top_location = ?
		ORDER BY released_at, identity
	`, node, node)
	if err != nil {
		return nil, fmt.Errorf("listing archived records: %w", err)
	}
	defer rows.Close()

	var (
		records  []ArchivedRecord
		released []int64
	)

	for rows.Next() {
		var (
			rec        ArchivedRecord
			id         int64
			trace      string
			releasedAt int64
		)

		err := rows.Scan(&id, &rec.Flags, &rec.Violations,
			&rec.TopLocation, &rec.LastLocation, &trace, &releasedAt)
		if err != nil {
			return nil, err
		}

		rec.Identity = tracking.Identity(id)
		if err := json.Unmarshal([]byte(trace), &rec.Trace); err != nil {
			return nil, err
		}

		records = append(records, rec)
		released = append(released, releasedAt)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		events, err := r.listEvents(records[i].Identity, released[i])
		if err != nil {
			return nil, err
		}

		records[i].Events = events
	}

	return records, nil
}

func (r *SQLiteArchiveReader) listEvents(
	id tracking.Identity,
	releasedAt int64,
) ([]string, error) {
	rows, err := r.Query(`
		SELECT kind FROM event
		WHERE identity = ? AND released_at = ?
		ORDER BY seq
	`, int64(id), releasedAt)
	if err != nil {
		return nil, fmt.Errorf("listing archived events: %w", err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}

		kinds = append(kinds, k)
	}

	return kinds, rows.Err()
}

// ListViolations returns the archived violations of the given kind, or all
// of them if kind is empty.
func (r *SQLiteArchiveReader) ListViolations(kind string) ([]ArchivedViolation, error) {
	rows, err := r.Query(`
		SELECT kind, identity, node, detail FROM violation
		WHERE ? = '' OR kind = ?
		ORDER BY rowid
	`, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("listing archived violations: %w", err)
	}
	defer rows.Close()

	var violations []ArchivedViolation
	for rows.Next() {
		var (
			v  ArchivedViolation
			id int64
		)

		if err := rows.Scan(&v.Kind, &id, &v.Node, &v.Detail); err != nil {
			return nil, err
		}

		v.Identity = tracking.Identity(id)
		violations = append(violations, v)
	}

	return violations, rows.Err()
}
