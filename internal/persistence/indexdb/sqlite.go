// Package indexdb keeps a queryable sqlite index of saves, archives and mutation audits.
// The index is secondary: the persist file and the audit log remain the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"voxelshard.ai/internal/dispatch"
	"voxelshard.ai/internal/persistence/archive"
	"voxelshard.ai/internal/persistence/snapshot"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit   atomic.Uint64
	dropSave    atomic.Uint64
	dropArchive atomic.Uint64
	written     atomic.Uint64
	failed      atomic.Uint64
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropAuditTotal   uint64
	DropSaveTotal    uint64
	DropArchiveTotal uint64
	WrittenTotal     uint64
	FailedTotal      uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSave
	reqArchive
)

type req struct {
	kind reqKind

	audit   dispatch.AuditEntry
	save    snapshot.SaveResult
	archive archive.Entry
}

// SaveRow is one indexed save.
type SaveRow struct {
	SavedAt    time.Time
	Path       string
	Generation uint64
	Bytes      int
	Records    int
	Nodes      int
	Duration   time.Duration
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 16384)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pragmas")
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "schema")
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			saved_at INTEGER NOT NULL,
			path TEXT NOT NULL,
			generation INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			records INTEGER NOT NULL,
			nodes INTEGER NOT NULL,
			duration_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_saves_saved_at ON saves(saved_at);`,
		`CREATE TABLE IF NOT EXISTS archives (
			path TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			generation INTEGER NOT NULL,
			records INTEGER NOT NULL,
			raw_bytes INTEGER NOT NULL,
			zstd_bytes INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS mutations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			sender TEXT NOT NULL,
			peer_id TEXT,
			type TEXT NOT NULL,
			item INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			command TEXT,
			reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_sender_at ON mutations(sender, at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteAudit indexes one handled packet. It never blocks; entries are dropped when the
// writer falls behind.
func (s *SQLiteIndex) WriteAudit(e dispatch.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: e}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSave(r snapshot.SaveResult) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSave, save: r}:
	default:
		s.dropSave.Add(1)
	}
}

func (s *SQLiteIndex) RecordArchive(e archive.Entry) {
	if s == nil || s.closed.Load() || e.Path == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqArchive, archive: e}:
	default:
		s.dropArchive.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropAuditTotal:   s.dropAudit.Load(),
		DropSaveTotal:    s.dropSave.Load(),
		DropArchiveTotal: s.dropArchive.Load(),
		WrittenTotal:     s.written.Load(),
		FailedTotal:      s.failed.Load(),
	}
}

// RecentSaves returns up to limit saves, newest first.
func (s *SQLiteIndex) RecentSaves(ctx context.Context, limit int) ([]SaveRow, error) {
	return recentSaves(ctx, s.db, limit)
}

// ReadSaves opens an index file read-only style and lists its newest saves. It is meant for
// tools running next to (or instead of) the server.
func ReadSaves(ctx context.Context, path string, limit int) ([]SaveRow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return recentSaves(ctx, db, limit)
}

func recentSaves(ctx context.Context, db *sql.DB, limit int) ([]SaveRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT saved_at,path,generation,bytes,records,nodes,duration_us FROM saves ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SaveRow
	for rows.Next() {
		var (
			r       SaveRow
			at      int64
			gen     int64
			durUsec int64
		)
		if err := rows.Scan(&at, &r.Path, &gen, &r.Bytes, &r.Records, &r.Nodes, &durUsec); err != nil {
			return nil, err
		}
		r.SavedAt = time.UnixMilli(at).UTC()
		r.Generation = uint64(gen)
		r.Duration = time.Duration(durUsec) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT INTO mutations(at,sender,peer_id,type,item,bytes,applied,skipped,command,reason) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertSave, _ := s.db.Prepare(`INSERT INTO saves(saved_at,path,generation,bytes,records,nodes,duration_us) VALUES(?,?,?,?,?,?,?)`)
	insertArchive, _ := s.db.Prepare(`INSERT OR REPLACE INTO archives(path,created_at,generation,records,raw_bytes,zstd_bytes) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertSave, insertArchive} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			exec(insertAudit, a.Time.UnixMilli(), a.Sender, a.PeerID, a.Type, int(a.Item), a.Bytes, a.Applied, a.Skipped, a.Command, a.Reason)
		case reqSave:
			sv := r.save
			exec(insertSave, sv.At.UnixMilli(), sv.Path, int64(sv.Generation), sv.Bytes, sv.Records, sv.Nodes, sv.Duration.Microseconds())
		case reqArchive:
			m := r.archive.Meta
			exec(insertArchive, r.archive.Path, m.CreatedAt, int64(m.Generation), m.Records, m.RawBytes, m.ZstdBytes)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}

	commit()
}
