package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/factrail/factrail/internal/signing"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
  stream_id     TEXT    NOT NULL,
  seq           INTEGER NOT NULL,
  fact_type     TEXT    NOT NULL,
  payload       BLOB    NOT NULL,
  fingerprint   TEXT    NOT NULL,
  prev_hash     TEXT    NOT NULL,
  hash          TEXT    NOT NULL,
  signature     TEXT    NOT NULL,
  signer_key_id TEXT    NOT NULL,
  recorded_at   TEXT    NOT NULL,
  PRIMARY KEY (stream_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_fingerprint_uq
  ON ledger_entries (stream_id, fingerprint);
CREATE INDEX IF NOT EXISTS ledger_entries_type_idx
  ON ledger_entries (stream_id, fact_type, seq);
`

// SQLiteLedger persists chains to a local SQLite database. It serves
// single-node deployments and the CLI; appends assume a single writer
// process per database file, serialized per stream in-process.
// It implements the Ledger interface.
type SQLiteLedger struct {
	db     *sql.DB
	signer *signing.Signer
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// OpenSQLite opens or creates a SQLite-backed ledger at dsn and ensures the
// schema and durability PRAGMAs.
func OpenSQLite(dsn string, signer *signing.Signer, logger *zap.Logger) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteLedger{
		db:      db,
		signer:  signer,
		logger:  logger,
		streams: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) streamMu(streamID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.streams[streamID]
	if !ok {
		mu = &sync.Mutex{}
		l.streams[streamID] = mu
	}
	return mu
}

// Append implements Ledger. Dedup check, tail read, hashing, signing, and
// insert run under the stream mutex inside one serializable transaction.
func (l *SQLiteLedger) Append(ctx context.Context, streamID, factType string, payload []byte, fingerprint string) (*Entry, error) {
	mu := l.streamMu(streamID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingSeq uint64
	err = tx.QueryRowContext(ctx,
		"SELECT seq FROM ledger_entries WHERE stream_id = ? AND fingerprint = ?",
		streamID, fingerprint,
	).Scan(&existingSeq)
	switch {
	case err == nil:
		return nil, &DuplicateError{Seq: existingSeq}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, unavailable("check fingerprint", err)
	}

	var prevSeq uint64
	prevHash := GenesisHash
	err = tx.QueryRowContext(ctx,
		"SELECT seq, hash FROM ledger_entries WHERE stream_id = ? ORDER BY seq DESC LIMIT 1",
		streamID,
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("read chain tail", err)
	}

	entry := &Entry{
		Seq:         prevSeq + 1,
		StreamID:    streamID,
		FactType:    factType,
		Payload:     payload,
		Fingerprint: fingerprint,
		PrevHash:    prevHash,
		RecordedAt:  time.Now().UTC(),
	}
	entry.Hash = hashEntry(entry)

	sig, err := l.signer.Sign(entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("sign entry: %w", err)
	}
	entry.Signature = sig
	entry.SignerKeyID = l.signer.KeyID()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries
		   (stream_id, seq, fact_type, payload, fingerprint, prev_hash, hash, signature, signer_key_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.StreamID, entry.Seq, entry.FactType, []byte(entry.Payload),
		entry.Fingerprint, entry.PrevHash, entry.Hash,
		entry.Signature, entry.SignerKeyID, entry.RecordedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, l.classifyInsertErr(ctx, streamID, fingerprint, entry.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit entry", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.String("stream", streamID),
		zap.Uint64("seq", entry.Seq),
		zap.String("fact_type", entry.FactType),
	)
	return entry, nil
}

// SQLite extended result codes the insert can legitimately hit. The driver
// reports them through a Code() accessor on its error type.
const (
	sqliteConstraintPrimaryKey = 1555 // (stream_id, seq) already present
	sqliteConstraintUnique     = 2067 // (stream_id, fingerprint) already present
)

// resultCode extracts the extended result code from a driver error, if any.
func resultCode(err error) (int, bool) {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return 0, false
}

// classifyInsertErr maps an insert failure onto the error taxonomy. Only a
// primary-key collision is fatal: it means another writer got past the
// stream mutex and the chain tail can no longer be trusted. A fingerprint
// collision means another process committed the same fact between our check
// and insert, which resolves to a duplicate. Everything else — SQLITE_BUSY,
// context deadlines, I/O trouble — is transient and the caller retries.
func (l *SQLiteLedger) classifyInsertErr(ctx context.Context, streamID, fingerprint string, seq uint64, err error) error {
	code, ok := resultCode(err)
	switch {
	case ok && code == sqliteConstraintPrimaryKey:
		return fmt.Errorf("%w: seq %d already present in stream %q", ErrSequenceConflict, seq, streamID)
	case ok && code == sqliteConstraintUnique:
		return l.resolveDuplicate(ctx, streamID, fingerprint)
	default:
		return unavailable("insert entry", err)
	}
}

// resolveDuplicate looks up the sequence of an already-committed fingerprint
// outside the failed transaction.
func (l *SQLiteLedger) resolveDuplicate(ctx context.Context, streamID, fingerprint string) error {
	var seq uint64
	if err := l.db.QueryRowContext(ctx,
		"SELECT seq FROM ledger_entries WHERE stream_id = ? AND fingerprint = ?",
		streamID, fingerprint,
	).Scan(&seq); err != nil {
		return unavailable("resolve duplicate", err)
	}
	return &DuplicateError{Seq: seq}
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, streamID string, seq uint64) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT stream_id, seq, fact_type, payload, fingerprint, prev_hash, hash, signature, signer_key_id, recorded_at
		 FROM ledger_entries WHERE stream_id = ? AND seq = ?`,
		streamID, seq,
	)
	entry, err := scanSQLiteEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get entry", err)
	}
	return entry, nil
}

// Head implements Ledger.
func (l *SQLiteLedger) Head(ctx context.Context, streamID string) (*Head, error) {
	head := &Head{Seq: 0, Root: GenesisHash}
	err := l.db.QueryRowContext(ctx,
		"SELECT seq, hash FROM ledger_entries WHERE stream_id = ? ORDER BY seq DESC LIMIT 1",
		streamID,
	).Scan(&head.Seq, &head.Root)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("read head", err)
	}
	return head, nil
}

// Scan implements Ledger.
func (l *SQLiteLedger) Scan(ctx context.Context, streamID string, from, to uint64, fn func(*Entry) error) error {
	if from == 0 {
		from = 1
	}

	query := `SELECT stream_id, seq, fact_type, payload, fingerprint, prev_hash, hash, signature, signer_key_id, recorded_at
	          FROM ledger_entries WHERE stream_id = ? AND seq >= ?`
	args := []any{streamID, from}
	if to != 0 {
		query += " AND seq <= ?"
		args = append(args, to)
	}
	query += " ORDER BY seq ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return unavailable("scan entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanSQLiteEntry(rows.Scan)
		if err != nil {
			return unavailable("scan row", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("scan entries", err)
	}
	return nil
}

func scanSQLiteEntry(scan func(...any) error) (*Entry, error) {
	entry := &Entry{}
	var payload []byte
	var recordedAt string
	if err := scan(
		&entry.StreamID, &entry.Seq, &entry.FactType, &payload,
		&entry.Fingerprint, &entry.PrevHash, &entry.Hash,
		&entry.Signature, &entry.SignerKeyID, &recordedAt,
	); err != nil {
		return nil, err
	}
	entry.Payload = payload
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	entry.RecordedAt = ts
	return entry, nil
}
