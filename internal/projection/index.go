package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/factrail/factrail/internal/ledger"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS entry_index (
  stream_id   TEXT    NOT NULL,
  seq         INTEGER NOT NULL,
  fact_type   TEXT    NOT NULL,
  fingerprint TEXT    NOT NULL,
  PRIMARY KEY (stream_id, seq)
);
CREATE INDEX IF NOT EXISTS entry_index_type ON entry_index (stream_id, fact_type, seq);
CREATE UNIQUE INDEX IF NOT EXISTS entry_index_fp ON entry_index (stream_id, fingerprint);
`

// Index is a SQLite-backed read index over ledger contents: fact-type
// filtering and fingerprint lookup without scanning the whole chain. It
// stores only (stream, seq, fact_type, fingerprint) — nothing that is not
// derivable from Scan — so it can always be dropped and rebuilt.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database at dsn (use ":memory:" for
// an ephemeral index).
func OpenIndex(dsn string) (*Index, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (x *Index) Close() error { return x.db.Close() }

// Put records one entry. Re-indexing the same entry is a no-op, which makes
// Sync safe to restart at any point.
func (x *Index) Put(ctx context.Context, e *ledger.Entry) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entry_index (stream_id, seq, fact_type, fingerprint) VALUES (?, ?, ?, ?)`,
		e.StreamID, e.Seq, e.FactType, e.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("index entry %d: %w", e.Seq, err)
	}
	return nil
}

// LastIndexed returns the highest indexed sequence for streamID (0 if none).
func (x *Index) LastIndexed(ctx context.Context, streamID string) (uint64, error) {
	var seq uint64
	err := x.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM entry_index WHERE stream_id = ?", streamID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last indexed: %w", err)
	}
	return seq, nil
}

// Sync indexes every entry of streamID past the last indexed sequence.
func (x *Index) Sync(ctx context.Context, l ledger.Ledger, streamID string) error {
	last, err := x.LastIndexed(ctx, streamID)
	if err != nil {
		return err
	}
	return l.Scan(ctx, streamID, last+1, 0, func(e *ledger.Entry) error {
		return x.Put(ctx, e)
	})
}

// Rebuild drops all index rows for streamID and repopulates them from the
// chain. This is the recovery path for index corruption: the chain is the
// only authority.
func (x *Index) Rebuild(ctx context.Context, l ledger.Ledger, streamID string) error {
	if _, err := x.db.ExecContext(ctx,
		"DELETE FROM entry_index WHERE stream_id = ?", streamID,
	); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	return x.Sync(ctx, l, streamID)
}

// SeqsByType returns the sequences of all entries of factType in streamID
// at or after sinceSeq, in ascending order.
func (x *Index) SeqsByType(ctx context.Context, streamID, factType string, sinceSeq uint64) ([]uint64, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT seq FROM entry_index
		 WHERE stream_id = ? AND fact_type = ? AND seq >= ?
		 ORDER BY seq ASC`,
		streamID, factType, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query by type: %w", err)
	}
	defer rows.Close()

	var seqs []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// SeqByFingerprint returns the sequence recorded for fingerprint in
// streamID, or ledger.ErrNotFound.
func (x *Index) SeqByFingerprint(ctx context.Context, streamID, fingerprint string) (uint64, error) {
	var seq uint64
	err := x.db.QueryRowContext(ctx,
		"SELECT seq FROM entry_index WHERE stream_id = ? AND fingerprint = ?",
		streamID, fingerprint,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query by fingerprint: %w", err)
	}
	return seq, nil
}
