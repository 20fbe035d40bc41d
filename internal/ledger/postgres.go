package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/factrail/factrail/internal/signing"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint breach.
const uniqueViolation = "23505"

// PostgresLedger persists chains to a single ledger_entries relation keyed
// by (stream_id, seq), with a storage-enforced UNIQUE(stream_id, fingerprint)
// constraint backing dedup. It implements the Ledger interface.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	signer *signing.Signer
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, signer *signing.Signer, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, signer: signer, logger: logger}
}

// streamLockKey derives the advisory lock key that serializes appends to one
// stream. Distinct streams hash to distinct keys (modulo collisions, which
// only cost parallelism, never correctness).
func streamLockKey(streamID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(streamID))
	return int64(h.Sum64())
}

// Append implements Ledger.
// It acquires a per-stream PostgreSQL advisory lock, checks the fingerprint,
// reads the chain tail, computes and signs the new entry hash, and inserts —
// all within a single transaction. Partial application is impossible: the
// transaction either commits a fully signed entry or leaves nothing durable.
func (l *PostgresLedger) Append(ctx context.Context, streamID, factType string, payload []byte, fingerprint string) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize concurrent appends on this stream only; other streams
	// proceed in parallel. The lock releases with the transaction.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", streamLockKey(streamID)); err != nil {
		return nil, unavailable("acquire stream lock", err)
	}

	// Dedup: the fingerprint check is authoritative here because appends on
	// this stream are serialized; the UNIQUE constraint backs it across
	// writer instances.
	var existingSeq uint64
	err = tx.QueryRow(ctx,
		"SELECT seq FROM ledger_entries WHERE stream_id = $1 AND fingerprint = $2",
		streamID, fingerprint,
	).Scan(&existingSeq)
	switch {
	case err == nil:
		return nil, &DuplicateError{Seq: existingSeq}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, unavailable("check fingerprint", err)
	}

	// Read the current tail of the chain.
	var prevSeq uint64
	prevHash := GenesisHash
	err = tx.QueryRow(ctx,
		"SELECT seq, hash FROM ledger_entries WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1",
		streamID,
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (stream_id, seq, fact_type, payload, fingerprint, prev_hash, hash, signature, signer_key_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.StreamID, entry.Seq, entry.FactType, []byte(entry.Payload),
		entry.Fingerprint, entry.PrevHash, entry.Hash,
		entry.Signature, entry.SignerKeyID, entry.RecordedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "ledger_entries_fingerprint_uq" {
				// Another writer committed the same fact between our check
				// and insert; resolve to the recorded sequence.
				return nil, l.resolveDuplicate(ctx, streamID, fingerprint)
			}
			// (stream_id, seq) collision: something wrote past the advisory
			// lock. The chain tail is no longer trustworthy.
			return nil, fmt.Errorf("%w: seq %d already present in stream %q", ErrSequenceConflict, entry.Seq, streamID)
		}
		return nil, unavailable("insert entry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit entry", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.String("stream", streamID),
		zap.Uint64("seq", entry.Seq),
		zap.String("fact_type", entry.FactType),
	)
	return entry, nil
}

// resolveDuplicate looks up the sequence of an already-recorded fingerprint
// outside the failed transaction.
func (l *PostgresLedger) resolveDuplicate(ctx context.Context, streamID, fingerprint string) error {
	var seq uint64
	if err := l.pool.QueryRow(ctx,
		"SELECT seq FROM ledger_entries WHERE stream_id = $1 AND fingerprint = $2",
		streamID, fingerprint,
	).Scan(&seq); err != nil {
		return unavailable("resolve duplicate", err)
	}
	return &DuplicateError{Seq: seq}
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, streamID string, seq uint64) (*Entry, error) {
	entry := &Entry{}
	var payload []byte
	err := l.pool.QueryRow(ctx,
		`SELECT stream_id, seq, fact_type, payload, fingerprint, prev_hash, hash, signature, signer_key_id, recorded_at
		 FROM ledger_entries WHERE stream_id = $1 AND seq = $2`,
		streamID, seq,
	).Scan(
		&entry.StreamID, &entry.Seq, &entry.FactType, &payload,
		&entry.Fingerprint, &entry.PrevHash, &entry.Hash,
		&entry.Signature, &entry.SignerKeyID, &entry.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get entry", err)
	}
	entry.Payload = payload
	return entry, nil
}

// Head implements Ledger.
func (l *PostgresLedger) Head(ctx context.Context, streamID string) (*Head, error) {
	head := &Head{Seq: 0, Root: GenesisHash}
	err := l.pool.QueryRow(ctx,
		"SELECT seq, hash FROM ledger_entries WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1",
		streamID,
	).Scan(&head.Seq, &head.Root)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("read head", err)
	}
	return head, nil
}

// Scan implements Ledger. Rows are streamed in sequence order; readers only
// see committed entries, so a scan concurrent with appends observes a
// monotonically growing prefix of the chain.
func (l *PostgresLedger) Scan(ctx context.Context, streamID string, from, to uint64, fn func(*Entry) error) error {
	if from == 0 {
		from = 1
	}

	query := `SELECT stream_id, seq, fact_type, payload, fingerprint, prev_hash, hash, signature, signer_key_id, recorded_at
	          FROM ledger_entries WHERE stream_id = $1 AND seq >= $2`
	args := []any{streamID, from}
	if to != 0 {
		query += " AND seq <= $3"
		args = append(args, to)
	}
	query += " ORDER BY seq ASC"

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return unavailable("scan entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry := &Entry{}
		var payload []byte
		if err := rows.Scan(
			&entry.StreamID, &entry.Seq, &entry.FactType, &payload,
			&entry.Fingerprint, &entry.PrevHash, &entry.Hash,
			&entry.Signature, &entry.SignerKeyID, &entry.RecordedAt,
		); err != nil {
			return unavailable("scan row", err)
		}
		entry.Payload = payload
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("scan entries", err)
	}
	return nil
}
