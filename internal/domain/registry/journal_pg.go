package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medclaim/medclaim/internal/platform/db"
)

const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGJournal stores the ledger in Postgres (table ledger_event) and keeps the
// hospital, insurer, medical_record and claim projections current in the same
// transaction. Several service instances may share one PGJournal database.
type PGJournal struct {
	pool *pgxpool.Pool
}

func NewPGJournal(pool *pgxpool.Pool) *PGJournal {
	return &PGJournal{pool: pool}
}

func (j *PGJournal) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return j.pool
}

func (j *PGJournal) Append(ctx context.Context, evt *Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", evt.Seq, err)
	}

	txCtx, tx, err := db.WithTx(ctx, j.pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = j.conn(txCtx).Exec(txCtx, `
		INSERT INTO ledger_event (seq, kind, caller, payload, prev_hash, hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(evt.Seq), string(evt.Kind), evt.Caller.Hex(), payload,
		evt.PrevHash.Hex(), evt.Hash.Hex(), evt.Time,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrSeqConflict
		}
		return fmt.Errorf("insert ledger event %d: %w", evt.Seq, err)
	}

	if err := j.project(txCtx, evt); err != nil {
		return fmt.Errorf("project event %d: %w", evt.Seq, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event %d: %w", evt.Seq, err)
	}
	return nil
}

func (j *PGJournal) project(ctx context.Context, evt *Event) error {
	q := j.conn(ctx)
	seq := int64(evt.Seq)

	switch evt.Kind {
	case EventGenesis:
		return nil

	case EventHospitalAdded:
		_, err := q.Exec(ctx, `INSERT INTO hospital (address, added_seq, added_at) VALUES ($1, $2, $3)
			ON CONFLICT (address) DO NOTHING`, evt.Subject.Hex(), seq, evt.Time)
		return err

	case EventInsurerAdded:
		_, err := q.Exec(ctx, `INSERT INTO insurer (address, added_seq, added_at) VALUES ($1, $2, $3)
			ON CONFLICT (address) DO NOTHING`, evt.Subject.Hex(), seq, evt.Time)
		return err

	case EventRecordSubmitted:
		_, err := q.Exec(ctx, `INSERT INTO medical_record (id, patient, hospital, content_ref, cost, created_at, seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			int64(evt.RecordID), evt.Subject.Hex(), evt.Caller.Hex(), evt.ContentRef, evt.Cost, evt.Time, seq)
		return err

	case EventClaimSubmitted:
		_, err := q.Exec(ctx, `INSERT INTO claim (id, record_id, patient, insurer, status, created_at, seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			int64(evt.ClaimID), int64(evt.RecordID), evt.Caller.Hex(), evt.Subject.Hex(),
			int16(StatusPending), evt.Time, seq)
		return err

	case EventClaimValidated:
		status := StatusRejected
		if evt.Approve {
			status = StatusApproved
		}
		tag, err := q.Exec(ctx, `UPDATE claim SET status = $1, decided_at = $2, decided_seq = $3
			WHERE id = $4 AND status = $5`,
			int16(status), evt.Time, seq, int64(evt.ClaimID), int16(StatusPending))
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("claim %d is not pending", evt.ClaimID)
		}
		return nil

	default:
		return fmt.Errorf("unknown event kind %q", evt.Kind)
	}
}

func (j *PGJournal) Replay(ctx context.Context, from uint64, fn func(*Event) error) error {
	rows, err := j.conn(ctx).Query(ctx,
		`SELECT seq, payload FROM ledger_event WHERE seq >= $1 ORDER BY seq`, int64(from))
	if err != nil {
		return fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("scan ledger event: %w", err)
		}
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode ledger event %d: %w", seq, err)
		}
		if evt.Seq != uint64(seq) {
			return fmt.Errorf("ledger row %d carries event %d", seq, evt.Seq)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ClaimRow is a row of the claim projection.
type ClaimRow struct {
	ID        ClaimID
	RecordID  RecordID
	Patient   string
	Insurer   string
	Status    ClaimStatus
	CreatedAt time.Time
	DecidedAt *time.Time
}

const claimCols = `id, record_id, patient, insurer, status, created_at, decided_at`

func scanClaimRow(row pgx.Row) (*ClaimRow, error) {
	var c ClaimRow
	var id, recordID int64
	var status int16
	if err := row.Scan(&id, &recordID, &c.Patient, &c.Insurer, &status, &c.CreatedAt, &c.DecidedAt); err != nil {
		return nil, err
	}
	c.ID = ClaimID(id)
	c.RecordID = RecordID(recordID)
	c.Status = ClaimStatus(status)
	return &c, nil
}

// ClaimsByStatus reads the claim projection directly, for reporting jobs that
// do not hold a Registry.
func (j *PGJournal) ClaimsByStatus(ctx context.Context, status ClaimStatus, limit, offset int) ([]*ClaimRow, int, error) {
	var total int
	if err := j.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim WHERE status = $1`, int16(status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := j.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM claim WHERE status = $1 ORDER BY id LIMIT $2 OFFSET $3`, claimCols),
		int16(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ClaimRow
	for rows.Next() {
		c, err := scanClaimRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (j *PGJournal) Close() error {
	return nil
}
