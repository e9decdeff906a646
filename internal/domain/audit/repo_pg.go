package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labgate/labgate/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const auditCols = `id, action, actor, exam_id, raw_message_id, observation_id, detail, recorded_at`

func (r *RepoPG) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
	}

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entries (id, action, actor, exam_id, raw_message_id, observation_id, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		e.ID, e.Action, e.Actor, e.ExamID, e.RawMessageID, e.ObservationID, detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *RepoPG) TimelineByExam(ctx context.Context, examID uuid.UUID) ([]*Entry, error) {
	// Includes entries tied to the exam's observations and raw messages, not
	// just the exam row itself.
	q := fmt.Sprintf(`SELECT %s FROM audit_entries
		WHERE exam_id = $1
		   OR observation_id IN (SELECT id FROM observations WHERE exam_id = $1)
		   OR raw_message_id IN (SELECT id FROM raw_messages WHERE exam_id = $1)
		ORDER BY recorded_at`, auditCols)
	return r.query(ctx, q, examID)
}

func (r *RepoPG) TimelineByRawMessage(ctx context.Context, rawMessageID uuid.UUID) ([]*Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_entries
		WHERE raw_message_id = $1
		   OR observation_id IN (SELECT id FROM observations WHERE raw_message_id = $1)
		ORDER BY recorded_at`, auditCols)
	return r.query(ctx, q, rawMessageID)
}

func (r *RepoPG) TimelineByObservation(ctx context.Context, observationID uuid.UUID) ([]*Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_entries WHERE observation_id = $1 ORDER BY recorded_at`, auditCols)
	return r.query(ctx, q, observationID)
}

func (r *RepoPG) query(ctx context.Context, q string, args ...interface{}) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.ExamID, &e.RawMessageID, &e.ObservationID, &detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
