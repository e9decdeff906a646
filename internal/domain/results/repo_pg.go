package results

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labgate/labgate/internal/platform/db"
	"github.com/labgate/labgate/internal/platform/hl7"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("results: not found")

// ErrInFlight is returned when an operation conflicts with an in-flight
// delivery attempt.
var ErrInFlight = errors.New("results: observation is in flight")

// ErrExamClosed is returned when a resend targets an observation whose exam
// was already closed.
var ErrExamClosed = errors.New("results: exam is closed")

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

const obsCols = `id, exam_id, raw_message_id, analyzer, code, text, value_type, value,
	units, ref_range, abnormal_flags, flagged, observed_at,
	status, attempts, permanent, in_flight, next_attempt_at, last_error,
	last_request, last_response,
	client_code, client_title, sent_at, created_at, updated_at`

func obsColsPrefixed(alias string) string {
	cols := strings.Split(obsCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanObservation(row pgx.Row) (*Observation, error) {
	var o Observation
	err := row.Scan(
		&o.ID, &o.ExamID, &o.RawMessageID, &o.Analyzer, &o.Code, &o.Text, &o.ValueType, &o.Value,
		&o.Units, &o.RefRange, &o.AbnormalFlags, &o.Flagged, &o.ObservedAt,
		&o.Status, &o.Attempts, &o.Permanent, &o.InFlight, &o.NextAttemptAt, &o.LastError,
		&o.LastRequest, &o.LastResponse,
		&o.ClientCode, &o.ClientTitle, &o.SentAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

const examCols = `id, patient_id, protocol_code, protocol_title, tube_code, analyzer,
	status, closed_at, closed_by, created_at, updated_at`

func scanExam(row pgx.Row) (*Exam, error) {
	var e Exam
	var closedBy *string
	err := row.Scan(
		&e.ID, &e.PatientID, &e.ProtocolCode, &e.ProtocolTitle, &e.TubeCode, &e.Analyzer,
		&e.Status, &e.ClosedAt, &closedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if closedBy != nil {
		e.ClosedBy = *closedBy
	}
	return &e, err
}

func (r *RepoPG) IngestResult(ctx context.Context, source Source, raw []byte, hash string, msg *hl7.ResultMessage) (*IngestOutcome, error) {
	outcome := &IngestOutcome{}

	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)

		// Dedupe on the raw-byte hash before touching anything else.
		var existing uuid.UUID
		err := c.QueryRow(ctx, `SELECT id FROM raw_messages WHERE hash = $1`, hash).Scan(&existing)
		if err == nil {
			outcome.RawMessageID = existing
			outcome.Duplicate = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check raw message hash: %w", err)
		}

		patientID, err := upsertPatient(ctx, c, msg.Patient)
		if err != nil {
			return err
		}
		outcome.PatientID = patientID

		examID, err := getOrCreateExam(ctx, c, patientID, msg)
		if err != nil {
			return err
		}
		outcome.ExamID = examID

		rawID := uuid.New()
		_, err = c.Exec(ctx, `
			INSERT INTO raw_messages (id, source, analyzer, control_id, hash, payload, parse_status, exam_id, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
			rawID, source, msg.Analyzer, msg.ControlID, hash, raw, ParseOK, examID,
		)
		if err != nil {
			return fmt.Errorf("insert raw message: %w", err)
		}
		outcome.RawMessageID = rawID

		for _, obs := range msg.Observations {
			obsID := uuid.New()
			_, err = c.Exec(ctx, `
				INSERT INTO observations (id, exam_id, raw_message_id, analyzer, code, text, value_type, value,
					units, ref_range, abnormal_flags, flagged, observed_at, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())`,
				obsID, examID, rawID, msg.Analyzer, obs.Code, obs.Text, obs.ValueType, obs.Value,
				obs.Units, obs.RefRange, obs.Flags, obs.Flagged, nullableTime(obs.ObservedAt), StatusPending,
			)
			if err != nil {
				return fmt.Errorf("insert observation %s: %w", obs.Code, err)
			}
			outcome.ObservationIDs = append(outcome.ObservationIDs, obsID)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

func upsertPatient(ctx context.Context, c queryable, p hl7.PatientInfo) (uuid.UUID, error) {
	doc := strings.TrimSpace(p.Document)
	if doc == "" {
		// Analyzers that carry no document (ICON-3) get a patient row keyed
		// by name only; a later message with a document will not merge them.
		doc = "NN:" + strings.ToUpper(strings.TrimSpace(p.Name))
	}

	var id uuid.UUID
	err := c.QueryRow(ctx, `
		INSERT INTO patients (id, document, name, sex, birth_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (document) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE patients.name END,
			sex = CASE WHEN EXCLUDED.sex <> '' THEN EXCLUDED.sex ELSE patients.sex END,
			birth_date = CASE WHEN EXCLUDED.birth_date <> '' THEN EXCLUDED.birth_date ELSE patients.birth_date END,
			updated_at = NOW()
		RETURNING id`,
		uuid.New(), doc, p.Name, p.Sex, p.BirthDate,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert patient: %w", err)
	}
	return id, nil
}

func getOrCreateExam(ctx context.Context, c queryable, patientID uuid.UUID, msg *hl7.ResultMessage) (uuid.UUID, error) {
	code := msg.Order.ProtocolCode
	if code == "" {
		// No order id from the analyzer: fall back to the message control id
		// so observations still group per message.
		code = "MSG:" + msg.ControlID
	}

	var id uuid.UUID
	err := c.QueryRow(ctx, `
		INSERT INTO exams (id, patient_id, protocol_code, protocol_title, tube_code, analyzer, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (patient_id, protocol_code) DO UPDATE SET
			protocol_title = CASE WHEN EXCLUDED.protocol_title <> '' THEN EXCLUDED.protocol_title ELSE exams.protocol_title END,
			tube_code = CASE WHEN EXCLUDED.tube_code <> '' THEN EXCLUDED.tube_code ELSE exams.tube_code END,
			updated_at = NOW()
		RETURNING id`,
		uuid.New(), patientID, code, msg.Order.ProtocolTitle, msg.Order.TubeCode, msg.Analyzer, ExamOpen,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get or create exam: %w", err)
	}
	return id, nil
}

func (r *RepoPG) RecordStructuralFailure(ctx context.Context, source Source, raw []byte, hash, detail string) (uuid.UUID, error) {
	id := uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO raw_messages (id, source, analyzer, control_id, hash, payload, parse_status, error_detail, received_at)
		VALUES ($1, $2, '', '', $3, $4, $5, $6, NOW())
		ON CONFLICT (hash) DO UPDATE SET hash = raw_messages.hash
		RETURNING id`,
		id, source, hash, raw, ParseFailed, detail,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record structural failure: %w", err)
	}
	return id, nil
}

func (r *RepoPG) ListActionable(ctx context.Context, now time.Time, limit int) ([]*Observation, error) {
	// Only observations of OPEN exams; a force-closed exam takes its
	// remaining work out of the queue.
	q := fmt.Sprintf(`SELECT %s FROM observations o
		JOIN exams e ON e.id = o.exam_id AND e.status = $1
		WHERE o.status IN ($2, $3, $4)
		  AND NOT o.permanent
		  AND NOT o.in_flight
		  AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= $5)
		ORDER BY o.created_at
		LIMIT $6`, obsColsPrefixed("o"))

	rows, err := r.conn(ctx).Query(ctx, q, ExamOpen, StatusPending, StatusError, StatusMappingNotFound, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list actionable: %w", err)
	}
	defer rows.Close()

	return collectObservations(rows)
}

func (r *RepoPG) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET in_flight = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT in_flight`, id)
	if err != nil {
		return false, fmt.Errorf("claim observation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RepoPG) Release(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET in_flight = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release observation: %w", err)
	}
	return nil
}

func (r *RepoPG) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET in_flight = FALSE, updated_at = NOW()
		WHERE in_flight`)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *RepoPG) MarkSent(ctx context.Context, id uuid.UUID, clientCode, clientTitle, request, response string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET
			status = $2, client_code = $3, client_title = $4, sent_at = $5,
			last_request = $6, last_response = $7,
			attempts = attempts + 1, last_error = '', next_attempt_at = NULL,
			in_flight = FALSE, updated_at = NOW()
		WHERE id = $1`,
		id, StatusSent, clientCode, clientTitle, at, request, response,
	)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (r *RepoPG) MarkError(ctx context.Context, id uuid.UUID, errMsg, request, response string, nextAttempt *time.Time, permanent bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET
			status = $2, last_error = $3, last_request = $4, last_response = $5,
			next_attempt_at = $6, permanent = $7,
			attempts = attempts + 1, in_flight = FALSE, updated_at = NOW()
		WHERE id = $1`,
		id, StatusError, errMsg, request, response, nextAttempt, permanent,
	)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

func (r *RepoPG) MarkMappingNotFound(ctx context.Context, id uuid.UUID) error {
	// No attempt counter bump: a missing mapping is not a delivery attempt.
	// The row stays parked until the table is fixed and a resend requested.
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET
			status = $2, last_error = '', next_attempt_at = NULL,
			in_flight = FALSE, permanent = TRUE, updated_at = NOW()
		WHERE id = $1`,
		id, StatusMappingNotFound,
	)
	if err != nil {
		return fmt.Errorf("mark mapping not found: %w", err)
	}
	return nil
}

func (r *RepoPG) ResetForResend(ctx context.Context, id uuid.UUID) error {
	// Resending into a closed exam is refused: force-close is the operator
	// declaring the exam done, and the dispatcher only serves OPEN exams.
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE observations SET
			status = $2, permanent = FALSE, next_attempt_at = NULL,
			last_error = '', updated_at = NOW()
		WHERE id = $1 AND NOT in_flight
		  AND EXISTS (SELECT 1 FROM exams e WHERE e.id = observations.exam_id AND e.status = $3)`,
		id, StatusPending, ExamOpen,
	)
	if err != nil {
		return fmt.Errorf("reset for resend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		o, err := r.GetObservation(ctx, id)
		if err != nil {
			return err
		}
		if o.InFlight {
			return ErrInFlight
		}
		return ErrExamClosed
	}
	return nil
}

func (r *RepoPG) GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error) {
	q := fmt.Sprintf("SELECT %s FROM observations WHERE id = $1", obsCols)
	return scanObservation(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *RepoPG) ListObservations(ctx context.Context, filter ObservationFilter) ([]*Observation, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.Analyzer != "" {
		where = append(where, fmt.Sprintf("analyzer = $%d", idx))
		args = append(args, filter.Analyzer)
		idx++
	}
	if filter.ExamID != nil {
		where = append(where, fmt.Sprintf("exam_id = $%d", idx))
		args = append(args, *filter.ExamID)
		idx++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM observations %s", whereClause)
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count observations: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := fmt.Sprintf("SELECT %s FROM observations %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		obsCols, whereClause, idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	list, err := collectObservations(rows)
	return list, total, err
}

func (r *RepoPG) ListByExam(ctx context.Context, examID uuid.UUID) ([]*Observation, error) {
	q := fmt.Sprintf("SELECT %s FROM observations WHERE exam_id = $1 ORDER BY created_at", obsCols)
	rows, err := r.conn(ctx).Query(ctx, q, examID)
	if err != nil {
		return nil, fmt.Errorf("list by exam: %w", err)
	}
	defer rows.Close()

	return collectObservations(rows)
}

func (r *RepoPG) GetExam(ctx context.Context, id uuid.UUID) (*Exam, error) {
	q := fmt.Sprintf("SELECT %s FROM exams WHERE id = $1", examCols)
	return scanExam(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *RepoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, document, name, sex, birth_date, created_at, updated_at
		FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &p.Document, &p.Name, &p.Sex, &p.BirthDate, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *RepoPG) GetRawMessage(ctx context.Context, id uuid.UUID) (*RawMessage, error) {
	var m RawMessage
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, source, analyzer, control_id, hash, payload, parse_status, COALESCE(error_detail, ''), exam_id, received_at
		FROM raw_messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.Source, &m.Analyzer, &m.ControlID, &m.Hash, &m.Payload, &m.ParseStatus, &m.ErrorDetail, &m.ExamID, &m.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *RepoPG) ListClosableExams(ctx context.Context, limit int) ([]*Exam, error) {
	q := fmt.Sprintf(`SELECT %s FROM exams e
		WHERE e.status = $1
		  AND NOT EXISTS (
			SELECT 1 FROM observations o
			WHERE o.exam_id = e.id AND o.status <> $2 AND NOT o.permanent
		  )
		  AND EXISTS (
			SELECT 1 FROM observations o
			WHERE o.exam_id = e.id AND o.status = $2
		  )
		ORDER BY e.created_at
		LIMIT $3`, examColsPrefixed("e"))

	rows, err := r.conn(ctx).Query(ctx, q, ExamOpen, StatusSent, limit)
	if err != nil {
		return nil, fmt.Errorf("list closable exams: %w", err)
	}
	defer rows.Close()

	var exams []*Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

func examColsPrefixed(alias string) string {
	cols := strings.Split(examCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (r *RepoPG) CloseExam(ctx context.Context, id uuid.UUID, closedBy string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exams SET status = $2, closed_at = $3, closed_by = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, ExamClosed, at, closedBy, ExamOpen,
	)
	if err != nil {
		return fmt.Errorf("close exam: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM exams WHERE status = 'OPEN'),
			(SELECT COUNT(*) FROM exams WHERE status = 'CLOSED'),
			(SELECT COUNT(*) FROM observations WHERE status = 'PENDING'),
			(SELECT COUNT(*) FROM observations WHERE status = 'SENT'),
			(SELECT COUNT(*) FROM observations WHERE status = 'ERROR'),
			(SELECT COUNT(*) FROM observations WHERE status = 'MAPPING_NOT_FOUND'),
			(SELECT COUNT(*) FROM observations WHERE permanent),
			(SELECT COUNT(*) FROM raw_messages),
			(SELECT COUNT(*) FROM raw_messages WHERE parse_status = 'STRUCTURAL_ERROR')`,
	).Scan(&s.OpenExams, &s.ClosedExams, &s.PendingObs, &s.SentObs, &s.ErrorObs,
		&s.UnmappedObs, &s.PermanentObs, &s.RawMessages, &s.StructuralErrors)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &s, nil
}

func (r *RepoPG) PurgeRawMessages(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM raw_messages m
		WHERE m.received_at < $1
		  AND (m.exam_id IS NULL OR EXISTS (
			SELECT 1 FROM exams e WHERE e.id = m.exam_id AND e.status = 'CLOSED'
		  ))
		  AND NOT EXISTS (
			SELECT 1 FROM observations o WHERE o.raw_message_id = m.id AND o.status <> 'SENT' AND NOT o.permanent
		  )`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge raw messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectObservations(rows pgx.Rows) ([]*Observation, error) {
	var list []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
