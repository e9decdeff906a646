package results

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labgate/labgate/internal/platform/hl7"
)

// Repository is the persistence boundary of the results domain.
type Repository interface {
	// IngestResult stores a parsed result message in one transaction:
	// patient upsert, exam get-or-create, raw message insert, one
	// observation row per analyte. A raw message whose hash was seen
	// before yields Duplicate=true and writes nothing new.
	IngestResult(ctx context.Context, source Source, raw []byte, hash string, msg *hl7.ResultMessage) (*IngestOutcome, error)

	// RecordStructuralFailure stores a message that could not be parsed so
	// it is never lost. Re-recording the same hash is a no-op.
	RecordStructuralFailure(ctx context.Context, source Source, raw []byte, hash, detail string) (uuid.UUID, error)

	// ListActionable returns observations the dispatcher should attempt
	// now: non-terminal, not claimed, and past their backoff deadline.
	ListActionable(ctx context.Context, now time.Time, limit int) ([]*Observation, error)

	// Claim marks an observation in flight. It returns false when another
	// pass already holds it.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)

	// Release clears the in-flight mark without changing delivery state.
	Release(ctx context.Context, id uuid.UUID) error

	// RecoverInFlight clears every in-flight claim. Only safe while no
	// dispatcher is running, i.e. at process startup; claims left behind by
	// a crash would otherwise strand their observations forever.
	RecoverInFlight(ctx context.Context) (int, error)

	// MarkSent and MarkError record the raw request and response payloads of
	// the attempt on the row itself so state is inspectable without the
	// audit trail.
	MarkSent(ctx context.Context, id uuid.UUID, clientCode, clientTitle, request, response string, at time.Time) error
	MarkError(ctx context.Context, id uuid.UUID, errMsg, request, response string, nextAttempt *time.Time, permanent bool) error
	MarkMappingNotFound(ctx context.Context, id uuid.UUID) error

	// ResetForResend returns a terminal or stuck observation to PENDING.
	// It fails when the observation is currently in flight or its exam is
	// already closed.
	ResetForResend(ctx context.Context, id uuid.UUID) error

	GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error)
	ListObservations(ctx context.Context, filter ObservationFilter) ([]*Observation, int, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]*Observation, error)

	GetExam(ctx context.Context, id uuid.UUID) (*Exam, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetRawMessage(ctx context.Context, id uuid.UUID) (*RawMessage, error)

	// ListClosableExams returns open exams whose observations are all
	// terminal with at least one delivered.
	ListClosableExams(ctx context.Context, limit int) ([]*Exam, error)
	CloseExam(ctx context.Context, id uuid.UUID, closedBy string, at time.Time) error

	Stats(ctx context.Context) (*Stats, error)

	// PurgeRawMessages deletes raw messages older than the cutoff that
	// belong to closed exams. Returns the number of rows removed.
	PurgeRawMessages(ctx context.Context, before time.Time) (int, error)
}

// ObservationFilter narrows ListObservations.
type ObservationFilter struct {
	Status   DeliveryStatus
	Analyzer string
	ExamID   *uuid.UUID
	Limit    int
	Offset   int
}
