package audit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	TimelineByExam(ctx context.Context, examID uuid.UUID) ([]*Entry, error)
	TimelineByRawMessage(ctx context.Context, rawMessageID uuid.UUID) ([]*Entry, error)
	TimelineByObservation(ctx context.Context, observationID uuid.UUID) ([]*Entry, error)
}
