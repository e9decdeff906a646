package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service records audit entries. Recording failures are logged but never
// propagated: the trail must not break the pipeline it describes.
type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

func (s *Service) Record(ctx context.Context, e *Entry) {
	if e.Actor == "" {
		e.Actor = "system"
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		s.log.Error().Err(err).Str("action", string(e.Action)).Msg("audit record failed")
	}
}

func (s *Service) TimelineByExam(ctx context.Context, examID uuid.UUID) ([]*Entry, error) {
	return s.repo.TimelineByExam(ctx, examID)
}

func (s *Service) TimelineByRawMessage(ctx context.Context, id uuid.UUID) ([]*Entry, error) {
	return s.repo.TimelineByRawMessage(ctx, id)
}

func (s *Service) TimelineByObservation(ctx context.Context, id uuid.UUID) ([]*Entry, error) {
	return s.repo.TimelineByObservation(ctx, id)
}
