package results

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/domain/audit"
	"github.com/labgate/labgate/internal/platform/hl7"
	"github.com/labgate/labgate/internal/platform/metrics"
)

// Ingestor turns raw analyzer bytes into stored results. It is the single
// entry point for both transport channels; callers acknowledge upstream only
// after Ingest returns without error.
type Ingestor struct {
	repo  Repository
	audit *audit.Service
	log   zerolog.Logger
}

func NewIngestor(repo Repository, auditSvc *audit.Service, log zerolog.Logger) *Ingestor {
	return &Ingestor{repo: repo, audit: auditSvc, log: log}
}

// Ingest parses and stores one message. A *hl7.StructuralError means the
// message was recorded as unparseable and rejected; any other error means
// nothing was stored and the caller should not acknowledge.
func (s *Ingestor) Ingest(ctx context.Context, source Source, raw []byte) (*IngestOutcome, error) {
	hash := hashMessage(raw)

	msg, err := hl7.ParseResult(raw)
	if err != nil {
		var structErr *hl7.StructuralError
		if errors.As(err, &structErr) {
			rawID, recErr := s.repo.RecordStructuralFailure(ctx, source, raw, hash, structErr.Error())
			if recErr != nil {
				s.log.Error().Err(recErr).Msg("failed to record structural failure")
				return nil, recErr
			}

			s.audit.Record(ctx, &audit.Entry{
				Action:       audit.ActionStructuralRejected,
				RawMessageID: &rawID,
				Detail: map[string]interface{}{
					"source": string(source),
					"reason": string(structErr.Reason),
					"detail": structErr.Detail,
				},
			})
			metrics.RecordIngest(string(source), "structural_error")

			s.log.Warn().
				Str("source", string(source)).
				Str("reason", string(structErr.Reason)).
				Str("raw_message_id", rawID.String()).
				Msg("message rejected: structural failure")

			return nil, err
		}
		return nil, err
	}

	outcome, err := s.repo.IngestResult(ctx, source, raw, hash, msg)
	if err != nil {
		metrics.RecordIngest(string(source), "store_error")
		return nil, err
	}

	if outcome.Duplicate {
		s.audit.Record(ctx, &audit.Entry{
			Action:       audit.ActionMessageDuplicate,
			RawMessageID: &outcome.RawMessageID,
			Detail:       map[string]interface{}{"source": string(source)},
		})
		metrics.RecordIngest(string(source), "duplicate")

		s.log.Info().
			Str("source", string(source)).
			Str("control_id", msg.ControlID).
			Msg("duplicate message ignored")

		return outcome, nil
	}

	s.audit.Record(ctx, &audit.Entry{
		Action:       audit.ActionMessageReceived,
		ExamID:       &outcome.ExamID,
		RawMessageID: &outcome.RawMessageID,
		Detail: map[string]interface{}{
			"source":       string(source),
			"analyzer":     msg.Analyzer,
			"control_id":   msg.ControlID,
			"observations": len(outcome.ObservationIDs),
		},
	})
	metrics.RecordIngest(string(source), "ok")
	metrics.RecordObservations(msg.Analyzer, len(outcome.ObservationIDs))

	s.log.Info().
		Str("source", string(source)).
		Str("analyzer", msg.Analyzer).
		Str("control_id", msg.ControlID).
		Str("exam_id", outcome.ExamID.String()).
		Int("observations", len(outcome.ObservationIDs)).
		Msg("message ingested")

	return outcome, nil
}

// RequestResend returns an observation to the dispatch queue. It refuses
// while a delivery attempt is in flight.
func (s *Ingestor) RequestResend(ctx context.Context, id uuid.UUID, actor string) error {
	if err := s.repo.ResetForResend(ctx, id); err != nil {
		return err
	}

	s.audit.Record(ctx, &audit.Entry{
		Action:        audit.ActionResendRequested,
		Actor:         actor,
		ObservationID: &id,
	})
	return nil
}

func hashMessage(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
