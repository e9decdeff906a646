package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/platform/hl7"
)

// MLLPHandler adapts the ingestor to the MLLP server. The positive ACK is
// only produced after the message is durably stored; analyzers that retry on
// a negative ACK therefore never lose a result to a transient outage.
func MLLPHandler(ingestor Ingestor, log zerolog.Logger) hl7.FrameHandler {
	return func(raw []byte) *hl7.Message {
		ctx := context.Background()

		// Best-effort parse of the header so the ACK can echo control id and
		// version even for messages the ingestor rejects.
		incoming, _ := hl7.Parse(raw)
		if incoming == nil {
			incoming = &hl7.Message{}
		}

		if _, err := ingestor.Ingest(ctx, results.SourceMLLP, raw); err != nil {
			var structErr *hl7.StructuralError
			if !errors.As(err, &structErr) {
				log.Error().Err(err).Msg("mllp: store failed, negative ack")
			}
			return hl7.GenerateACK(incoming, "AE")
		}

		return hl7.GenerateACK(incoming, "AA")
	}
}
