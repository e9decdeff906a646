package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names the event being recorded.
type Action string

const (
	ActionMessageReceived    Action = "message_received"
	ActionMessageDuplicate   Action = "message_duplicate"
	ActionStructuralRejected Action = "structural_rejected"
	ActionObservationSent    Action = "observation_sent"
	ActionObservationError   Action = "observation_error"
	ActionMappingNotFound    Action = "mapping_not_found"
	ActionExamClosed         Action = "exam_closed"
	ActionResendRequested    Action = "resend_requested"
	ActionMappingReloaded    Action = "mapping_reloaded"
	ActionRetentionPurge     Action = "retention_purge"
)

// Entry is one append-only audit record. Entries are never updated or
// deleted; the trail is the authoritative history of what the gateway did
// with each result.
type Entry struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	Action        Action                 `db:"action" json:"action"`
	Actor         string                 `db:"actor" json:"actor"`
	ExamID        *uuid.UUID             `db:"exam_id" json:"exam_id,omitempty"`
	RawMessageID  *uuid.UUID             `db:"raw_message_id" json:"raw_message_id,omitempty"`
	ObservationID *uuid.UUID             `db:"observation_id" json:"observation_id,omitempty"`
	Detail        map[string]interface{} `db:"detail" json:"detail,omitempty"`
	RecordedAt    time.Time              `db:"recorded_at" json:"recorded_at"`
}
