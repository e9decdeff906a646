package results

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus is the lifecycle state of an exam.
type ExamStatus string

const (
	ExamOpen   ExamStatus = "OPEN"
	ExamClosed ExamStatus = "CLOSED"
)

// DeliveryStatus is the delivery state of one observation.
type DeliveryStatus string

const (
	StatusPending         DeliveryStatus = "PENDING"
	StatusSent            DeliveryStatus = "SENT"
	StatusError           DeliveryStatus = "ERROR"
	StatusMappingNotFound DeliveryStatus = "MAPPING_NOT_FOUND"
)

// ParseStatus records whether a raw message yielded a structured result.
type ParseStatus string

const (
	ParseOK     ParseStatus = "PARSED"
	ParseFailed ParseStatus = "STRUCTURAL_ERROR"
)

// Source identifies the channel a message arrived on.
type Source string

const (
	SourceMLLP  Source = "mllp"
	SourceInbox Source = "inbox"
)

type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Document  string    `db:"document" json:"document"`
	Name      string    `db:"name" json:"name"`
	Sex       string    `db:"sex" json:"sex"`
	BirthDate string    `db:"birth_date" json:"birth_date"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Exam groups the observations of one analyzer order. The protocol code is
// the order identifier assigned by the LIS and is what the downstream ERP
// keys on.
type Exam struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProtocolCode  string     `db:"protocol_code" json:"protocol_code"`
	ProtocolTitle string     `db:"protocol_title" json:"protocol_title"`
	TubeCode      string     `db:"tube_code" json:"tube_code"`
	Analyzer      string     `db:"analyzer" json:"analyzer"`
	Status        ExamStatus `db:"status" json:"status"`
	ClosedAt      *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	ClosedBy      string     `db:"closed_by" json:"closed_by,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// RawMessage is the verbatim analyzer message as received, kept for replay
// and troubleshooting. Hash is the SHA-256 of the raw bytes and is the
// identity used to make re-ingestion idempotent.
type RawMessage struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Source      Source      `db:"source" json:"source"`
	Analyzer    string      `db:"analyzer" json:"analyzer"`
	ControlID   string      `db:"control_id" json:"control_id"`
	Hash        string      `db:"hash" json:"hash"`
	Payload     []byte      `db:"payload" json:"-"`
	ParseStatus ParseStatus `db:"parse_status" json:"parse_status"`
	ErrorDetail string      `db:"error_detail" json:"error_detail,omitempty"`
	ExamID      *uuid.UUID  `db:"exam_id" json:"exam_id,omitempty"`
	ReceivedAt  time.Time   `db:"received_at" json:"received_at"`
}

// Observation is one analyte measurement with its delivery state. NextAttemptAt
// is set by the dispatcher after a transient failure; the observation is not
// actionable before it.
type Observation struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	ExamID        uuid.UUID      `db:"exam_id" json:"exam_id"`
	RawMessageID  *uuid.UUID     `db:"raw_message_id" json:"raw_message_id,omitempty"`
	Analyzer      string         `db:"analyzer" json:"analyzer"`
	Code          string         `db:"code" json:"code"`
	Text          string         `db:"text" json:"text"`
	ValueType     string         `db:"value_type" json:"value_type"`
	Value         string         `db:"value" json:"value"`
	Units         string         `db:"units" json:"units"`
	RefRange      string         `db:"ref_range" json:"ref_range"`
	AbnormalFlags string         `db:"abnormal_flags" json:"abnormal_flags"`
	Flagged       bool           `db:"flagged" json:"flagged"`
	ObservedAt    *time.Time     `db:"observed_at" json:"observed_at,omitempty"`
	Status        DeliveryStatus `db:"status" json:"status"`
	Attempts      int            `db:"attempts" json:"attempts"`
	Permanent     bool           `db:"permanent" json:"permanent"`
	InFlight      bool           `db:"in_flight" json:"in_flight"`
	NextAttemptAt *time.Time     `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError     string         `db:"last_error" json:"last_error,omitempty"`
	LastRequest   string         `db:"last_request" json:"last_request,omitempty"`
	LastResponse  string         `db:"last_response" json:"last_response,omitempty"`
	ClientCode    string         `db:"client_code" json:"client_code,omitempty"`
	ClientTitle   string         `db:"client_title" json:"client_title,omitempty"`
	SentAt        *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the observation needs no further dispatcher work.
func (o *Observation) Terminal() bool {
	return o.Status == StatusSent || o.Permanent
}

// IngestOutcome summarizes one ingestion.
type IngestOutcome struct {
	RawMessageID   uuid.UUID
	ExamID         uuid.UUID
	PatientID      uuid.UUID
	ObservationIDs []uuid.UUID
	Duplicate      bool
}

// Stats is an operational snapshot used by the stats endpoint and the
// maintenance job.
type Stats struct {
	OpenExams        int `json:"open_exams"`
	ClosedExams      int `json:"closed_exams"`
	PendingObs       int `json:"pending_observations"`
	SentObs          int `json:"sent_observations"`
	ErrorObs         int `json:"error_observations"`
	UnmappedObs      int `json:"unmapped_observations"`
	PermanentObs     int `json:"permanent_observations"`
	RawMessages      int `json:"raw_messages"`
	StructuralErrors int `json:"structural_errors"`
}
