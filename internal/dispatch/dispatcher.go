package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/domain/audit"
	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/mapping"
	"github.com/labgate/labgate/internal/platform/metrics"
)

// Resolver is the mapping lookup the dispatcher consults before each send.
type Resolver interface {
	Resolve(analyzer, code string) (mapping.Target, bool)
}

// Options tune a Dispatcher.
type Options struct {
	Interval         time.Duration
	Backoff          Backoff
	BatchSize        int
	CloseResponsible string
	CloseNotes       string
}

// Dispatcher periodically drains actionable observations to the ERP and
// closes exams once every analyte has reached a terminal state.
type Dispatcher struct {
	repo     results.Repository
	resolver Resolver
	erp      ERP
	audit    *audit.Service
	opts     Options
	log      zerolog.Logger

	// passMu guarantees passes never overlap, whether triggered by the
	// ticker or by the manual API endpoint.
	passMu sync.Mutex
}

func New(repo results.Repository, resolver Resolver, erp ERP, auditSvc *audit.Service, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Dispatcher{
		repo:     repo,
		resolver: resolver,
		erp:      erp,
		audit:    auditSvc,
		opts:     opts,
		log:      log,
	}
}

// Run blocks, executing a pass every interval until the context is done.
// Claims left in flight by a previous process are cleared first so a crash
// mid-send cannot strand observations.
func (d *Dispatcher) Run(ctx context.Context) {
	if n, err := d.repo.RecoverInFlight(ctx); err != nil {
		d.log.Error().Err(err).Msg("dispatch: recover in-flight claims failed")
	} else if n > 0 {
		d.log.Warn().Int("count", n).Msg("dispatch: recovered stale in-flight claims")
	}

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunPass(ctx)
		}
	}
}

// RunPass executes one dispatch pass: deliver actionable observations, then
// close exams that have become complete.
func (d *Dispatcher) RunPass(ctx context.Context) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	start := time.Now()

	obs, err := d.repo.ListActionable(ctx, start, d.opts.BatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: list actionable failed")
		return
	}

	// One bad exam must not poison its siblings: remember exams whose send
	// failed this pass and skip their remaining observations.
	failedExams := make(map[uuid.UUID]bool)

	for _, o := range obs {
		if ctx.Err() != nil {
			return
		}
		if failedExams[o.ExamID] {
			continue
		}
		if !d.dispatchOne(ctx, o) {
			failedExams[o.ExamID] = true
		}
	}

	d.closeCompleted(ctx)

	metrics.RecordDispatchPass(time.Since(start), len(obs))
}

// dispatchOne attempts delivery of a single observation. Returns false on a
// delivery failure so the caller can skip the rest of the exam this pass.
func (d *Dispatcher) dispatchOne(ctx context.Context, o *results.Observation) bool {
	claimed, err := d.repo.Claim(ctx, o.ID)
	if err != nil {
		d.log.Error().Err(err).Str("observation_id", o.ID.String()).Msg("dispatch: claim failed")
		return true
	}
	if !claimed {
		return true
	}

	target, ok := d.resolver.Resolve(o.Analyzer, o.Code)
	if !ok {
		if err := d.repo.MarkMappingNotFound(ctx, o.ID); err != nil {
			d.log.Error().Err(err).Str("observation_id", o.ID.String()).Msg("dispatch: mark mapping not found failed")
			d.release(ctx, o.ID)
			return true
		}
		d.audit.Record(ctx, &audit.Entry{
			Action:        audit.ActionMappingNotFound,
			ObservationID: &o.ID,
			Detail: map[string]interface{}{
				"analyzer": o.Analyzer,
				"code":     o.Code,
			},
		})
		d.log.Warn().
			Str("analyzer", o.Analyzer).
			Str("code", o.Code).
			Str("observation_id", o.ID.String()).
			Msg("dispatch: no mapping for analyte")
		return true
	}

	item, err := d.buildItem(ctx, o, target)
	if err != nil {
		d.log.Error().Err(err).Str("observation_id", o.ID.String()).Msg("dispatch: build item failed")
		d.release(ctx, o.ID)
		return true
	}

	envio, _ := BuildLogEnvio(item)

	sendStart := time.Now()
	respBody, sendErr := d.erp.AddExamItem(ctx, item)
	elapsed := time.Since(sendStart)

	if sendErr == nil {
		metrics.RecordDelivery("ok", elapsed)

		// The audit entry is written before the state flip: the send
		// happened, so the trail must say so even if the update below
		// fails.
		d.audit.Record(ctx, &audit.Entry{
			Action:        audit.ActionObservationSent,
			ExamID:        &o.ExamID,
			ObservationID: &o.ID,
			Detail: map[string]interface{}{
				"client_code": target.ClientCode,
				"attempt":     o.Attempts + 1,
				"log_envio":   envio,
				"response":    respBody,
			},
		})

		if err := d.repo.MarkSent(ctx, o.ID, target.ClientCode, target.ClientTitle, envio, respBody, time.Now()); err != nil {
			// Release the claim so the row stays reachable; the next pass
			// re-sends, making delivery at-least-once when the state write
			// fails.
			d.log.Error().Err(err).Str("observation_id", o.ID.String()).Msg("dispatch: mark sent failed")
			d.release(ctx, o.ID)
			return true
		}
		return true
	}

	d.handleSendError(ctx, o, sendErr, envio, elapsed)
	return false
}

func (d *Dispatcher) handleSendError(ctx context.Context, o *results.Observation, sendErr error, envio string, elapsed time.Duration) {
	var se *SendError
	if !errors.As(sendErr, &se) {
		se = &SendError{Msg: sendErr.Error()}
	}

	attempts := o.Attempts + 1
	permanent := se.Permanent || d.opts.Backoff.Exhausted(attempts)

	var next *time.Time
	if !permanent {
		t := time.Now().Add(d.opts.Backoff.Delay(attempts))
		next = &t
	}

	outcome := "transient_error"
	if permanent {
		outcome = "permanent_error"
	}
	metrics.RecordDelivery(outcome, elapsed)

	if err := d.repo.MarkError(ctx, o.ID, se.Error(), envio, se.Body, next, permanent); err != nil {
		d.log.Error().Err(err).Str("observation_id", o.ID.String()).Msg("dispatch: mark error failed")
		d.release(ctx, o.ID)
		return
	}

	d.audit.Record(ctx, &audit.Entry{
		Action:        audit.ActionObservationError,
		ExamID:        &o.ExamID,
		ObservationID: &o.ID,
		Detail: map[string]interface{}{
			"error":     se.Error(),
			"response":  se.Body,
			"attempt":   attempts,
			"permanent": permanent,
		},
	})

	evt := d.log.Warn()
	if permanent {
		evt = d.log.Error()
	}
	evt.
		Str("observation_id", o.ID.String()).
		Int("attempt", attempts).
		Bool("permanent", permanent).
		Str("error", se.Error()).
		Msg("dispatch: delivery failed")
}

func (d *Dispatcher) buildItem(ctx context.Context, o *results.Observation, target mapping.Target) (Item, error) {
	exam, err := d.repo.GetExam(ctx, o.ExamID)
	if err != nil {
		return Item{}, err
	}
	patient, err := d.repo.GetPatient(ctx, exam.PatientID)
	if err != nil {
		return Item{}, err
	}

	texto := target.ClientTitle
	if texto == "" {
		texto = o.Text
	}

	adicional := ""
	if o.Units != "" {
		adicional = "UNITS:" + o.Units
	}

	return Item{
		IDExamen:         exam.ProtocolCode,
		Paciente:         patient.Document,
		Fecha:            fechaFor(o, exam),
		Texto:            texto,
		ValorCualitativo: o.Value,
		ValorReferencia:  o.RefRange,
		ValorAdicional:   adicional,
	}, nil
}

// closeCompleted closes every exam whose observations are all terminal with
// at least one delivered. The ERP is notified before the local state flips;
// a failed notification leaves the exam open for the next pass.
func (d *Dispatcher) closeCompleted(ctx context.Context) {
	exams, err := d.repo.ListClosableExams(ctx, d.opts.BatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: list closable exams failed")
		return
	}

	for _, exam := range exams {
		if ctx.Err() != nil {
			return
		}
		d.closeExam(ctx, exam)
	}
}

func (d *Dispatcher) closeExam(ctx context.Context, exam *results.Exam) {
	patient, err := d.repo.GetPatient(ctx, exam.PatientID)
	if err != nil {
		d.log.Error().Err(err).Str("exam_id", exam.ID.String()).Msg("dispatch: close exam patient lookup failed")
		return
	}

	closure := Closure{
		IDExamen:        exam.ProtocolCode,
		Paciente:        patient.Document,
		Fecha:           time.Now().Format("20060102"),
		ResultadoGlobal: "Normal",
		Responsable:     d.opts.CloseResponsible,
		Notas:           d.opts.CloseNotes,
	}

	if _, err := d.erp.CloseExam(ctx, closure); err != nil {
		d.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("dispatch: exam closure notification failed")
		return
	}

	if err := d.repo.CloseExam(ctx, exam.ID, "dispatcher", time.Now()); err != nil {
		d.log.Error().Err(err).Str("exam_id", exam.ID.String()).Msg("dispatch: close exam failed")
		return
	}

	metrics.RecordExamClosed()
	d.audit.Record(ctx, &audit.Entry{
		Action: audit.ActionExamClosed,
		ExamID: &exam.ID,
		Detail: map[string]interface{}{
			"protocol_code": exam.ProtocolCode,
			"responsable":   closure.Responsable,
		},
	})

	d.log.Info().
		Str("exam_id", exam.ID.String()).
		Str("protocol_code", exam.ProtocolCode).
		Msg("exam closed")
}

func (d *Dispatcher) release(ctx context.Context, id uuid.UUID) {
	if err := d.repo.Release(ctx, id); err != nil {
		d.log.Error().Err(err).Str("observation_id", id.String()).Msg("dispatch: release failed")
	}
}

// fechaFor picks the delivery date: observation timestamp, then exam
// creation date.
func fechaFor(o *results.Observation, exam *results.Exam) string {
	if o.ObservedAt != nil && !o.ObservedAt.IsZero() {
		return o.ObservedAt.Format("20060102")
	}
	return exam.CreatedAt.Format("20060102")
}
