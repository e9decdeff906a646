package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/domain/audit"
	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/mapping"
	"github.com/labgate/labgate/internal/platform/hl7"
)

// mockRepo is an in-memory results.Repository for dispatcher tests.
type mockRepo struct {
	mu           sync.Mutex
	observations map[uuid.UUID]*results.Observation
	exams        map[uuid.UUID]*results.Exam
	patients     map[uuid.UUID]*results.Patient
	closable     []*results.Exam
	closed       []uuid.UUID
	claimDenied  map[uuid.UUID]bool
	failMarkSent int
	recovered    int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		observations: make(map[uuid.UUID]*results.Observation),
		exams:        make(map[uuid.UUID]*results.Exam),
		patients:     make(map[uuid.UUID]*results.Patient),
		claimDenied:  make(map[uuid.UUID]bool),
	}
}

func (m *mockRepo) addFixture(analyzer, code string) *results.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()

	patient := &results.Patient{ID: uuid.New(), Document: "30123456", Name: "DOE JOHN"}
	m.patients[patient.ID] = patient

	exam := &results.Exam{
		ID:           uuid.New(),
		PatientID:    patient.ID,
		ProtocolCode: "EX100",
		Analyzer:     analyzer,
		Status:       results.ExamOpen,
		CreatedAt:    time.Now(),
	}
	m.exams[exam.ID] = exam

	o := &results.Observation{
		ID:       uuid.New(),
		ExamID:   exam.ID,
		Analyzer: analyzer,
		Code:     code,
		Text:     code,
		Value:    "7.5",
		Status:   results.StatusPending,
	}
	m.observations[o.ID] = o
	return o
}

func (m *mockRepo) addSibling(o *results.Observation, code string) *results.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	sib := &results.Observation{
		ID:       uuid.New(),
		ExamID:   o.ExamID,
		Analyzer: o.Analyzer,
		Code:     code,
		Text:     code,
		Value:    "1.0",
		Status:   results.StatusPending,
	}
	m.observations[sib.ID] = sib
	return sib
}

func (m *mockRepo) IngestResult(ctx context.Context, source results.Source, raw []byte, hash string, msg *hl7.ResultMessage) (*results.IngestOutcome, error) {
	return nil, nil
}

func (m *mockRepo) RecordStructuralFailure(ctx context.Context, source results.Source, raw []byte, hash, detail string) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (m *mockRepo) ListActionable(ctx context.Context, now time.Time, limit int) ([]*results.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*results.Observation
	for _, o := range m.observations {
		if o.Terminal() || o.InFlight {
			continue
		}
		if e := m.exams[o.ExamID]; e != nil && e.Status != results.ExamOpen {
			continue
		}
		if o.NextAttemptAt != nil && o.NextAttemptAt.After(now) {
			continue
		}
		copied := *o
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockRepo) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimDenied[id] {
		return false, nil
	}
	o := m.observations[id]
	if o.InFlight {
		return false, nil
	}
	o.InFlight = true
	return true, nil
}

func (m *mockRepo) Release(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[id].InFlight = false
	return nil
}

func (m *mockRepo) RecoverInFlight(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.observations {
		if o.InFlight {
			o.InFlight = false
			n++
		}
	}
	m.recovered += n
	return n, nil
}

func (m *mockRepo) MarkSent(ctx context.Context, id uuid.UUID, clientCode, clientTitle, request, response string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMarkSent > 0 {
		m.failMarkSent--
		return errors.New("connection reset")
	}
	o := m.observations[id]
	o.Status = results.StatusSent
	o.ClientCode = clientCode
	o.ClientTitle = clientTitle
	o.LastRequest = request
	o.LastResponse = response
	o.SentAt = &at
	o.Attempts++
	o.InFlight = false
	return nil
}

func (m *mockRepo) MarkError(ctx context.Context, id uuid.UUID, errMsg, request, response string, nextAttempt *time.Time, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.observations[id]
	o.Status = results.StatusError
	o.LastError = errMsg
	o.LastRequest = request
	o.LastResponse = response
	o.NextAttemptAt = nextAttempt
	o.Permanent = permanent
	o.Attempts++
	o.InFlight = false
	return nil
}

func (m *mockRepo) MarkMappingNotFound(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.observations[id]
	o.Status = results.StatusMappingNotFound
	o.Permanent = true
	o.InFlight = false
	return nil
}

func (m *mockRepo) ResetForResend(ctx context.Context, id uuid.UUID) error { return nil }

func (m *mockRepo) GetObservation(ctx context.Context, id uuid.UUID) (*results.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.observations[id]
	if !ok {
		return nil, results.ErrNotFound
	}
	copied := *o
	return &copied, nil
}

func (m *mockRepo) ListObservations(ctx context.Context, f results.ObservationFilter) ([]*results.Observation, int, error) {
	return nil, 0, nil
}

func (m *mockRepo) ListByExam(ctx context.Context, examID uuid.UUID) ([]*results.Observation, error) {
	return nil, nil
}

func (m *mockRepo) GetExam(ctx context.Context, id uuid.UUID) (*results.Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, results.ErrNotFound
	}
	return e, nil
}

func (m *mockRepo) GetPatient(ctx context.Context, id uuid.UUID) (*results.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, results.ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) GetRawMessage(ctx context.Context, id uuid.UUID) (*results.RawMessage, error) {
	return nil, results.ErrNotFound
}

func (m *mockRepo) ListClosableExams(ctx context.Context, limit int) ([]*results.Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closable, nil
}

func (m *mockRepo) CloseExam(ctx context.Context, id uuid.UUID, closedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, id)
	return nil
}

func (m *mockRepo) Stats(ctx context.Context) (*results.Stats, error) {
	return &results.Stats{}, nil
}

func (m *mockRepo) PurgeRawMessages(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

// mockERP records calls and returns scripted errors.
type mockERP struct {
	mu       sync.Mutex
	items    []Item
	closures []Closure
	itemErr  error
	closeErr error
}

func (m *mockERP) AddExamItem(ctx context.Context, item Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	if m.itemErr != nil {
		return "", m.itemErr
	}
	return `{"success": true}`, nil
}

func (m *mockERP) CloseExam(ctx context.Context, c Closure) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closures = append(m.closures, c)
	if m.closeErr != nil {
		return "", m.closeErr
	}
	return `{"success": true}`, nil
}

// mockAuditRepo satisfies audit.Repository.
type mockAuditRepo struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *mockAuditRepo) Insert(ctx context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditRepo) TimelineByExam(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	return nil, nil
}

func (m *mockAuditRepo) TimelineByRawMessage(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	return nil, nil
}

func (m *mockAuditRepo) TimelineByObservation(ctx context.Context, id uuid.UUID) ([]*audit.Entry, error) {
	return nil, nil
}

func (m *mockAuditRepo) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Action
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type staticResolver struct {
	table map[string]mapping.Target
}

func (r *staticResolver) Resolve(analyzer, code string) (mapping.Target, bool) {
	t, ok := r.table[analyzer+"/"+code]
	return t, ok
}

func newTestDispatcher(repo *mockRepo, erp *mockERP, resolver Resolver) (*Dispatcher, *mockAuditRepo) {
	auditRepo := &mockAuditRepo{}
	auditSvc := audit.NewService(auditRepo, zerolog.Nop())
	d := New(repo, resolver, erp, auditSvc, Options{
		Interval:         time.Minute,
		Backoff:          Backoff{Base: 30 * time.Second, Max: 30 * time.Minute, MaxAttempts: 3},
		CloseResponsible: "PENDIENTEVALIDAR",
		CloseNotes:       "Enviado desde integracion",
	}, zerolog.Nop())
	return d, auditRepo
}

func TestDispatchSuccess(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001", ClientTitle: "Leucocitos"},
	}}

	d, auditRepo := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	got, _ := repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusSent {
		t.Fatalf("status = %s, want SENT", got.Status)
	}
	if got.ClientCode != "1001" {
		t.Errorf("client code = %q, want 1001", got.ClientCode)
	}

	if len(erp.items) != 1 {
		t.Fatalf("erp calls = %d, want 1", len(erp.items))
	}
	item := erp.items[0]
	if item.IDExamen != "EX100" || item.Paciente != "30123456" {
		t.Errorf("item = %+v, want exam EX100 patient 30123456", item)
	}
	if item.Texto != "Leucocitos" {
		t.Errorf("texto = %q, want mapped client title", item.Texto)
	}

	if !strings.Contains(got.LastRequest, "<log_envio>") {
		t.Errorf("last request = %q, want the log_envio payload", got.LastRequest)
	}
	if got.LastResponse == "" {
		t.Error("last response not recorded on the row")
	}

	found := false
	for _, a := range auditRepo.actions() {
		if a == audit.ActionObservationSent {
			found = true
		}
	}
	if !found {
		t.Error("no observation_sent audit entry")
	}
}

func TestDispatchMarkSentFailureKeepsObservationReachable(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.failMarkSent = 1
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, auditRepo := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	got, _ := repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusPending {
		t.Fatalf("status = %s, want PENDING after failed state write", got.Status)
	}
	if got.InFlight {
		t.Fatal("claim not released after failed state write")
	}
	if len(erp.items) != 1 {
		t.Fatalf("erp calls = %d, want 1", len(erp.items))
	}

	// The send happened, so the trail must say so even though the state
	// write failed.
	found := false
	for _, a := range auditRepo.actions() {
		if a == audit.ActionObservationSent {
			found = true
		}
	}
	if !found {
		t.Error("no observation_sent audit entry for the delivered attempt")
	}

	// The next pass re-delivers and lands the state.
	d.RunPass(context.Background())
	got, _ = repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusSent {
		t.Fatalf("status after second pass = %s, want SENT", got.Status)
	}
	if len(erp.items) != 2 {
		t.Errorf("erp calls = %d, want 2 (at-least-once re-delivery)", len(erp.items))
	}
}

func TestDispatchSkipsClosedExam(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.exams[o.ExamID].Status = results.ExamClosed
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	if len(erp.items) != 0 {
		t.Error("observation of a closed exam must not be delivered")
	}
	got, _ := repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusPending {
		t.Errorf("status = %s, want PENDING untouched", got.Status)
	}
}

func TestRunRecoversStaleClaims(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.observations[o.ID].InFlight = true // leftover from a crashed process
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		n := repo.recovered
		repo.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stale claim not recovered at startup")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	d.RunPass(context.Background())
	got, _ := repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusSent {
		t.Fatalf("status = %s, want SENT after recovery", got.Status)
	}
}

func TestDispatchMappingNotFound(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "UNKNOWN_CODE")
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{}}

	d, auditRepo := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	got, _ := repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusMappingNotFound {
		t.Fatalf("status = %s, want MAPPING_NOT_FOUND", got.Status)
	}
	if len(erp.items) != 0 {
		t.Error("unmapped observation must not reach the ERP")
	}

	found := false
	for _, a := range auditRepo.actions() {
		if a == audit.ActionMappingNotFound {
			found = true
		}
	}
	if !found {
		t.Error("no mapping_not_found audit entry")
	}
}

func TestDispatchTransientError(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	erp := &mockERP{itemErr: &SendError{Msg: "connection refused"}}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	got, _ := repo.GetObservation(context.Background(), o.ID)
	if got.Status != results.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if got.Permanent {
		t.Error("single transient failure must not be permanent")
	}
	if got.NextAttemptAt == nil {
		t.Fatal("no backoff deadline set")
	}
	wantDelay := 30 * time.Second
	delta := time.Until(*got.NextAttemptAt) - wantDelay
	if delta < -5*time.Second || delta > 5*time.Second {
		t.Errorf("next attempt in %s, want about %s", time.Until(*got.NextAttemptAt), wantDelay)
	}
}

func TestDispatchPermanentAfterMaxAttempts(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.observations[o.ID].Attempts = 2 // budget of 3: this pass is the last
	erp := &mockERP{itemErr: &SendError{Msg: "still down"}}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	got, _ := repo.GetObservation(context.Background(), o.ID)
	if !got.Permanent {
		t.Error("retry budget exhausted, observation should be permanent")
	}
	if got.NextAttemptAt != nil {
		t.Error("permanent observation must not carry a retry deadline")
	}
}

func TestDispatchBusinessRejectionIsPermanent(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	erp := &mockERP{itemErr: &SendError{Permanent: true, Msg: "unknown exam"}}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	got, _ := repo.GetObservation(context.Background(), o.ID)
	if !got.Permanent {
		t.Error("business rejection should park the observation on the first attempt")
	}
}

func TestDispatchSkipsExamAfterFailure(t *testing.T) {
	repo := newMockRepo()
	o1 := repo.addFixture("ICON3", "WBC")
	o2 := repo.addSibling(o1, "HGB")
	erp := &mockERP{itemErr: &SendError{Msg: "down"}}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
		"ICON3/HGB": {ClientCode: "1002"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	if len(erp.items) != 1 {
		t.Fatalf("erp calls = %d, want 1 (second observation skipped after exam failure)", len(erp.items))
	}

	g1, _ := repo.GetObservation(context.Background(), o1.ID)
	g2, _ := repo.GetObservation(context.Background(), o2.ID)
	attempted, skipped := g1, g2
	if g1.Status == results.StatusPending {
		attempted, skipped = g2, g1
	}
	if attempted.Status != results.StatusError {
		t.Errorf("attempted sibling status = %s, want ERROR", attempted.Status)
	}
	if skipped.Status != results.StatusPending {
		t.Errorf("skipped sibling status = %s, want PENDING untouched", skipped.Status)
	}
}

func TestDispatchClaimDeniedSkips(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.claimDenied[o.ID] = true
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{
		"ICON3/WBC": {ClientCode: "1001"},
	}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	if len(erp.items) != 0 {
		t.Error("denied claim must not be delivered")
	}
}

func TestExamClosure(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.observations[o.ID].Status = results.StatusSent
	exam := repo.exams[o.ExamID]
	repo.closable = []*results.Exam{exam}
	erp := &mockERP{}
	resolver := &staticResolver{table: map[string]mapping.Target{}}

	d, auditRepo := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	if len(erp.closures) != 1 {
		t.Fatalf("closure calls = %d, want 1", len(erp.closures))
	}
	cl := erp.closures[0]
	if cl.IDExamen != "EX100" || cl.ResultadoGlobal != "Normal" || cl.Responsable != "PENDIENTEVALIDAR" {
		t.Errorf("closure = %+v", cl)
	}
	if len(repo.closed) != 1 || repo.closed[0] != exam.ID {
		t.Errorf("closed exams = %v, want [%s]", repo.closed, exam.ID)
	}

	found := false
	for _, a := range auditRepo.actions() {
		if a == audit.ActionExamClosed {
			found = true
		}
	}
	if !found {
		t.Error("no exam_closed audit entry")
	}
}

func TestExamClosureERPFailureLeavesOpen(t *testing.T) {
	repo := newMockRepo()
	o := repo.addFixture("ICON3", "WBC")
	repo.observations[o.ID].Status = results.StatusSent
	repo.closable = []*results.Exam{repo.exams[o.ExamID]}
	erp := &mockERP{closeErr: &SendError{Msg: "down"}}
	resolver := &staticResolver{table: map[string]mapping.Target{}}

	d, _ := newTestDispatcher(repo, erp, resolver)
	d.RunPass(context.Background())

	if len(repo.closed) != 0 {
		t.Error("exam must stay open when the ERP closure call fails")
	}
}
