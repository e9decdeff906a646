package hl7

import (
	"strconv"
	"strings"
	"time"
)

// PatientInfo carries the demographic fields of a result message.
type PatientInfo struct {
	Document  string
	Name      string
	Sex       string
	BirthDate string
}

// OrderInfo carries the order-level fields of a result message.
type OrderInfo struct {
	Placer        string
	Filler        string
	ProtocolCode  string
	ProtocolTitle string
	TubeCode      string
	ObservedAt    time.Time
}

// ObservationInfo is one analyte measurement (one OBX segment).
// Flagged marks a value that was expected to be numeric but was not; the raw
// text is carried through so interpretation can be deferred downstream.
type ObservationInfo struct {
	SetID      string
	Code       string
	Text       string
	ValueType  string
	Value      string
	Units      string
	RefRange   string
	Flags      string
	ObservedAt time.Time
	Flagged    bool
	Raw        string
}

// ResultMessage is the structured form of one analyzer result message.
type ResultMessage struct {
	Analyzer     string // normalized analyzer name derived from MSH-3
	SendingApp   string // raw MSH-3
	ControlID    string
	Patient      PatientInfo
	Order        OrderInfo
	Observations []ObservationInfo
}

// ParseResult parses raw bytes and extracts the lab-result record in one
// step. The only error it returns is *StructuralError.
func ParseResult(raw []byte) (*ResultMessage, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return ExtractResult(msg)
}

// ExtractResult projects a generic Message into a ResultMessage. A missing
// order segment, missing patient identification (neither PID nor the ICON-3
// NTE carrier), or zero observations is a structural failure; anything
// field-level is carried through as raw text.
func ExtractResult(m *Message) (*ResultMessage, error) {
	r := &ResultMessage{
		SendingApp: m.SendingApp,
		Analyzer:   analyzerAlias(m.SendingApp),
		ControlID:  m.ControlID,
	}

	pid := m.GetSegment("PID")
	ntes := m.GetSegments("NTE")
	if pid == nil && nteByLabel(ntes, "Name") == "" {
		return nil, &StructuralError{Reason: ReasonMissingSegment, Segment: "PID", Detail: "no patient identification"}
	}
	r.Patient = extractPatient(pid, ntes)

	obr := m.GetSegment("OBR")
	if obr == nil {
		return nil, &StructuralError{Reason: ReasonMissingSegment, Segment: "OBR", Detail: "no order segment"}
	}
	r.Order = extractOrder(obr)

	obxSegs := m.GetSegments("OBX")
	if len(obxSegs) == 0 {
		return nil, &StructuralError{Reason: ReasonMissingSegment, Segment: "OBX", Detail: "no observations"}
	}
	for _, seg := range obxSegs {
		r.Observations = append(r.Observations, extractObservation(seg, r.Order.ObservedAt))
	}

	return r, nil
}

// analyzerAlias normalizes known sending applications to the analyzer names
// used by the mapping table. Unknown senders pass through unchanged.
func analyzerAlias(msh3 string) string {
	u := strings.ToUpper(msh3)
	switch {
	case strings.Contains(u, "ICON-3"):
		return "ICON3"
	case strings.Contains(u, "QIANALYZER"), strings.Contains(u, "FS114"), strings.Contains(u, "F114"):
		return "FINECARE"
	case msh3 == "":
		return "UNKNOWN"
	default:
		return msh3
	}
}

func extractPatient(pid *Segment, ntes []Segment) PatientInfo {
	if pid == nil {
		// ICON-3 puts the patient in NTE segments labelled via NTE-5.2.
		return PatientInfo{
			Name: nteByLabel(ntes, "Name"),
		}
	}

	doc := pid.GetField(19)
	if doc == "" {
		doc = pid.GetComponent(3, 2)
	}
	if doc == "" {
		doc = pid.GetField(3)
	}

	name := pid.GetComponent(5, 1)
	if name == "" {
		name = pid.GetField(5)
	}
	if given := pid.GetComponent(5, 2); given != "" && name != pid.GetField(5) {
		name = name + " " + given
	}

	return PatientInfo{
		Document:  doc,
		Name:      strings.TrimSpace(name),
		Sex:       pid.GetField(8),
		BirthDate: pid.GetField(7),
	}
}

func extractOrder(obr *Segment) OrderInfo {
	// Protocol code/title prefer OBR-4.1/.2; some analyzers (ICON-3) put
	// them in OBR-4.4/.5 instead.
	code := obr.GetComponent(4, 1)
	if code == "" {
		code = obr.GetComponent(4, 4)
	}
	title := obr.GetComponent(4, 2)
	if title == "" {
		title = obr.GetComponent(4, 5)
	}

	o := OrderInfo{
		Placer:        obr.GetField(2),
		Filler:        obr.GetField(3),
		ProtocolCode:  code,
		ProtocolTitle: title,
		TubeCode:      obr.GetField(20),
	}
	if ts, err := ParseTimestamp(obr.GetField(7)); err == nil {
		o.ObservedAt = ts
	}
	return o
}

func extractObservation(seg Segment, orderObserved time.Time) ObservationInfo {
	// Identifier lives in OBX-3; ICON-3 leaves OBX-3 empty and uses OBX-4
	// as index^text.
	fieldIdx := 3
	if seg.GetField(3) == "" && seg.GetField(4) != "" {
		fieldIdx = 4
	}
	code := seg.GetComponent(fieldIdx, 1)
	text := seg.GetComponent(fieldIdx, 2)

	// When the "code" is only a positional index, the text is the logical code.
	if text != "" && isDigits(code) {
		code = text
	}
	if text == "" {
		text = code
	}

	units := seg.GetComponent(6, 2)
	if units == "" {
		units = seg.GetField(6)
	}

	o := ObservationInfo{
		SetID:     seg.GetField(1),
		Code:      code,
		Text:      text,
		ValueType: seg.GetField(2),
		Value:     seg.GetField(5),
		Units:     units,
		RefRange:  seg.GetField(7),
		Flags:     seg.GetField(8),
		Raw:       serializeSegment(seg),
	}

	if ts, err := ParseTimestamp(seg.GetField(14)); err == nil {
		o.ObservedAt = ts
	} else {
		o.ObservedAt = orderObserved
	}

	// A declared-numeric value that does not parse is not a message failure;
	// it is carried through as raw text and flagged.
	if o.ValueType == "NM" && o.Value != "" {
		if _, err := strconv.ParseFloat(strings.TrimSpace(o.Value), 64); err != nil {
			o.Flagged = true
		}
	}

	return o
}

func nteByLabel(ntes []Segment, label string) string {
	for _, nte := range ntes {
		if nte.GetComponent(5, 2) == label {
			return strings.TrimSpace(nte.GetField(4))
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func serializeSegment(seg Segment) string {
	parts := make([]string, 0, len(seg.Fields)+1)
	parts = append(parts, seg.Name)
	for _, f := range seg.Fields {
		parts = append(parts, f.Value)
	}
	return strings.Join(parts, "|")
}
