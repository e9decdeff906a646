package hl7

import (
	"fmt"
	"strings"
	"time"
)

// StructuralReason classifies why a message could not be accepted at all.
type StructuralReason string

const (
	ReasonEmptyMessage   StructuralReason = "empty_message"
	ReasonNoSegments     StructuralReason = "no_segments"
	ReasonBadHeader      StructuralReason = "bad_header"
	ReasonMissingSegment StructuralReason = "missing_segment"
	ReasonEncoding       StructuralReason = "encoding_error"
)

// StructuralError reports a message that cannot be ingested. It is the only
// failure mode of parsing: field-level problems are carried through on the
// extracted record instead.
type StructuralError struct {
	Reason  StructuralReason
	Segment string
	Detail  string
}

func (e *StructuralError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("hl7: structural failure (%s): segment %s: %s", e.Reason, e.Segment, e.Detail)
	}
	return fmt.Sprintf("hl7: structural failure (%s): %s", e.Reason, e.Detail)
}

// Message represents a parsed HL7v2 message.
type Message struct {
	ControlID  string // MSH-10
	Version    string // MSH-12
	Timestamp  time.Time
	SendingApp string // MSH-3
	SendingFac string // MSH-4
	Segments   []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
// Unknown segment types are kept so callers can ignore them; parsing never
// rejects a message for carrying segments it does not understand.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, &StructuralError{Reason: ReasonEmptyMessage, Detail: "message is empty"}
	}

	text := string(raw)

	// Normalize line endings: \r\n and \n both become \r.
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, &StructuralError{Reason: ReasonNoSegments, Detail: "no segments found"}
	}

	if !strings.HasPrefix(segmentLines[0], "MSH") {
		got := segmentLines[0]
		if len(got) > 3 {
			got = got[:3]
		}
		return nil, &StructuralError{Reason: ReasonBadHeader, Segment: "MSH", Detail: fmt.Sprintf("first segment must be MSH, got %q", got)}
	}

	msg := &Message{}
	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, &StructuralError{Reason: ReasonEncoding, Detail: err.Error()}
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()

	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH is special: the field separator (|) is MSH-1 itself.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3])
		rest := line[4:] // everything after "MSH|"
		parts := strings.Split(rest, fieldSep)

		// Fields[0] = MSH-1 (the separator itself), Fields[1] = MSH-2
		// (encoding characters), Fields[2] = MSH-3 and so on.
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})
		for _, part := range parts {
			seg.Fields = append(seg.Fields, parseField(part))
		}
	} else {
		parts := strings.SplitN(line, "|", 2)
		seg.Name = parts[0]

		if len(parts) > 1 {
			for _, f := range strings.Split(parts[1], "|") {
				seg.Fields = append(seg.Fields, parseField(f))
			}
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{Value: raw}

	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]

	return f
}

// extractMSHFields copies commonly used MSH fields onto the Message struct.
func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)

	if ts, err := ParseTimestamp(msh.GetField(7)); err == nil {
		m.Timestamp = ts
	}
}

// ParseTimestamp parses an HL7v2 timestamp (YYYYMMDD[HHMM[SS]]).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by its 1-based HL7 index.
// For MSH, MSH-1 is the field separator itself.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}
