package hl7

import (
	"errors"
	"strings"
	"testing"
)

const sampleORU = "MSH|^~\\&|ANALYZER|LAB|LIS|LAB|20240115103000||ORU^R01|MSG001|P|2.3.1\r" +
	"PID|1||12345^^^LAB||DOE^JOHN||19800101|M|||||||||||30123456\r" +
	"OBR|1|ORD100|FIL100|CBC^Hemograma|||20240115100000|||||||||||||TUBE01\r" +
	"OBX|1|NM|WBC^Leucocitos||7.5|10*3/uL^10*3/uL|4.0-10.0|N|||F|||20240115100500\r" +
	"OBX|2|NM|HGB^Hemoglobina||14.2|g/dL^g/dL|13.0-17.0|N|||F"

func TestParse(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if msg.SendingApp != "ANALYZER" {
		t.Errorf("SendingApp = %q, want ANALYZER", msg.SendingApp)
	}
	if msg.ControlID != "MSG001" {
		t.Errorf("ControlID = %q, want MSG001", msg.ControlID)
	}
	if msg.Version != "2.3.1" {
		t.Errorf("Version = %q, want 2.3.1", msg.Version)
	}
	if got := len(msg.GetSegments("OBX")); got != 2 {
		t.Errorf("OBX count = %d, want 2", got)
	}
}

func TestParseLineEndings(t *testing.T) {
	for _, sep := range []string{"\r", "\n", "\r\n"} {
		raw := strings.ReplaceAll(sampleORU, "\r", sep)
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse with separator %q: %v", sep, err)
		}
		if len(msg.Segments) != 5 {
			t.Errorf("separator %q: segments = %d, want 5", sep, len(msg.Segments))
		}
	}
}

func TestParseStructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason StructuralReason
	}{
		{"empty", "", ReasonEmptyMessage},
		{"whitespace only", "\r\n\r\n", ReasonNoSegments},
		{"no MSH first", "PID|1||12345\rMSH|^~\\&|A", ReasonBadHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			var structErr *StructuralError
			if !errors.As(err, &structErr) {
				t.Fatalf("Parse(%q) err = %v, want StructuralError", tt.raw, err)
			}
			if structErr.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", structErr.Reason, tt.reason)
			}
		})
	}
}

func TestMSHFieldIndexing(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	msh := msg.GetSegment("MSH")
	if msh == nil {
		t.Fatal("no MSH segment")
	}

	// MSH-1 is the field separator itself.
	if got := msh.GetField(1); got != "|" {
		t.Errorf("MSH-1 = %q, want |", got)
	}
	if got := msh.GetField(2); got != `^~\&` {
		t.Errorf("MSH-2 = %q, want ^~\\&", got)
	}
	if got := msh.GetField(3); got != "ANALYZER" {
		t.Errorf("MSH-3 = %q, want ANALYZER", got)
	}
	if got := msh.GetField(9); got != "ORU^R01" {
		t.Errorf("MSH-9 = %q, want ORU^R01", got)
	}
}

func TestGetComponent(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	pid := msg.GetSegment("PID")
	if got := pid.GetComponent(5, 1); got != "DOE" {
		t.Errorf("PID-5.1 = %q, want DOE", got)
	}
	if got := pid.GetComponent(5, 2); got != "JOHN" {
		t.Errorf("PID-5.2 = %q, want JOHN", got)
	}
	if got := pid.GetComponent(5, 9); got != "" {
		t.Errorf("PID-5.9 = %q, want empty", got)
	}
	if got := pid.GetField(99); got != "" {
		t.Errorf("PID-99 = %q, want empty", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"20240115103000", "2024-01-15T10:30:00", false},
		{"202401151030", "2024-01-15T10:30:00", false},
		{"20240115", "2024-01-15T00:00:00", false},
		{"2024", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		ts, err := ParseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimestamp(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil {
			if got := ts.Format("2006-01-02T15:04:05"); got != tt.want {
				t.Errorf("ParseTimestamp(%q) = %s, want %s", tt.in, got, tt.want)
			}
		}
	}
}

func TestUnknownSegmentsKept(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101||ORU^R01|X|P|2.3.1\rZXY|1|custom\r"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.GetSegment("ZXY") == nil {
		t.Error("unknown segment ZXY dropped")
	}
}
