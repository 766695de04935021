package export

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"stocksim/internal/domain"
)

func eventFromJSON(t *testing.T, raw string) domain.OrderEvent {
	t.Helper()
	var rec domain.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	return domain.OrderEvent{Raw: rec}
}

func TestWriteCSV(t *testing.T) {
	events := []domain.OrderEvent{
		eventFromJSON(t, `{"id":"1","o_type":"B","odr_price":600.5,"t_vol":3}`),
		eventFromJSON(t, `{"id":"2","o_type":"S","note":"a, b","odr_price":"601","flag":true}`),
		eventFromJSON(t, `{"id":"3","note":null}`),
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, events, DefaultOptions()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "\ufeff") {
		t.Fatalf("output does not start with a byte order mark: %q", out)
	}
	lines := strings.Split(strings.TrimSuffix(strings.TrimPrefix(out, "\ufeff"), "\n"), "\n")
	want := []string{
		"id,o_type,odr_price,t_vol,note,flag",
		"1,B,600.5,3,,",
		`2,S,601,,"a, b",true`,
		"3,,,,,",
	}
	if !slices.Equal(lines, want) {
		t.Errorf("lines mismatch:\n  got  %q\n  want %q", lines, want)
	}
}

func TestWriteCSVOptions(t *testing.T) {
	events := []domain.OrderEvent{eventFromJSON(t, `{"a":1,"b":"x"}`)}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, events, Options{Delimiter: ';'}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if got, want := buf.String(), "a;b\n1;x\n"; got != want {
		t.Errorf("csv = %q, want %q", got, want)
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil, Options{}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if got := buf.String(); got != "\n" {
		t.Errorf("csv = %q, want a single newline", got)
	}
	if h := Header(nil); len(h) != 0 {
		t.Errorf("Header(nil) = %v, want empty", h)
	}
}
