package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"artifactchat/pkg/delta"
)

func TestWriteDeltaThenRead(t *testing.T) {
	var buf bytes.Buffer
	first, _ := delta.New(delta.TypeTextDelta, "Hello")
	first.Seq = 1
	if err := WriteDelta(&buf, first); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteComment(&buf, "ping"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if err := WriteDelta(&buf, delta.Delta{Type: delta.TypeError, Content: json.RawMessage(`{"message":"x"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(&buf)
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.ID != "1" || ev.Event != "text-delta" {
		t.Fatalf("unexpected event %+v", ev)
	}
	d, err := r.NextDelta()
	if err != nil {
		t.Fatalf("next delta: %v", err)
	}
	if d.Seq != 0 || d.Type != delta.TypeError {
		t.Fatalf("unexpected delta %+v", d)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderJoinsMultilineData(t *testing.T) {
	r := NewReader(strings.NewReader("event: note\ndata: a\ndata: b\n\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Data != "a\nb" {
		t.Fatalf("unexpected data %q", ev.Data)
	}
}

func TestReaderReturnsTrailingEventWithoutBlankLine(t *testing.T) {
	r := NewReader(strings.NewReader("id: 7\ndata: {}"))
	ev, err := r.Next()
	if err != nil || ev.ID != "7" {
		t.Fatalf("unexpected %+v (%v)", ev, err)
	}
}
