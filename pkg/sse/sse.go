// Package sse frames deltas as server-sent events and reads them back.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"artifactchat/pkg/delta"
)

// Event is one parsed server-sent event. Comment lines are dropped.
type Event struct {
	ID    string
	Event string
	Data  string
}

// WriteDelta frames d as an event whose id is its Seq, so a reconnecting
// EventSource sends the Seq back as Last-Event-ID. Seq 0 is written without an id.
func WriteDelta(w io.Writer, d delta.Delta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if d.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", d.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", d.Type, payload)
	return err
}

// WriteComment writes a comment line, used as a keep-alive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// Reader parses an event stream.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next complete event, or io.EOF when the stream ends.
func (r *Reader) Next() (Event, error) {
	var (
		ev   Event
		data []string
		seen bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !seen {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		default:
			continue
		}
		seen = true
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if seen {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

// NextDelta reads the next event and decodes its data as a delta.
func (r *Reader) NextDelta() (delta.Delta, error) {
	ev, err := r.Next()
	if err != nil {
		return delta.Delta{}, err
	}
	var d delta.Delta
	if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
		return delta.Delta{}, fmt.Errorf("decode event %q: %w", ev.Event, err)
	}
	return d, nil
}
