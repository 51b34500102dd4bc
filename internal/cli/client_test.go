package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/sse"
)

func text(seq int64, s string) delta.Delta {
	d, _ := delta.New(delta.TypeTextDelta, s)
	d.Seq = seq
	return d
}

func TestFollowReconnectsFromLastSeq(t *testing.T) {
	all := []delta.Delta{text(1, "Hello"), text(2, ", "), text(3, "world"), {Seq: 4, Type: delta.TypeFinish}}
	var (
		mu      sync.Mutex
		cursors []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/c1/stream" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		mu.Lock()
		cursors = append(cursors, r.Header.Get("Last-Event-ID"))
		first := len(cursors) == 1
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		from := 0
		if !first {
			from = 2
		}
		to := len(all)
		if first {
			// Drop the connection after two deltas.
			to = 2
		}
		for _, d := range all[from:to] {
			_ = sse.WriteDelta(w, d)
		}
	}))
	defer srv.Close()

	var got []delta.Delta
	c := NewClient(srv.URL, "tok", srv.Client())
	err := follow(context.Background(), c, "c1", 0, time.Millisecond, func(d delta.Delta) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(got) != 4 || got[3].Type != delta.TypeFinish {
		t.Fatalf("unexpected deltas %+v", got)
	}
	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "2" {
		t.Fatalf("unexpected cursors %v", cursors)
	}
}

func TestResumeNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	_, _, err := NewClient(srv.URL, "", srv.Client()).Resume(context.Background(), "c1", 3, func(delta.Delta) error { return nil })
	if !errors.Is(err, errNoStream) {
		t.Fatalf("expected errNoStream, got %v", err)
	}
}

func TestErrorResponseCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()
	err := NewClient(srv.URL, "", srv.Client()).Stop(context.Background(), "c1")
	if err == nil || !strings.Contains(err.Error(), "403 forbidden") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPrinterTextMode(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out}
	for _, d := range []delta.Delta{text(1, "Hi"), text(2, " there"), {Seq: 3, Type: delta.TypeFinish}} {
		if err := p.print(d); err != nil {
			t.Fatalf("print: %v", err)
		}
	}
	if out.String() != "Hi there\n[3 finish]\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
