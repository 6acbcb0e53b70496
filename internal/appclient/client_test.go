package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/g960059/neurolink/internal/api"
)

func TestListSessionsSendsFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("phase") != "CALIBRATION" || q.Get("include_ended") != "true" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","sessions":[{"session_id":"alice","phase":"CALIBRATION","channel_labels":["C3","C4"],"sampling_rate":250,"samples_accepted":10,"samples_dropped":0,"labels_emitted":0,"buffered_seconds":0.04,"created_at":"2026-02-13T00:00:00Z"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewWithClient(srv.URL, srv.Client())
	items, err := c.ListSessions(context.Background(), ListOptions{Phase: "CALIBRATION", IncludeEnded: true, Limit: 5})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(items) != 1 || items[0].SessionID != "alice" || len(items[0].ChannelLabels) != 2 {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestStartCalibrationPostsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/bob/calibration", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.StartCalibrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.ProtocolName != "motor-imagery-short" {
			t.Fatalf("protocol name = %q", req.ProtocolName)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","session_id":"bob","protocol":{"name":"motor-imagery-short","phases":[]},"duration_seconds":10,"nominal_start_time":"2026-02-13T00:00:01Z"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewWithClient(srv.URL, srv.Client())
	resp, err := c.StartCalibration(context.Background(), "bob", api.StartCalibrationRequest{ProtocolName: "motor-imagery-short"})
	if err != nil {
		t.Fatalf("start calibration: %v", err)
	}
	if resp.DurationSeconds != 10 || resp.Protocol.Name != "motor-imagery-short" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRequestErrorFromEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/ghost", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_NOT_FOUND","message":"session not found"}}`)
	})
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewWithClient(srv.URL, srv.Client())
	_, err := c.EndSession(context.Background(), "ghost")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T %v", err, err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != "E_NOT_FOUND" || reqErr.Error() != "E_NOT_FOUND: session not found" {
		t.Fatalf("unexpected error: %+v", reqErr)
	}

	_, err = c.Health(context.Background())
	if !errors.As(err, &reqErr) || reqErr.Code != "HTTP_502" || reqErr.Message != "upstream down" {
		t.Fatalf("unexpected plain error: %v", err)
	}
}

func TestSessionPathEscapesID(t *testing.T) {
	if got := sessionPath("a b", "result"); got != "/v1/sessions/a%20b/result" {
		t.Fatalf("sessionPath = %q", got)
	}
}
