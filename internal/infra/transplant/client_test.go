package transplant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/usecase"
)

func TestEnqueue(t *testing.T) {
	var got enqueuePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/autoland" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "worker-key" {
			t.Fatalf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"request_id": 3141})
	}))
	defer server.Close()

	client := NewClient(server.URL, "worker-key", "https://lando.example.com/landings/update")
	requestID, err := client.Enqueue(context.Background(), usecase.EnqueueRequest{
		JobID:          "job-1",
		Tree:           "mozilla-central",
		RepositoryURL:  "https://hg.example.com/mozilla-central",
		RequesterEmail: "dev@example.com",
		LandingPath: []landing.LandingPathItem{
			{RevisionID: 1, DiffID: 11},
			{RevisionID: 2, DiffID: 22},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if requestID != "3141" {
		t.Fatalf("request id = %q, want 3141", requestID)
	}
	if got.Rev != "D2" {
		t.Fatalf("rev = %q, want tip monogram D2", got.Rev)
	}
	if got.Tree != "mozilla-central" || got.LDAPUsername != "dev@example.com" {
		t.Fatalf("payload = %+v", got)
	}
	if got.PingbackURL != "https://lando.example.com/landings/update" {
		t.Fatalf("pingback url = %q", got.PingbackURL)
	}
	if len(got.LandingPath) != 2 || got.LandingPath[0].DiffID != 11 {
		t.Fatalf("landing path = %+v", got.LandingPath)
	}
}

func TestEnqueueRejectsEmptyPath(t *testing.T) {
	client := NewClient("http://transplant.invalid", "key", "")
	if _, err := client.Enqueue(context.Background(), usecase.EnqueueRequest{}); err == nil {
		t.Fatalf("expected error for empty landing path")
	}
}

func TestEnqueueSurfacesWorkerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tree closed", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "")
	_, err := client.Enqueue(context.Background(), usecase.EnqueueRequest{
		LandingPath: []landing.LandingPathItem{{RevisionID: 1, DiffID: 11}},
	})
	if err == nil {
		t.Fatalf("expected error from worker")
	}
}

func TestAbandon(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "")
	if err := client.Abandon(context.Background(), "3141"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if method != http.MethodDelete || path != "/autoland/3141" {
		t.Fatalf("abandon sent %s %s", method, path)
	}
}

func TestAbandonRefusedOnceStarted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "landing in progress", http.StatusConflict)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "")
	if err := client.Abandon(context.Background(), "3141"); err == nil {
		t.Fatalf("expected error when worker refuses")
	}
}
