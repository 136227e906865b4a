package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/me/stagerun/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is a minimal JSON-RPC scheduler served over HTTP.
type fakeRemote struct {
	mu        sync.Mutex
	auth      string
	submitted []submitRequest
	states    map[string]string
	cancelled []string
}

func (f *fakeRemote) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/rpc", f.handle)
	return r
}

func (f *fakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = r.Header.Get("Authorization")

	var req struct {
		ID     string            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := map[string]any{"id": req.ID, "version": "1.1"}
	notFound := map[string]any{"name": "JSONRPCError", "code": 404, "message": "no such job"}
	var id string
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params[0], &id)
	}

	switch req.Method {
	case "Scheduler.submit":
		var sr submitRequest
		json.Unmarshal(req.Params[0], &sr)
		f.submitted = append(f.submitted, sr)
		newID := "job-" + sr.Stage
		f.states[newID] = "queued"
		reply["result"] = map[string]any{"id": newID}
	case "Scheduler.query":
		state, ok := f.states[id]
		if !ok {
			reply["error"] = notFound
			break
		}
		reply["result"] = map[string]any{
			"state":       state,
			"diagnostics": map[string]any{"cpu_percent": 12.5, "log_ref": "/logs/" + id},
		}
	case "Scheduler.cancel":
		if _, ok := f.states[id]; !ok {
			reply["error"] = notFound
			break
		}
		f.cancelled = append(f.cancelled, id)
		f.states[id] = "cancelled"
		reply["result"] = nil
	case "Scheduler.list_active":
		var ids []string
		for jid, s := range f.states {
			if s == "queued" || s == "in-progress" {
				ids = append(ids, jid)
			}
		}
		reply["result"] = ids
	default:
		reply["error"] = map[string]any{"name": "JSONRPCError", "code": -32601, "message": "unknown method"}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

func newRemote(t *testing.T) (*fakeRemote, *RPCClient) {
	t.Helper()
	remote := &fakeRemote{states: make(map[string]string)}
	srv := httptest.NewServer(remote.router())
	t.Cleanup(srv.Close)
	caller := NewHTTPRPCCaller(ClientConfig{Endpoint: srv.URL + "/rpc", Token: "secret"}, testLogger())
	return remote, NewRPCClient(caller, testLogger())
}

func TestRPCClient_SubmitQueryCancel(t *testing.T) {
	remote, client := newRemote(t)
	ctx := context.Background()
	job := &model.Job{Stage: "align", Index: []string{"sub-01"}, DoneFlag: "/flags/align", Command: []string{"align.sh"}}

	id, err := client.Submit(ctx, job, SpecFor(job, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-align" {
		t.Errorf("id = %q, want job-align", id)
	}
	if remote.auth != "secret" {
		t.Errorf("Authorization = %q, want secret", remote.auth)
	}
	if len(remote.submitted) != 1 || remote.submitted[0].DoneFlag != "/flags/align" || remote.submitted[0].Spec.Attempt != 1 {
		t.Errorf("submitted = %+v", remote.submitted)
	}

	st, err := client.Query(ctx, id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if st.State != model.JobStatePending {
		t.Errorf("State = %s, want pending", st.State)
	}
	if st.Diagnostics.CPUPercent == nil || *st.Diagnostics.CPUPercent != 12.5 {
		t.Errorf("CPUPercent = %v, want 12.5", st.Diagnostics.CPUPercent)
	}
	if st.Diagnostics.LogRef != "/logs/job-align" {
		t.Errorf("LogRef = %q", st.Diagnostics.LogRef)
	}

	active, err := client.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0] != id {
		t.Errorf("ListActive = %v, want [%s]", active, id)
	}

	if err := client.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st, _ = client.Query(ctx, id)
	if st.State != model.JobStateCancelled {
		t.Errorf("State after cancel = %s, want cancelled", st.State)
	}
}

func TestRPCClient_NotFound(t *testing.T) {
	_, client := newRemote(t)
	_, err := client.Query(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Query err = %v, want ErrNotFound", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("Query err should still carry *RPCError, got %T", err)
	}
	if err := client.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel err = %v, want ErrNotFound", err)
	}
}

func TestHTTPRPCCaller_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	caller := NewHTTPRPCCaller(ClientConfig{Endpoint: srv.URL}, testLogger())
	if _, err := caller.Call(context.Background(), "Scheduler.query", nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestHTTPRPCCaller_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	caller := NewHTTPRPCCaller(ClientConfig{Endpoint: srv.URL}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := caller.Call(ctx, "Scheduler.query", nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestMapRemoteState(t *testing.T) {
	tests := []struct {
		in   string
		want model.JobState
	}{
		{"queued", model.JobStatePending},
		{"in-progress", model.JobStateRunning},
		{"running", model.JobStateRunning},
		{"suspended", model.JobStateInactive},
		{"completed", model.JobStateFinished},
		{"failed", model.JobStateFailed},
		{"error", model.JobStateError},
		{"deleted", model.JobStateCancelled},
		{"something-new", model.JobStatePending},
	}
	for _, tt := range tests {
		if got := mapRemoteState(tt.in); got != tt.want {
			t.Errorf("mapRemoteState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
