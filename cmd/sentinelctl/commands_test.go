package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeAPI records requests and answers with canned bodies per path.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	replies  map[string]reply
}

type recorded struct {
	method string
	path   string
	body   map[string]any
}

type reply struct {
	status int
	body   string
}

func newFakeAPI(t *testing.T, replies map[string]reply) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{replies: replies}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI()}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		api.mu.Lock()
		api.requests = append(api.requests, rec)
		api.mu.Unlock()

		rep, ok := api.replies[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"incident not found","code":"not_found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		w.Write([]byte(rep.body))
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) last() recorded {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]reply{
		"GET /status": {http.StatusServiceUnavailable, `{"status":"unhealthy","active_incidents":3,"queued_events":1,"error_rate":0.5,"circuit_breakers":{"agent_channel":"open"},"performance":{"cache_hit_rate":0.9,"avg_response_time_ms":12}}`},
	})

	out, err := execute(t, srv, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"unhealthy", "Active incidents:", "3", "50.00%", "agent_channel", "open"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestIncidentShow(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]reply{
		"GET /incidents/inc-1": {http.StatusOK, `{"incident_id":"inc-1","severity":"high","status":"AWAITING_APPROVAL","version":4,"updated_at":"2026-01-01T00:00:00Z"}`},
	})

	out, err := execute(t, srv, "incident", "show", "inc-1")
	if err != nil {
		t.Fatalf("incident show error = %v", err)
	}
	if !strings.Contains(out, "AWAITING_APPROVAL") || !strings.Contains(out, "inc-1") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = execute(t, srv, "-o", "json", "incident", "show", "inc-1")
	if err != nil {
		t.Fatalf("incident show -o json error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("json output does not parse: %v\n%s", err, out)
	}
	if decoded["status"] != "AWAITING_APPROVAL" {
		t.Errorf("status = %v", decoded["status"])
	}
}

func TestIncidentShow_NotFound(t *testing.T) {
	_, srv := newFakeAPI(t, nil)

	_, err := execute(t, srv, "incident", "show", "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not_found") || !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v", err)
	}
}

func TestAuditVerify(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"intact", `{"incident_id":"inc-1","valid":true}`, false},
		{"tampered", `{"incident_id":"inc-1","valid":false}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newFakeAPI(t, map[string]reply{
				"GET /incidents/inc-1/audit/verify": {http.StatusOK, tt.body},
			})
			out, err := execute(t, srv, "audit", "verify", "inc-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !strings.Contains(out, "intact") {
				t.Errorf("unexpected output: %s", out)
			}
		})
	}
}

func TestAuditShow(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]reply{
		"GET /incidents/inc-1/audit": {http.StatusOK, `{"incident_id":"inc-1","total":1,"entries":[{"sequence":1,"event":"state.transition","actor":"engine","from_state":"DETECTED","to_state":"ANALYSIS_REQUESTED","timestamp":"2026-01-01T00:00:00Z"}]}`},
	})

	out, err := execute(t, srv, "audit", "show", "inc-1")
	if err != nil {
		t.Fatalf("audit show error = %v", err)
	}
	if !strings.Contains(out, "state.transition") || !strings.Contains(out, "ANALYSIS_REQUESTED") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestReset(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]reply{
		"POST /incidents/inc-9/reset": {http.StatusOK, `{"incident_id":"inc-9","status":"DETECTED"}`},
	})

	out, err := execute(t, srv, "reset", "inc-9", "--actor", "alice", "--reason", "agent restored")
	if err != nil {
		t.Fatalf("reset error = %v", err)
	}
	if !strings.Contains(out, "inc-9 is now DETECTED") {
		t.Errorf("unexpected output: %s", out)
	}
	req := api.last()
	if req.body["actor"] != "alice" || req.body["reason"] != "agent restored" {
		t.Errorf("request body = %v", req.body)
	}
	if _, ok := req.body["type"]; ok {
		t.Error("reset should not send an event type")
	}
}

func TestEvent(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]reply{
		"POST /incidents/inc-2/events": {http.StatusOK, `{"incident_id":"inc-2","status":"INCIDENT_CLOSED"}`},
	})

	if _, err := execute(t, srv, "event", "inc-2", "--type", "operator_resolve", "--actor", "bob"); err != nil {
		t.Fatalf("event error = %v", err)
	}
	if got := api.last().body["type"]; got != "operator_resolve" {
		t.Errorf("type = %v, want operator_resolve", got)
	}

	_, err := execute(t, srv, "event", "inc-2", "--type", "analysis_complete")
	if err == nil || !strings.Contains(err.Error(), "not an operator event") {
		t.Errorf("expected operator event error, got %v", err)
	}
}

func TestDLQList(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]reply{
		"GET /dead-letters": {http.StatusOK, `{"total":1,"dead_letters":[{"message":{"message_id":"m-1","target":"remediation","message_type":"execute_remediation"},"error":"breaker open","retry_count":3,"failed_at":"2026-01-01T00:00:00Z"}]}`},
	})

	out, err := execute(t, srv, "dlq", "list", "--limit", "5")
	if err != nil {
		t.Fatalf("dlq list error = %v", err)
	}
	if api.last().path != "/dead-letters?limit=5" {
		t.Errorf("path = %s", api.last().path)
	}
	for _, want := range []string{"m-1", "remediation", "breaker open"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	if _, err := execute(t, srv, "-o", "yaml", "status"); err == nil {
		t.Error("expected error for unknown output format")
	}
}
