package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinelops/internal/audit"
	"sentinelops/internal/metrics"
	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
	"sentinelops/internal/storage"
	"sentinelops/internal/workflow"
)

type fakeEngine struct {
	mu        sync.Mutex
	active    int
	activeErr error
	queued    int
	incidents map[string]*schema.Incident
	submitted []schema.Event
	submitErr error
	valid     bool
}

func (f *fakeEngine) ActiveIncidents(context.Context) (int, error) { return f.active, f.activeErr }
func (f *fakeEngine) Stats() workflow.Stats                        { return workflow.Stats{Queued: f.queued} }

func (f *fakeEngine) Get(_ context.Context, id string) (*schema.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, storage.ErrNotFound)
	}
	return inc, nil
}

func (f *fakeEngine) History(ctx context.Context, id string) ([]audit.Entry, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return []audit.Entry{{IncidentID: id, Sequence: 1}}, nil
}

func (f *fakeEngine) Verify(ctx context.Context, id string) (bool, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return false, err
	}
	return f.valid, nil
}

func (f *fakeEngine) Submit(_ context.Context, _ string, ev schema.Event) (schema.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, ev)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return schema.StateIncidentResolved, nil
}

func (f *fakeEngine) Reset(ctx context.Context, id, actor, reason string) (schema.WorkflowState, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, schema.Event{Type: schema.EventOperatorReset, Actor: actor, Reason: reason})
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return schema.StateDetectionReceived, nil
}

type fakeRouter struct{ stats router.Stats }

func (f fakeRouter) Stats() router.Stats { return f.stats }

type fakeBreakers []recovery.BreakerSnapshot

func (f fakeBreakers) Snapshot() []recovery.BreakerSnapshot { return f }

type fixedRate float64

func (f fixedRate) HitRate() float64 { return float64(f) }

func (f *fakeEngine) events() []schema.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Event(nil), f.submitted...)
}

func breakers(states ...recovery.State) fakeBreakers {
	out := make(fakeBreakers, len(states))
	for i, s := range states {
		out[i] = recovery.BreakerSnapshot{Name: fmt.Sprintf("dep-%d", i), State: s}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		breakers  fakeBreakers
		errorRate float64
		want      Status
	}{
		{"no breakers", nil, 0, StatusHealthy},
		{"all closed", breakers(recovery.StateClosed, recovery.StateClosed), 0.1, StatusHealthy},
		{"error rate at threshold", breakers(recovery.StateClosed), 0.2, StatusHealthy},
		{"error rate above threshold", breakers(recovery.StateClosed), 0.21, StatusDegraded},
		{"one half open", breakers(recovery.StateClosed, recovery.StateHalfOpen), 0, StatusDegraded},
		{"one open", breakers(recovery.StateOpen, recovery.StateClosed), 0, StatusDegraded},
		{"all open", breakers(recovery.StateOpen, recovery.StateOpen), 0, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.breakers, tt.errorRate); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitor_Snapshot(t *testing.T) {
	eng := &fakeEngine{active: 4, queued: 2}
	rs := fakeRouter{stats: router.Stats{Sent: 10, Failed: 1, AvgLatency: 1500 * time.Microsecond}}
	m := NewMonitor(eng, rs, breakers(recovery.StateClosed, recovery.StateHalfOpen), fixedRate(0.75))
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	snap, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != StatusDegraded {
		t.Errorf("Status = %v, want degraded", snap.Status)
	}
	if snap.ActiveIncidents != 4 || snap.QueuedEvents != 2 {
		t.Errorf("active/queued = %d/%d, want 4/2", snap.ActiveIncidents, snap.QueuedEvents)
	}
	if snap.ErrorRate != 0.1 {
		t.Errorf("ErrorRate = %v, want 0.1", snap.ErrorRate)
	}
	if snap.Performance.AvgResponseTimeMs != 1.5 {
		t.Errorf("AvgResponseTimeMs = %v, want 1.5", snap.Performance.AvgResponseTimeMs)
	}
	if snap.Performance.CacheHitRate != 0.75 {
		t.Errorf("CacheHitRate = %v, want 0.75", snap.Performance.CacheHitRate)
	}
	if snap.CircuitBreakers["dep-1"] != recovery.StateHalfOpen {
		t.Errorf("CircuitBreakers = %v", snap.CircuitBreakers)
	}
}

func TestMonitor_SnapshotError(t *testing.T) {
	eng := &fakeEngine{activeErr: errors.New("store down")}
	m := NewMonitor(eng, fakeRouter{}, breakers(), nil)
	if _, err := m.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func newTestServer(t *testing.T, eng *fakeEngine, b fakeBreakers, dls router.DeadLetterLister) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h := NewHandler(NewMonitor(eng, fakeRouter{}, b, nil), eng, dls, reg, nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHandler_Status(t *testing.T) {
	tests := []struct {
		name     string
		breakers fakeBreakers
		wantCode int
		want     Status
	}{
		{"healthy", breakers(recovery.StateClosed), http.StatusOK, StatusHealthy},
		{"degraded", breakers(recovery.StateOpen, recovery.StateClosed), http.StatusOK, StatusDegraded},
		{"unhealthy", breakers(recovery.StateOpen), http.StatusServiceUnavailable, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeEngine{active: 1}, tt.breakers, nil)
			resp, err := http.Get(srv.URL + "/status")
			if err != nil {
				t.Fatalf("GET /status: %v", err)
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var snap Snapshot
			decodeBody(t, resp, &snap)
			if snap.Status != tt.want {
				t.Errorf("status = %v, want %v", snap.Status, tt.want)
			}
		})
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health code = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics code = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if !strings.Contains(string(body), "sentinelops_workflow_active_incidents") {
		t.Error("metrics output missing active incidents gauge")
	}
}

func TestHandler_Incident(t *testing.T) {
	eng := &fakeEngine{
		incidents: map[string]*schema.Incident{
			"inc-1": {ID: "inc-1", Status: schema.StateAnalysisRequested},
		},
		valid: true,
	}
	srv := newTestServer(t, eng, nil, nil)

	tests := []struct {
		path     string
		wantCode int
	}{
		{"/incidents/inc-1", http.StatusOK},
		{"/incidents/missing", http.StatusNotFound},
		{"/incidents/inc-1/audit", http.StatusOK},
		{"/incidents/missing/audit", http.StatusNotFound},
		{"/incidents/inc-1/audit/verify", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/incidents/inc-1/audit/verify")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Valid bool `json:"valid"`
	}
	decodeBody(t, resp, &body)
	if !body.Valid {
		t.Error("valid = false, want true")
	}
}

func TestHandler_Events(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		wantCode  int
		wantCalls int
	}{
		{"resolve", `{"type":"operator_resolve","actor":"alice"}`, nil, http.StatusOK, 1},
		{"agent event refused", `{"type":"analysis_complete","actor":"alice"}`, nil, http.StatusBadRequest, 0},
		{"missing actor", `{"type":"operator_escalate"}`, nil, http.StatusBadRequest, 0},
		{"malformed", `{"type":`, nil, http.StatusBadRequest, 0},
		{"unknown field", `{"type":"operator_resolve","actor":"a","x":1}`, nil, http.StatusBadRequest, 0},
		{
			"invalid transition",
			`{"type":"operator_resolve","actor":"alice"}`,
			recovery.NewError(recovery.KindValidation, "submit", fmt.Errorf("%w: nope", workflow.ErrInvalidTransition)),
			http.StatusConflict, 1,
		},
		{
			"store failure",
			`{"type":"operator_resolve","actor":"alice"}`,
			recovery.NewError(recovery.KindStore, "commit", errors.New("disk")),
			http.StatusInternalServerError, 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{submitErr: tt.submitErr}
			srv := newTestServer(t, eng, nil, nil)
			resp, err := http.Post(srv.URL+"/incidents/inc-1/events", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if got := len(eng.events()); got != tt.wantCalls {
				t.Errorf("submits = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestHandler_Reset(t *testing.T) {
	eng := &fakeEngine{
		incidents: map[string]*schema.Incident{
			"inc-1": {ID: "inc-1", Status: schema.StateWorkflowFailed},
		},
	}
	srv := newTestServer(t, eng, nil, nil)

	resp, err := http.Post(srv.URL+"/incidents/inc-1/reset", "application/json",
		strings.NewReader(`{"actor":"bob","reason":"agent restored"}`))
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != string(schema.StateDetectionReceived) {
		t.Errorf("reset = %d %v", resp.StatusCode, body)
	}
	if evs := eng.events(); len(evs) != 1 || evs[0].Actor != "bob" || evs[0].Reason != "agent restored" {
		t.Errorf("submitted = %+v", evs)
	}

	resp, err = http.Post(srv.URL+"/incidents/missing/reset", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing incident code = %d, want 404", resp.StatusCode)
	}
}

func TestHandler_DeadLetters(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, &fakeEngine{}, nil, nil)
		resp, err := http.Get(srv.URL + "/dead-letters")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("code = %d, want 501", resp.StatusCode)
		}
	})

	t.Run("listed with limit", func(t *testing.T) {
		dls := router.NewMemoryDeadLetters(10)
		for i := 0; i < 3; i++ {
			msg := schema.NewMessage(schema.TargetOrchestrator, "remediation", schema.MsgExecuteRemediation, nil)
			if err := dls.Put(context.Background(), router.DeadLetter{Message: msg, Error: "refused", FailedAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
		}
		srv := newTestServer(t, &fakeEngine{}, nil, dls)
		resp, err := http.Get(srv.URL + "/dead-letters?limit=2")
		if err != nil {
			t.Fatal(err)
		}
		var body struct {
			Total int `json:"total"`
		}
		decodeBody(t, resp, &body)
		if body.Total != 2 {
			t.Errorf("total = %d, want 2", body.Total)
		}
	})
}
