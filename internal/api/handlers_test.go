package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zapdrip/zapdrip/internal/agentproto"
	"github.com/zapdrip/zapdrip/internal/db"
	"github.com/zapdrip/zapdrip/internal/ingest"
	"github.com/zapdrip/zapdrip/internal/models"
	"github.com/zapdrip/zapdrip/internal/relay"
	"github.com/zapdrip/zapdrip/internal/repository"
	"github.com/zapdrip/zapdrip/internal/statestore"
)

type fakeAgent struct {
	mu      sync.Mutex
	started []int64
	active  map[int64]bool
	paused  map[int64]bool
	aborted []int64
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{active: make(map[int64]bool), paused: make(map[int64]bool)}
}

func (a *fakeAgent) Start(ctx context.Context, jobID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, jobID)
	return nil
}

func (a *fakeAgent) Pause(jobID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active[jobID] {
		return false, nil
	}
	a.paused[jobID] = true
	return true, nil
}

func (a *fakeAgent) Unpause(jobID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active[jobID] {
		return false, nil
	}
	a.paused[jobID] = false
	return true, nil
}

func (a *fakeAgent) Abort(jobID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, jobID)
	return a.active[jobID], nil
}

func (a *fakeAgent) startedJobs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.started...)
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[int64]time.Time
	cancelled []int64
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[int64]time.Time)}
}

func (s *fakeScheduler) Schedule(ctx context.Context, jobID int64, fireAt time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[jobID] = fireAt
	return time.Minute, nil
}

func (s *fakeScheduler) Cancel(jobID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, had := s.scheduled[jobID]
	delete(s.scheduled, jobID)
	s.cancelled = append(s.cancelled, jobID)
	return had, nil
}

type testEnv struct {
	server *Server
	jobs   *repository.JobRepository
	state  *statestore.Store
	agent  *fakeAgent
	sched  *fakeScheduler
}

func setupTestServer(t *testing.T, proxyKey string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	state, err := statestore.New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := repository.NewJobRepository(database.DB)
	svc := ingest.New(jobs, ingest.Config{MaxRecipients: 100, DefaultCountry: "55"}, logger)
	agent := newFakeAgent()
	sched := newFakeScheduler()
	rel := relay.New(state, relay.Config{}, nil, logger)
	proto := agentproto.New(svc, sched, rel, logger)

	server := NewServer(Config{ListenAddr: ":0", ProxyKey: proxyKey}, Deps{
		Ingest: svc,
		Jobs:   jobs,
		Agent:  agent,
		Sched:  sched,
		Proto:  proto,
		State:  state,
	}, logger)

	return &testEnv{server: server, jobs: jobs, state: state, agent: agent, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-Proxy-Key", key)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return w, resp
}

func (e *testEnv) createCampaign(t *testing.T, recipients ...string) int64 {
	t.Helper()

	w, resp := e.do(t, "POST", "/api/v1/campaigns", "", map[string]any{
		"message":    "hi {{name}}",
		"recipients": recipients,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", w.Code, resp)
	}
	return int64(resp["jobId"].(float64))
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, "sekrit")

	// No auth required for health.
	w, resp := env.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t, "sekrit")

	w, resp := env.do(t, "GET", "/api/v1/campaigns", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}
	if resp["ok"] != false {
		t.Errorf("resp = %v, want error envelope", resp)
	}

	w, _ = env.do(t, "GET", "/api/v1/campaigns", "wrong", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}

	w, _ = env.do(t, "GET", "/api/v1/campaigns", "sekrit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("right key: status = %d, want 200", w.Code)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := setupTestServer(t, "")

	w, resp := env.do(t, "POST", "/api/v1/campaigns", "", map[string]any{
		"message":    "hello",
		"recipients": []string{"+5511999990001", "+5511999990002"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, body %v", w.Code, resp)
	}
	if resp["ok"] != true {
		t.Fatalf("resp = %v, want ok envelope", resp)
	}
	if resp["totalRecipients"] != 2.0 {
		t.Errorf("totalRecipients = %v, want 2", resp["totalRecipients"])
	}
	if resp["status"] != models.JobQueued {
		t.Errorf("status = %v, want queued", resp["status"])
	}

	job, err := env.jobs.GetByID(int64(resp["jobId"].(float64)))
	if err != nil || job == nil {
		t.Fatalf("GetByID: job=%v err=%v", job, err)
	}
	if job.TotalRecipients != 2 {
		t.Errorf("persisted TotalRecipients = %d, want 2", job.TotalRecipients)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := setupTestServer(t, "")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty message", map[string]any{"recipients": []string{"+5511999990001"}}},
		{"no recipients", map[string]any{"message": "hi"}},
		{"bad schedule", map[string]any{
			"message":      "hi",
			"recipients":   []string{"+5511999990001"},
			"scheduled_at": "tomorrow-ish",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, "POST", "/api/v1/campaigns", "", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status = %d, want 400", w.Code)
			}
			if resp["ok"] != false || resp["error"] == nil {
				t.Errorf("resp = %v, want error envelope", resp)
			}
		})
	}
}

func TestCreateCampaignScheduled(t *testing.T) {
	env := setupTestServer(t, "")

	w, resp := env.do(t, "POST", "/api/v1/campaigns", "", map[string]any{
		"message":      "hi",
		"recipients":   []string{"+5511999990001"},
		"scheduled_at": "2030-01-02 09:30",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, body %v", w.Code, resp)
	}
	if resp["scheduledIn"] == nil {
		t.Errorf("resp = %v, want scheduledIn field", resp)
	}

	jobID := int64(resp["jobId"].(float64))
	env.sched.mu.Lock()
	fireAt, ok := env.sched.scheduled[jobID]
	env.sched.mu.Unlock()
	if !ok {
		t.Fatal("no wake scheduled")
	}
	if fireAt.Year() != 2030 {
		t.Errorf("fireAt = %v, want year 2030", fireAt)
	}
}

func TestGetCampaign(t *testing.T) {
	env := setupTestServer(t, "")
	id := env.createCampaign(t, "+5511999990001", "+5511999990002")

	w, resp := env.do(t, "GET", "/api/v1/campaigns/"+itoa(id), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	campaign := resp["campaign"].(map[string]any)
	if campaign["status"] != models.JobQueued {
		t.Errorf("status = %v, want queued", campaign["status"])
	}
	stats := resp["stats"].(map[string]any)
	if stats["pending"] != 2.0 {
		t.Errorf("stats = %v, want 2 pending", stats)
	}

	w, _ = env.do(t, "GET", "/api/v1/campaigns/9999", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", w.Code)
	}

	w, _ = env.do(t, "GET", "/api/v1/campaigns/zero", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", w.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	env := setupTestServer(t, "")
	env.createCampaign(t, "+5511999990001")
	id := env.createCampaign(t, "+5511999990002")
	if _, err := env.jobs.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	w, resp := env.do(t, "GET", "/api/v1/campaigns?status=queued", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	campaigns := resp["campaigns"].([]any)
	if len(campaigns) != 1 {
		t.Fatalf("got %d campaigns, want 1", len(campaigns))
	}
	if resp["total"] != 1.0 {
		t.Errorf("total = %v, want 1", resp["total"])
	}
}

func TestCampaignItems(t *testing.T) {
	env := setupTestServer(t, "")
	id := env.createCampaign(t, "+5511999990001", "+5511999990002", "+5511999990003")

	w, resp := env.do(t, "GET", "/api/v1/campaigns/"+itoa(id)+"/items?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	items := resp["items"].([]any)
	if len(items) != 2 {
		t.Errorf("got %d items, want 2", len(items))
	}
	if resp["total"] != 3.0 {
		t.Errorf("total = %v, want 3", resp["total"])
	}
}

func TestDispatchCampaign(t *testing.T) {
	env := setupTestServer(t, "")
	id := env.createCampaign(t, "+5511999990001")

	w, resp := env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/dispatch", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, body %v", w.Code, resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if started := env.agent.startedJobs(); len(started) == 1 && started[0] == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never started the run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.jobs.UpdateStatus(id, models.JobDone); err != nil {
		t.Fatalf("update status: %v", err)
	}
	w, _ = env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/dispatch", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("finished job: status = %d, want 409", w.Code)
	}
}

func TestCancelCampaign(t *testing.T) {
	env := setupTestServer(t, "")

	t.Run("queued", func(t *testing.T) {
		id := env.createCampaign(t, "+5511999990001")
		w, resp := env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/cancel", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, body %v", w.Code, resp)
		}
		job, _ := env.jobs.GetByID(id)
		if job.Status != models.JobCancelled {
			t.Errorf("status = %q, want cancelled", job.Status)
		}
	})

	t.Run("processing requests abort", func(t *testing.T) {
		id := env.createCampaign(t, "+5511999990002")
		if claimed, err := env.jobs.Claim(id); err != nil || !claimed {
			t.Fatalf("claim: claimed=%v err=%v", claimed, err)
		}
		env.agent.mu.Lock()
		env.agent.active[id] = true
		env.agent.mu.Unlock()

		w, resp := env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/cancel", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, body %v", w.Code, resp)
		}
		if resp["status"] != "aborting" {
			t.Errorf("status = %v, want aborting", resp["status"])
		}
		env.agent.mu.Lock()
		aborted := append([]int64(nil), env.agent.aborted...)
		env.agent.mu.Unlock()
		if len(aborted) != 1 || aborted[0] != id {
			t.Errorf("aborted = %v, want [%d]", aborted, id)
		}
	})

	t.Run("finished conflicts", func(t *testing.T) {
		id := env.createCampaign(t, "+5511999990003")
		if err := env.jobs.UpdateStatus(id, models.JobDone); err != nil {
			t.Fatalf("update status: %v", err)
		}
		w, _ := env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/cancel", "", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("Status = %d, want 409", w.Code)
		}
	})
}

func TestPauseUnpause(t *testing.T) {
	env := setupTestServer(t, "")
	id := env.createCampaign(t, "+5511999990001")

	w, _ := env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/pause", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("no active run: status = %d, want 404", w.Code)
	}

	env.agent.mu.Lock()
	env.agent.active[id] = true
	env.agent.mu.Unlock()

	w, resp := env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/pause", "", nil)
	if w.Code != http.StatusOK || resp["paused"] != true {
		t.Fatalf("pause: status = %d, body %v", w.Code, resp)
	}

	w, resp = env.do(t, "POST", "/api/v1/campaigns/"+itoa(id)+"/unpause", "", nil)
	if w.Code != http.StatusOK || resp["paused"] != false {
		t.Fatalf("unpause: status = %d, body %v", w.Code, resp)
	}
}

func TestRunHistory(t *testing.T) {
	env := setupTestServer(t, "")

	rec := &models.RunRecord{
		RunID:      "run-1",
		JobID:      7,
		Message:    "hello",
		Stats:      models.JobStats{Total: 3, Sent: 3},
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}
	if err := env.state.AppendRunRecord(rec); err != nil {
		t.Fatalf("append record: %v", err)
	}

	w, resp := env.do(t, "GET", "/api/v1/runs", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	runs := resp["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	run := runs[0].(map[string]any)
	if run["run_id"] != "run-1" {
		t.Errorf("run = %v, want run-1", run["run_id"])
	}
}

func TestAgentEndpoint(t *testing.T) {
	env := setupTestServer(t, "")

	w, resp := env.do(t, "POST", "/api/v1/agent", "", map[string]any{
		"type":    "CAMPAIGN_API_CREATE",
		"payload": map[string]any{"message": "hi", "recipients": []string{"+5511999990001"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %v", w.Code, resp)
	}
	if resp["ok"] != true {
		t.Fatalf("resp = %v, want ok", resp)
	}

	w, resp = env.do(t, "POST", "/api/v1/agent", "", map[string]any{"type": "SOMETHING_ELSE"})
	if w.Code != http.StatusOK || resp["ok"] != true {
		t.Fatalf("unknown type: status = %d, body %v", w.Code, resp)
	}
	if resp["unknownType"] != "SOMETHING_ELSE" {
		t.Errorf("resp = %v, want unknownType echo", resp)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
