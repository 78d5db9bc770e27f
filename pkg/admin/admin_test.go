package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/queue"
	"github.com/mahaj/chat-dispatch/pkg/scheduler"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type fixture struct {
	router    http.Handler
	store     *store.MemoryScheduled
	queue     *queue.MemoryQueue
	scheduler *scheduler.Scheduler
	signer    *auth.Signer
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()
	node, _ := snowflake.NewNode(1)
	convs := store.NewMemoryConversations()
	_ = convs.Create(ctx, &model.Conversation{ID: "c1", Participants: []string{"alice", "bob"}})
	svc := chat.NewService(store.NewMemoryMessages(), convs, store.NewMemoryUsers(), node)

	f := fixture{
		store:  store.NewMemoryScheduled(),
		queue:  queue.NewMemoryQueue(),
		signer: auth.NewSigner("test-secret", time.Hour),
	}
	s, err := scheduler.New(f.store, f.queue, zerolog.Nop(), scheduler.WithSpec("@every 1h"))
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(s.Stop)
	f.scheduler = s
	f.router = NewRouter(NewHandler(s, f.queue, f.store, svc, zerolog.Nop(), opts...), f.signer)
	return f
}

func (f fixture) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		token, err := f.signer.GenerateToken(user, user)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/admin/scheduler/status", "/admin/queue/status", "/admin/scheduled-messages/stats"} {
		rec, _ := f.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestCreateScheduled(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour).UTC()

	tests := []struct {
		name   string
		user   string
		body   any
		status int
	}{
		{"created", "alice", createRequest{ConversationID: "c1", Content: "later", SendTime: future}, http.StatusCreated},
		{"past send time", "alice", createRequest{ConversationID: "c1", Content: "late", SendTime: time.Now().Add(-time.Minute)}, http.StatusBadRequest},
		{"unsupported type", "alice", createRequest{ConversationID: "c1", Content: "x", ContentType: "hologram", SendTime: future}, http.StatusBadRequest},
		{"missing fields", "alice", createRequest{ConversationID: "c1"}, http.StatusBadRequest},
		{"malformed body", "alice", "{", http.StatusBadRequest},
		{"not a participant", "mallory", createRequest{ConversationID: "c1", Content: "x", SendTime: future}, http.StatusForbidden},
		{"unknown conversation", "alice", createRequest{ConversationID: "nope", Content: "x", SendTime: future}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := f.do(t, http.MethodPost, "/admin/scheduled-messages", tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if env.Success != (tt.status == http.StatusCreated) {
				t.Errorf("unexpected success flag in %s", rec.Body.String())
			}
		})
	}

	stats, _ := f.store.Stats(context.Background(), time.Now())
	if stats.Total != 1 {
		t.Errorf("expected exactly one stored record, got %d", stats.Total)
	}
}

func TestGetScheduled(t *testing.T) {
	f := newFixture(t)
	_, env := f.do(t, http.MethodPost, "/admin/scheduled-messages", "alice",
		createRequest{ConversationID: "c1", Content: "later", SendTime: time.Now().Add(time.Hour)})
	var created model.ScheduledMessage
	if err := json.Unmarshal(env.Data, &created); err != nil || created.ID == "" {
		t.Fatalf("decode created record: %v (%s)", err, env.Data)
	}

	rec, env := f.do(t, http.MethodGet, "/admin/scheduled-messages/"+created.ID, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		ID    string      `json:"id"`
		State model.State `json:"state"`
	}
	_ = json.Unmarshal(env.Data, &got)
	if got.ID != created.ID || got.State != model.StatePending {
		t.Errorf("unexpected record %+v", got)
	}

	if rec, _ := f.do(t, http.MethodGet, "/admin/scheduled-messages/"+created.ID, "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("other users must not see the record, got %d", rec.Code)
	}
	if rec, _ := f.do(t, http.MethodGet, "/admin/scheduled-messages/missing", "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestTriggerEnqueuesDueRecords(t *testing.T) {
	f := newFixture(t)
	f.store.Put(model.ScheduledMessage{
		ID:             "s1",
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "Hi",
		ContentType:    model.ContentText,
		Repeat:         model.RepeatNone,
		SendTime:       time.Now().Add(-time.Second),
	})

	rec, env := f.do(t, http.MethodPost, "/admin/scheduler/trigger", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report scheduler.Report
	_ = json.Unmarshal(env.Data, &report)
	if report.Discovered != 1 || report.Enqueued != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	_, env = f.do(t, http.MethodGet, "/admin/queue/status", "alice", nil)
	var st queue.Status
	_ = json.Unmarshal(env.Data, &st)
	if len(st.Lanes) != 2 || st.Lanes[0].Written != 1 || st.MaxRetries != queue.DefaultMaxRetries {
		t.Errorf("unexpected queue status %+v", st)
	}

	_, env = f.do(t, http.MethodGet, "/admin/scheduled-messages/stats", "alice", nil)
	var stats model.Stats
	_ = json.Unmarshal(env.Data, &stats)
	if stats.Total != 1 || stats.Queued != 1 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	if rec, _ := f.do(t, http.MethodPost, "/admin/scheduler/start", "alice", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: %d", rec.Code)
	}
	_, env := f.do(t, http.MethodGet, "/admin/scheduler/status", "alice", nil)
	var st scheduler.Status
	_ = json.Unmarshal(env.Data, &st)
	if !st.Running || st.Cadence != "@every 1h" || st.NextRun == nil {
		t.Errorf("unexpected running status %+v", st)
	}

	if rec, _ := f.do(t, http.MethodPost, "/admin/scheduler/stop", "alice", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	_, env = f.do(t, http.MethodGet, "/admin/scheduler/status", "alice", nil)
	st = scheduler.Status{}
	_ = json.Unmarshal(env.Data, &st)
	if st.Running {
		t.Error("scheduler still running after stop")
	}
}

func TestHealth(t *testing.T) {
	healthy := newFixture(t, WithCheck("store", func(context.Context) error { return nil }))
	if rec, _ := healthy.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	degraded := newFixture(t,
		WithCheck("store", func(context.Context) error { return nil }),
		WithCheck("broker", func(context.Context) error { return errors.New("unreachable") }),
	)
	rec, _ := degraded.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string                 `json:"status"`
		Checks map[string]checkResult `json:"checks"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "degraded" || body.Checks["broker"].Status != "fail" || body.Checks["store"].Status != "pass" {
		t.Errorf("unexpected health body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

type ctxRecorder struct {
	*scheduler.Scheduler
	called bool
	seen   error
}

func (s *ctxRecorder) RunOnce(ctx context.Context) (scheduler.Report, error) {
	s.called = true
	s.seen = ctx.Err()
	return s.Scheduler.RunOnce(ctx)
}

func TestTriggerOutlivesClientCancel(t *testing.T) {
	f := newFixture(t)
	rec := &ctxRecorder{Scheduler: f.scheduler}
	svc := chat.NewService(store.NewMemoryMessages(), store.NewMemoryConversations(), store.NewMemoryUsers(), nil)
	router := NewRouter(NewHandler(rec, f.queue, f.store, svc, zerolog.Nop()), f.signer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/admin/scheduler/trigger", nil).WithContext(ctx)
	token, _ := f.signer.GenerateToken("alice", "alice")
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if !rec.called {
		t.Fatal("trigger did not run a cycle")
	}
	if rec.seen != nil {
		t.Errorf("discovery cycle ran on a cancelled context: %v", rec.seen)
	}
}
