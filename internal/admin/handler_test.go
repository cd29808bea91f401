package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/transcription-worker/internal/dto"
	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/eleven-am/transcription-worker/internal/job"
	"github.com/eleven-am/transcription-worker/internal/shared"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *job.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := job.NewStore(db, time.Hour)
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func setupNotifier(t *testing.T) (*events.Notifier, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return events.NewNotifier(client, testLogger()), mr, client
}

func createJob(t *testing.T, store *job.Store, id string, status job.Status) *job.Job {
	t.Helper()
	locator := "https://blob.example.com/" + id + ".webm"
	j := &job.Job{ID: id, SourceLocator: &locator, AudioFormat: "webm", Status: status, OwnerID: "user_1"}
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return j
}

func newContext(method, target, id string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func assertHTTPError(t *testing.T, err error, status int, code string) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != status {
		t.Errorf("status = %d, want %d", httpErr.Code, status)
	}
	if apiErr, ok := httpErr.Message.(*shared.APIError); !ok || apiErr.Code != code {
		t.Errorf("message = %v, want code %q", httpErr.Message, code)
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	wakeErr error
	wakes   int
	events  []events.Event
}

func (f *fakeNotifier) Record(_ context.Context, evt events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeNotifier) Wake(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
	return f.wakeErr
}

func (f *fakeNotifier) Subscribe(ctx context.Context, _ func(events.Event)) error {
	<-ctx.Done()
	return nil
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := NewHandler(setupTestStore(t), &fakeNotifier{}, testLogger())
	e := echo.New()
	pass := func(next echo.HandlerFunc) echo.HandlerFunc { return next }

	h.RegisterRoutes(e.Group("/v1/jobs"), pass, pass)

	routes := make(map[string]bool)
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{"GET /v1/jobs/:id", "POST /v1/jobs/:id/requeue", "GET /v1/jobs/events"} {
		if !routes[want] {
			t.Errorf("expected route %s", want)
		}
	}
}

func TestHandler_GetJob(t *testing.T) {
	store := setupTestStore(t)
	h := NewHandler(store, &fakeNotifier{}, testLogger())
	ctx := context.Background()

	createJob(t, store, "job_done", job.StatusCompleted)
	createJob(t, store, "job_waiting", job.StatusEligible)
	err := store.SaveTranscript(ctx, &job.Transcript{
		JobID:           "job_done",
		Text:            "hello world",
		Language:        "en",
		Confidence:      job.DefaultConfidence,
		DurationSeconds: 2.5,
		Model:           "tiny",
	})
	if err != nil {
		t.Fatalf("SaveTranscript() error = %v", err)
	}

	t.Run("with transcript", func(t *testing.T) {
		c, rec := newContext(http.MethodGet, "/v1/jobs/job_done", "job_done")
		if err := h.GetJob(c); err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		var resp dto.JobResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != string(job.StatusCompleted) {
			t.Errorf("Status = %q", resp.Status)
		}
		if resp.Transcript == nil || resp.Transcript.Text != "hello world" {
			t.Fatalf("Transcript = %+v", resp.Transcript)
		}
		if resp.Transcript.Confidence != job.DefaultConfidence {
			t.Errorf("Confidence = %v", resp.Transcript.Confidence)
		}
	})

	t.Run("without transcript", func(t *testing.T) {
		c, rec := newContext(http.MethodGet, "/v1/jobs/job_waiting", "job_waiting")
		if err := h.GetJob(c); err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if strings.Contains(rec.Body.String(), `"transcript"`) {
			t.Errorf("unexpected transcript in %s", rec.Body.String())
		}
	})

	t.Run("not found", func(t *testing.T) {
		c, _ := newContext(http.MethodGet, "/v1/jobs/missing", "missing")
		assertHTTPError(t, h.GetJob(c), http.StatusNotFound, "job_not_found")
	})
}

func TestHandler_Requeue(t *testing.T) {
	store := setupTestStore(t)
	notifier, mr, client := setupNotifier(t)
	h := NewHandler(store, notifier, testLogger())
	ctx := context.Background()

	createJob(t, store, "job_failed", job.StatusPending)
	if err := store.MarkFailed(ctx, "job_failed", "boom", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	wake := client.Subscribe(ctx, events.WakeChannel)
	defer wake.Close()
	if _, err := wake.Receive(ctx); err != nil {
		t.Fatalf("subscribe wake: %v", err)
	}

	c, rec := newContext(http.MethodPost, "/v1/jobs/job_failed/requeue", "job_failed")
	if err := h.Requeue(c); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var resp dto.RequeueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Status != string(job.StatusEligible) || resp.Job.Attempts != 0 || resp.Job.LastError != "" {
		t.Errorf("job = %+v", resp.Job)
	}
	if resp.Warning != "" {
		t.Errorf("unexpected warning %q", resp.Warning)
	}

	select {
	case msg := <-wake.Channel():
		if msg.Payload != "1" {
			t.Errorf("wake payload = %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal published")
	}

	now := time.Now().UTC()
	key := events.MetricsRedisKey(now.Format("2006-01-02"), now.Hour())
	if got := mr.HGet(key, "requeued"); got != "1" {
		t.Errorf("requeued metric = %q, want 1", got)
	}

	stored, _ := store.Get(ctx, "job_failed")
	if stored.Status != job.StatusEligible || stored.NextAttemptAt != nil {
		t.Errorf("stored job = %+v", stored)
	}
}

func TestHandler_Requeue_Errors(t *testing.T) {
	store := setupTestStore(t)
	notifier := &fakeNotifier{}
	h := NewHandler(store, notifier, testLogger())

	createJob(t, store, "job_done", job.StatusCompleted)
	_ = store.SaveTranscript(context.Background(), &job.Transcript{JobID: "job_done", Text: "hi", Language: "en"})
	createJob(t, store, "job_running", job.StatusEligible)
	if ok, err := store.Claim(context.Background(), "job_running", "worker-a"); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	tests := []struct {
		name   string
		id     string
		status int
		code   string
	}{
		{"unknown job", "missing", http.StatusNotFound, "job_not_found"},
		{"already transcribed", "job_done", http.StatusConflict, "already_transcribed"},
		{"claimed by a worker", "job_running", http.StatusConflict, "job_in_progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(http.MethodPost, "/v1/jobs/"+tt.id+"/requeue", tt.id)
			assertHTTPError(t, h.Requeue(c), tt.status, tt.code)
		})
	}

	if notifier.wakes != 0 || len(notifier.events) != 0 {
		t.Errorf("failed requeues must not signal: wakes=%d events=%d", notifier.wakes, len(notifier.events))
	}
}

func TestHandler_Requeue_WakeFailure(t *testing.T) {
	store := setupTestStore(t)
	notifier := &fakeNotifier{wakeErr: errors.New("redis down")}
	h := NewHandler(store, notifier, testLogger())
	createJob(t, store, "job_1", job.StatusPending)

	c, rec := newContext(http.MethodPost, "/v1/jobs/job_1/requeue", "job_1")
	if err := h.Requeue(c); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	var resp dto.RequeueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Warning == "" {
		t.Error("expected a warning when the wake signal fails")
	}
	if resp.Job.Status != string(job.StatusEligible) {
		t.Errorf("Status = %q", resp.Job.Status)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != events.TypeRequeued {
		t.Errorf("events = %+v", notifier.events)
	}
}

func TestHandler_StreamEvents(t *testing.T) {
	notifier, mr, _ := setupNotifier(t)
	h := NewHandler(setupTestStore(t), notifier, testLogger())

	e := echo.New()
	e.GET("/v1/jobs/events", h.StreamEvents)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(events.EventsChannel)[events.EventsChannel] == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	sent := events.Event{Type: events.TypeCompleted, JobID: "job_42", DurationMs: 1200, Timestamp: time.Now().UTC()}
	if err := notifier.Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != sent.Type || got.JobID != sent.JobID || got.DurationMs != sent.DurationMs {
		t.Errorf("event = %+v, want %+v", got, sent)
	}
}

func TestHandler_StreamEvents_SubscriptionFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	h := NewHandler(setupTestStore(t), events.NewNotifier(client, testLogger()), testLogger())

	e := echo.New()
	e.GET("/v1/jobs/events", h.StreamEvents)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("ReadMessage() error = %v, want close 1013", err)
	}
}
