package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	router *gin.Engine
	hub    *ws.Hub
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryParkingRepository(clock.Now)

	hub := ws.NewHub(logger)
	svc := service.NewParkingService(logger, repo, hub, nil, service.NewTariff(service.DefaultRatePerSecond))
	hub.SetInitDataProvider(svc.Snapshot, svc.SnapshotLock())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	NewHandler(logger, svc, hub).RegisterRoutes(router)
	return &testEnv{router: router, hub: hub, clock: clock}
}

func (e *testEnv) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postForm(path string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func (e *testEnv) records(t *testing.T) []models.ParkingSession {
	t.Helper()
	w := e.get("/records")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /records = %d", w.Code)
	}
	var out []models.ParkingSession
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	return out
}

func TestEnterAndList(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON("/enter", `{"uid":"A1"}`)
	if w.Code != http.StatusOK || w.Body.String() != "Entry logged successfully" {
		t.Fatalf("enter = %d %q", w.Code, w.Body.String())
	}

	records := env.records(t)
	if len(records) != 1 || records[0].UID != "A1" || records[0].TimeOut != nil || records[0].PaidAmount != nil {
		t.Fatalf("records = %+v", records)
	}
}

func TestRecordsEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/records")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("body = %q, want []", w.Body.String())
	}
}

func TestEnterFormEncoded(t *testing.T) {
	env := newTestEnv(t)

	w := env.postForm("/enter", url.Values{"uid": {"F1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("enter = %d %q", w.Code, w.Body.String())
	}
}

func TestExitChargesDuration(t *testing.T) {
	env := newTestEnv(t)

	env.postJSON("/enter", `{"uid":"A1"}`)
	env.clock.Advance(5 * time.Second)

	w := env.postJSON("/exit", `{"uid":"A1"}`)
	if w.Code != http.StatusOK || w.Body.String() != "Please pay: 5000" {
		t.Fatalf("exit = %d %q", w.Code, w.Body.String())
	}

	records := env.records(t)
	if records[0].PaidAmount == nil || *records[0].PaidAmount != 5000 {
		t.Fatalf("records = %+v", records)
	}

	w = env.postJSON("/exit", `{"uid":"A1"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second exit = %d", w.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON("/enter", `{"uid":"DUP"}`)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"missing uid on enter", "/enter", `{}`, http.StatusBadRequest, "UID is required"},
		{"blank uid on enter", "/enter", `{"uid":"  "}`, http.StatusBadRequest, "UID is required"},
		{"duplicate entry", "/enter", `{"uid":"DUP"}`, http.StatusConflict, "Badge already has an open parking session"},
		{"missing uid on exit", "/exit", `{}`, http.StatusBadRequest, "UID is required"},
		{"exit unknown badge", "/exit", `{"uid":"ZZZ"}`, http.StatusNotFound, "No entry record found for this UID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.postJSON(tt.path, tt.body)
			if w.Code != tt.wantCode || w.Body.String() != tt.wantBody {
				t.Fatalf("got %d %q, want %d %q", w.Code, w.Body.String(), tt.wantCode, tt.wantBody)
			}
		})
	}

	if n := len(env.records(t)); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON("/enter", `{"uid":"A1"}`)
	id := env.records(t)[0].ID

	w := env.get("/api/sessions/" + strconv.FormatInt(id, 10))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data models.ParkingSession `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.UID != "A1" {
		t.Fatalf("data = %+v", resp.Data)
	}

	if w := env.get("/api/sessions/abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", w.Code)
	}
	if w := env.get("/api/sessions/999"); w.Code != http.StatusNotFound {
		t.Fatalf("missing id = %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.get("/health")
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("resp = %v", resp)
	}
	if _, ok := resp["ws_clients"]; !ok {
		t.Fatal("missing ws_clients")
	}
}

func TestEventsStreamSnapshotThenUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON("/enter", `{"uid":"A1"}`)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	if event != ws.MsgTypeParkingData {
		t.Fatalf("event = %q", event)
	}
	var snapshot []models.ParkingSession
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		t.Fatalf("decode snapshot %q: %v", data, err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	env.postJSON("/enter", `{"uid":"B2"}`)
	_, data = readEvent(t, reader)
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("update = %+v", snapshot)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			return event, data
		}
	}
}
