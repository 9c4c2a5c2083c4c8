package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/controller"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/groups"
	"github.com/zulandar/signalbox/internal/sessionstore"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeLifecycle struct {
	mu      sync.Mutex
	ready   bool
	state   controller.State
	joinErr error
	joined  []string
	left    []string
	forced  int
}

func (f *fakeLifecycle) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeLifecycle) Status() controller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return controller.Status{State: f.state, Epoch: 3}
}

func (f *fakeLifecycle) ForceReauth(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	return nil
}

func (f *fakeLifecycle) JoinGroup(ctx context.Context, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return "", f.joinErr
	}
	f.joined = append(f.joined, code)
	return "g-" + code, nil
}

func (f *fakeLifecycle) LeaveGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, groupID)
	return nil
}

type fakeEndpoints struct{}

func (fakeEndpoints) Snapshot() endpoint.Snapshot {
	return endpoint.Snapshot{Current: "ep-a", Endpoints: []endpoint.Health{{Endpoint: endpoint.Endpoint{Name: "ep-a"}, Available: true}}}
}

type testEnv struct {
	router *gin.Engine
	life   *fakeLifecycle
	hub    *broadcast.Hub
	gdb    *gorm.DB
	store  *sessionstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	backend, err := sessionstore.NewGormBackend(gdb)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	store, err := sessionstore.New(sessionstore.Opts{Backend: backend, ClientID: "bot-1"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	env := &testEnv{
		life:  &fakeLifecycle{ready: true, state: controller.StateReady},
		hub:   broadcast.NewHub(16),
		gdb:   gdb,
		store: store,
	}
	env.router, err = NewRouter(Opts{
		BotAccount: "bot-1",
		Lifecycle:  env.life,
		DB:         gdb,
		Store:      store,
		Endpoints:  fakeEndpoints{},
		Hub:        env.hub,
		Heartbeat:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return env
}

func (e *testEnv) do(method, path, body string) (*httptest.ResponseRecorder, reply) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var r reply
	json.Unmarshal(w.Body.Bytes(), &r)
	return w, r
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRouter_Validation(t *testing.T) {
	hub := broadcast.NewHub(1)
	life := &fakeLifecycle{}
	gdb := &gorm.DB{}
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"no account", Opts{Lifecycle: life, DB: gdb, Hub: hub}, "bot account is required"},
		{"no lifecycle", Opts{BotAccount: "b", DB: gdb, Hub: hub}, "lifecycle is required"},
		{"no db", Opts{BotAccount: "b", Lifecycle: life, Hub: hub}, "db is required"},
		{"no hub", Opts{BotAccount: "b", Lifecycle: life, DB: gdb}, "hub is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func TestJoinGroup(t *testing.T) {
	env := newTestEnv(t)
	w, r := env.do(http.MethodPost, "/webhook/join-group",
		`{"bot_account":"bot-1","group_invite_url":"https://chat.example.com/ABC","group_name":"Team"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if !r.OK || r.GroupID != "g-ABC" || r.Message != "Joined group Team." {
		t.Errorf("reply = %+v", r)
	}
	if len(env.life.joined) != 1 || env.life.joined[0] != "ABC" {
		t.Errorf("joined = %v, want [ABC]", env.life.joined)
	}
	active, err := groups.Active(env.gdb, "bot-1")
	if err != nil || len(active) != 1 || active[0].GroupName != "Team" {
		t.Errorf("active = %+v, %v", active, err)
	}
	if ev, ok := env.hub.Latest(broadcast.TypeGroup); !ok || ev.Data["group_id"] != "g-ABC" {
		t.Errorf("group event = %+v", ev)
	}
}

func TestJoinGroup_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		notReady bool
		joinErr  error
		code     int
		msg      string
	}{
		{"bad json", `{`, false, nil, http.StatusBadRequest, "invalid request body"},
		{"missing account", `{"group_invite_url":"X"}`, false, nil, http.StatusBadRequest, "bot_account is required"},
		{"wrong account", `{"bot_account":"bot-2","group_invite_url":"X"}`, false, nil, http.StatusForbidden, "unknown bot account"},
		{"missing invite", `{"bot_account":"bot-1"}`, false, nil, http.StatusBadRequest, "group_invite_url"},
		{"not ready", `{"bot_account":"bot-1","group_invite_url":"X"}`, true, nil, http.StatusServiceUnavailable, "not connected"},
		{"join failed", `{"bot_account":"bot-1","group_invite_url":"X"}`, false, errors.New("invite revoked"), http.StatusBadGateway, "invite revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.life.ready = !tt.notReady
			env.life.joinErr = tt.joinErr
			w, r := env.do(http.MethodPost, "/webhook/join-group", tt.body)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			if r.OK || !strings.Contains(r.Message, tt.msg) {
				t.Errorf("reply = %+v, want message containing %q", r, tt.msg)
			}
		})
	}
}

func TestLeaveGroup(t *testing.T) {
	env := newTestEnv(t)
	if _, err := groups.Join(env.gdb, "bot-1", "g1", groups.JoinOpts{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, r := env.do(http.MethodPost, "/webhook/leave-group", `{"bot_account":"bot-1","group_id":"g1"}`)
	if w.Code != http.StatusOK || !r.OK {
		t.Fatalf("status = %d reply = %+v", w.Code, r)
	}
	if len(env.life.left) != 1 || env.life.left[0] != "g1" {
		t.Errorf("left = %v, want [g1]", env.life.left)
	}
	if active, _ := groups.Active(env.gdb, "bot-1"); len(active) != 0 {
		t.Errorf("active = %+v, want none", active)
	}

	// A group that was never recorded still gets a success reply.
	w, r = env.do(http.MethodPost, "/webhook/leave-group", `{"bot_account":"bot-1","group_id":"g2"}`)
	if w.Code != http.StatusOK || !r.OK {
		t.Errorf("unrecorded leave: status = %d reply = %+v", w.Code, r)
	}
}

func TestLeaveGroup_Rejections(t *testing.T) {
	env := newTestEnv(t)
	w, r := env.do(http.MethodPost, "/webhook/leave-group", `{"bot_account":"bot-1"}`)
	if w.Code != http.StatusBadRequest || r.Message != "group_id is required" {
		t.Errorf("missing group: %d %+v", w.Code, r)
	}

	env.life.ready = false
	w, r = env.do(http.MethodPost, "/webhook/leave-group", `{"bot_account":"bot-1","group_id":"g1"}`)
	if w.Code != http.StatusServiceUnavailable || r.Message != msgNotReady {
		t.Errorf("not ready: %d %+v", w.Code, r)
	}
	if len(env.life.left) != 0 {
		t.Error("LeaveGroup should not be called while not ready")
	}
}

// ---------------------------------------------------------------------------
// Operator routes
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		ClientID  string            `json:"client_id"`
		Ready     bool              `json:"ready"`
		Status    controller.Status `json:"status"`
		Endpoints endpoint.Snapshot `json:"endpoints"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ClientID != "bot-1" || !body.Ready || body.Status.State != controller.StateReady || body.Status.Epoch != 3 {
		t.Errorf("body = %+v", body)
	}
	if body.Endpoints.Current != "ep-a" {
		t.Errorf("endpoints.current = %q, want ep-a", body.Endpoints.Current)
	}
}

func TestForceQR(t *testing.T) {
	env := newTestEnv(t)
	w, r := env.do(http.MethodPost, "/api/force-qr", "")
	if w.Code != http.StatusAccepted || !r.OK {
		t.Errorf("status = %d reply = %+v", w.Code, r)
	}
	if env.life.forced != 1 {
		t.Errorf("forced = %d, want 1", env.life.forced)
	}
}

func TestGroupsList(t *testing.T) {
	env := newTestEnv(t)
	groups.Join(env.gdb, "bot-1", "g1", groups.JoinOpts{GroupName: "One"})
	w, _ := env.do(http.MethodGet, "/api/groups", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"GroupID":"g1"`) {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestSessionsAndMigrate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.WithEndpoint("ep-a").Save(ctx, "session", []byte("blob")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	w, _ := env.do(http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"session_id":"bot-1-session"`) {
		t.Errorf("list: %d %s", w.Code, w.Body.String())
	}

	w, r := env.do(http.MethodPost, "/api/sessions/bot-1-session/migrate", `{"endpoint":"ep-b"}`)
	if w.Code != http.StatusOK || !r.OK {
		t.Fatalf("migrate: %d %+v", w.Code, r)
	}
	rec, err := env.store.Stat(ctx, "session")
	if err != nil || rec.Owner() != "ep-b" {
		t.Errorf("owner = %q, %v, want ep-b", rec.Owner(), err)
	}

	w, r = env.do(http.MethodPost, "/api/sessions/missing/migrate", `{"endpoint":"ep-b"}`)
	if w.Code != http.StatusNotFound || r.OK {
		t.Errorf("missing: %d %+v", w.Code, r)
	}
}

// ---------------------------------------------------------------------------
// SSE
// ---------------------------------------------------------------------------

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestSSE_StreamsHubEvents(t *testing.T) {
	env := newTestEnv(t)
	env.life.state = controller.StateQRPending
	env.hub.Publish(context.Background(), broadcast.Event{Type: broadcast.TypeStatus, Message: "state qr_pending"})
	env.hub.Publish(context.Background(), broadcast.Event{Type: broadcast.TypeQR, Data: map[string]any{"qr": "2@abc"}})

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, r); name != "connected" {
		t.Errorf("first event = %q, want connected", name)
	}
	if name, data := readEvent(t, r); name != "status" || !strings.Contains(data, "state qr_pending") {
		t.Errorf("replayed status = %q %s", name, data)
	}
	if name, data := readEvent(t, r); name != "qr" || !strings.Contains(data, "2@abc") {
		t.Errorf("replayed qr = %q %s", name, data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.hub.Publish(context.Background(), broadcast.Event{Type: broadcast.TypeQueue, Message: "queue full"})
	if name, data := readEvent(t, r); name != "queue" || !strings.Contains(data, "queue full") {
		t.Errorf("live event = %q %s", name, data)
	}
}

func TestWriteSSE(t *testing.T) {
	var b strings.Builder
	writeSSE(&b, "status", map[string]string{"state": "ready"})
	want := "event: status\ndata: {\"state\":\"ready\"}\n\n"
	if b.String() != want {
		t.Errorf("writeSSE = %q, want %q", b.String(), want)
	}
}
