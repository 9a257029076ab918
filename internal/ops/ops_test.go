package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"herald/internal/directory"
	"herald/internal/notification"
	"herald/internal/notifier/orchestrator"
	"herald/internal/storage"
	"herald/internal/storage/storagetest"
	logx "herald/pkg/logx"
)

type fakeControl struct {
	mu         sync.Mutex
	st         storage.Store
	dispatched []string
	forced     []string
}

func (f *fakeControl) Dispatch(ctx context.Context, id string) (notification.Record, error) {
	rec, err := f.st.GetNotification(ctx, id)
	if err != nil {
		return rec, err
	}
	f.mu.Lock()
	f.dispatched = append(f.dispatched, id)
	f.mu.Unlock()
	return rec, nil
}

func (f *fakeControl) Cancel(ctx context.Context, id string) (notification.Record, error) {
	rec, err := f.st.GetNotification(ctx, id)
	if err != nil {
		return rec, err
	}
	if rec.Status.Terminal() {
		return rec, notification.ErrIllegalStatus
	}
	rec.Status = notification.StatusCanceled
	return f.st.UpdateNotification(ctx, rec)
}

func (f *fakeControl) ForceComplete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, id)
	return nil
}

func (f *fakeControl) Progress(_ context.Context, id string) (orchestrator.Progress, error) {
	return orchestrator.Progress{}, notification.ErrNotFound
}

type harness struct {
	st        storage.Store
	ctl       *fakeControl
	dir       *directory.Memory
	srv       *Server
	unhealthy bool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{st: storagetest.SQLite(t), dir: directory.NewMemory()}
	h.ctl = &fakeControl{st: h.st}
	h.srv = New(cfg, Deps{
		Notifications: h.st,
		Control:       h.ctl,
		Members:       directory.NewRecorder(h.dir),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("herald_up 1\n"))
		}),
		Health: func(context.Context) error {
			if h.unhealthy {
				return errors.New("store down")
			}
			return nil
		},
	}, logx.Nop())
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rec := h.do(t, "POST", "/v1/notifications", map[string]any{
		"id": "n1", "title": "Hi", "content": "there", "audience": map[string]any{"all_users": true},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body)
	}
	rec = h.do(t, "GET", "/v1/notifications/n1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d %s", rec.Code, rec.Body)
	}
	var resp notificationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Notification.ID != "n1" || resp.Notification.Status != notification.StatusDraft || resp.Orchestration != nil {
		t.Fatalf("resp = %+v", resp)
	}

	dup := h.do(t, "POST", "/v1/notifications", map[string]any{
		"id": "n1", "content": "x", "audience": map[string]any{"all_users": true},
	})
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate create = %d", dup.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing content", map[string]any{"audience": map[string]any{"all_users": true}}},
		{"two audiences", map[string]any{"content": "x", "audience": map[string]any{"all_users": true, "group_ids": []string{"g"}}}},
		{"no audience", map[string]any{"content": "x"}},
		{"bad format", map[string]any{"content": "x", "format": "pdf", "audience": map[string]any{"all_users": true}}},
	}
	for _, tc := range cases {
		if rec := h.do(t, "POST", "/v1/notifications", tc.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d %s", tc.name, rec.Code, rec.Body)
		}
	}
}

func TestControlRoutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if _, err := h.st.CreateNotification(context.Background(), notification.Record{ID: "n1", Audience: notification.Audience{AllUsers: true}}); err != nil {
		t.Fatal(err)
	}
	if rec := h.do(t, "POST", "/v1/notifications/n1/dispatch", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("dispatch = %d", rec.Code)
	}
	if rec := h.do(t, "POST", "/v1/notifications/missing/dispatch", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("dispatch missing = %d", rec.Code)
	}
	if rec := h.do(t, "POST", "/v1/notifications/n1/force-complete", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("force-complete = %d", rec.Code)
	}
	if rec := h.do(t, "POST", "/v1/notifications/n1/cancel", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	if rec := h.do(t, "POST", "/v1/notifications/n1/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d", rec.Code)
	}
	if len(h.ctl.dispatched) != 1 || len(h.ctl.forced) != 1 {
		t.Fatalf("control calls: %v %v", h.ctl.dispatched, h.ctl.forced)
	}
}

func TestImportMembers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rec := h.do(t, "PUT", "/v1/directory/groups/g1", map[string]any{"members": []string{"a", "b", "a"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("import = %d %s", rec.Code, rec.Body)
	}
	ms, _ := h.dir.ListMembers(context.Background(), directory.KindGroup, "g1", "", 10)
	if len(ms) != 2 {
		t.Fatalf("members = %+v", ms)
	}
	if rec := h.do(t, "PUT", "/v1/directory/rosters/r1", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty import = %d", rec.Code)
	}
}

func TestAuthToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Token: "s3cret"})
	if rec := h.do(t, "GET", "/healthz", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/healthz", nil, "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/healthz", nil, "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer = %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/metrics?token=s3cret", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "herald_up") {
		t.Fatalf("query token = %d %s", rec.Code, rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if rec := h.do(t, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	h.unhealthy = true
	if rec := h.do(t, "GET", "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy = %d", rec.Code)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newHarness(t, Config{})
	if rec := off.do(t, "GET", "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
	on := newHarness(t, Config{Pprof: true})
	if rec := on.do(t, "GET", "/debug/pprof/cmdline", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof cmdline = %d", rec.Code)
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: ":0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("started on all interfaces without a token")
	}
}

func TestStartServes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", h.srv.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if err := h.srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
