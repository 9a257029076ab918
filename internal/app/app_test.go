package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"herald/internal/config"
	"herald/internal/directory"
	"herald/internal/notification"
	"herald/internal/platform/platformtest"
	"herald/internal/storage"
	"herald/internal/storage/storagetest"
)

func testConfig() *config.Config {
	return &config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Platform:  config.PlatformConfig{Driver: "none"},
		Transport: config.TransportConfig{RetryDelay: "20ms"},
		Orchestrator: config.OrchestratorConfig{
			StepRetryBase:     "10ms",
			StepRetryMaxDelay: "50ms",
			ResumeEvery:       "1h",
		},
		Conversation: config.ConversationConfig{BaseDelay: "10ms", MaxDelay: "20ms"},
		Sender:       config.SenderConfig{RatePerSec: 1000},
		Ops:          config.OpsConfig{Enabled: true, Addr: "127.0.0.1:0"},
	}
}

type client struct {
	t    *testing.T
	base string
}

func (c client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", method, path, b, err)
		}
	}
	return resp.StatusCode
}

func startApp(t *testing.T, st storage.Store, fake *platformtest.Fake) (*App, client) {
	t.Helper()
	a, err := newApp(nil, testConfig(), WithAdapter(fake), WithStore(st))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a, client{t: t, base: "http://" + a.opsSrv.Addr()}
}

func waitTerminal(t *testing.T, st storage.Store, id string) notification.Record {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.GetNotification(context.Background(), id)
		if err == nil && rec.Status.Terminal() {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := st.GetNotification(context.Background(), id)
	t.Fatalf("notification %s not terminal: %+v", id, rec)
	return rec
}

func TestPipelineDeliversThroughOpsAPI(t *testing.T) {
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	ctx := context.Background()
	rec := directory.NewRecorder(st)
	for i := 1; i <= 4; i++ {
		m := directory.Member{ID: fmt.Sprintf("u%d", i), ConversationID: fmt.Sprintf("c%d", i)}
		if err := rec.RecordUser(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	// u5 has no conversation yet and gets one created.
	if err := rec.RecordUser(ctx, directory.Member{ID: "u5"}); err != nil {
		t.Fatal(err)
	}
	fake.FailSend("c2", platformtest.Status(http.StatusNotFound, 0))
	fake.FailSend("c3", platformtest.Status(http.StatusInternalServerError, 0))

	_, c := startApp(t, st, fake)

	var created notification.Record
	code := c.do("POST", "/v1/notifications", map[string]any{
		"id": "n1", "title": "Maintenance", "content": "hello everyone", "audience": map[string]any{"all_users": true},
	}, &created)
	if code != http.StatusCreated || created.Status != notification.StatusDraft {
		t.Fatalf("create = %d %+v", code, created)
	}
	if code := c.do("POST", "/v1/notifications/n1/dispatch", nil, nil); code != http.StatusAccepted {
		t.Fatalf("dispatch = %d", code)
	}

	got := waitTerminal(t, st, "n1")
	if got.Status != notification.StatusSent || got.TotalRecipientCount != 5 || got.Succeeded != 4 || got.Failed != 1 {
		t.Fatalf("final = %+v", got)
	}
	if fake.SendCount("c3") != 1 || fake.SendCount("conv-u5") != 1 || fake.SendCount("c2") != 0 {
		t.Fatalf("sent = %+v", fake.Sent())
	}
	for _, s := range fake.Sent() {
		if !strings.Contains(s.Content.Text, "hello everyone") {
			t.Fatalf("content = %+v", s.Content)
		}
	}

	var view struct {
		Notification  notification.Record `json:"notification"`
		Orchestration *struct {
			Stage string `json:"stage"`
		} `json:"orchestration"`
	}
	if code := c.do("GET", "/v1/notifications/n1", nil, &view); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if view.Notification.Status != notification.StatusSent || view.Orchestration == nil || view.Orchestration.Stage == "" {
		t.Fatalf("view = %+v", view)
	}
	if code := c.do("POST", "/v1/notifications/n1/cancel", nil, nil); code != http.StatusConflict {
		t.Fatalf("cancel after sent = %d", code)
	}
}

func TestAllUsersAudienceOfTwoHundredFifty(t *testing.T) {
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	ctx := context.Background()
	rec := directory.NewRecorder(st)
	for i := 0; i < 250; i++ {
		m := directory.Member{ID: fmt.Sprintf("u%03d", i), ConversationID: fmt.Sprintf("c%03d", i)}
		if err := rec.RecordUser(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	_, c := startApp(t, st, fake)

	c.do("POST", "/v1/notifications", map[string]any{
		"id": "big", "content": "all hands", "audience": map[string]any{"all_users": true},
	}, nil)
	if code := c.do("POST", "/v1/notifications/big/dispatch", nil, nil); code != http.StatusAccepted {
		t.Fatalf("dispatch = %d", code)
	}
	got := waitTerminal(t, st, "big")
	if got.Status != notification.StatusSent || got.TotalRecipientCount != 250 || got.Succeeded != 250 || got.Failed != 0 || got.Unknown != 0 {
		t.Fatalf("final = %+v", got)
	}
	if n := len(fake.Sent()); n != 250 {
		t.Fatalf("sent %d messages, want 250", n)
	}
}

func TestRosterMemberWithoutAppFailsImmediately(t *testing.T) {
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	ctx := context.Background()
	rec := directory.NewRecorder(st)
	for _, id := range []string{"r1", "r2"} {
		if err := rec.RecordUser(ctx, directory.Member{ID: id, ConversationID: "chat-" + id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpsertUser(ctx, directory.Member{ID: "r3"}); err != nil {
		t.Fatal(err)
	}
	_, c := startApp(t, st, fake)

	if code := c.do("PUT", "/v1/directory/rosters/team-a", map[string]any{"members": []string{"r1", "r2", "r3"}}, nil); code != http.StatusNoContent {
		t.Fatalf("import = %d", code)
	}
	c.do("POST", "/v1/notifications", map[string]any{
		"id": "t1", "content": "standup moved", "audience": map[string]any{"roster_ids": []string{"team-a"}},
	}, nil)
	c.do("POST", "/v1/notifications/t1/dispatch", nil, nil)

	got := waitTerminal(t, st, "t1")
	if got.Status != notification.StatusSent || got.TotalRecipientCount != 3 || got.Succeeded != 2 || got.Failed != 1 {
		t.Fatalf("final = %+v", got)
	}
	r3, err := st.GetRecipient(ctx, "t1", "r3")
	if err != nil {
		t.Fatal(err)
	}
	if !r3.FaultedFinal() || r3.DeliveryStatus != notification.DeliveryFailed || r3.AttemptCount != 0 {
		t.Fatalf("r3 = %+v", r3)
	}
	if len(fake.Sent()) != 2 {
		t.Fatalf("sent = %+v", fake.Sent())
	}
}

func TestOpsExposesHealthMetricsAndRuntime(t *testing.T) {
	st := storagetest.SQLite(t)
	_, c := startApp(t, st, platformtest.New())

	if code := c.do("GET", "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	var rt RuntimeSnapshot
	if code := c.do("GET", "/v1/runtime", nil, &rt); code != http.StatusOK {
		t.Fatalf("runtime = %d", code)
	}
	names := map[string]bool{}
	for _, s := range rt.Schedules {
		names[s.Name] = true
	}
	if !names["aggregator.sweep"] || !names["orchestrator.resume"] {
		t.Fatalf("schedules = %+v", rt.Schedules)
	}

	resp, err := http.Get(c.base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics body missing runtime collectors")
	}
}

func TestDirectoryImportFeedsGroupAudience(t *testing.T) {
	st := storagetest.SQLite(t)
	fake := platformtest.New()
	ctx := context.Background()
	rec := directory.NewRecorder(st)
	for _, id := range []string{"a", "b", "c"} {
		if err := rec.RecordUser(ctx, directory.Member{ID: id, ConversationID: "chat-" + id}); err != nil {
			t.Fatal(err)
		}
	}
	_, c := startApp(t, st, fake)

	if code := c.do("PUT", "/v1/directory/groups/ops", map[string]any{"members": []string{"a", "c"}}, nil); code != http.StatusNoContent {
		t.Fatalf("import = %d", code)
	}
	c.do("POST", "/v1/notifications", map[string]any{
		"id": "g1", "content": "on call", "audience": map[string]any{"group_ids": []string{"ops"}},
	}, nil)
	c.do("POST", "/v1/notifications/g1/dispatch", nil, nil)

	got := waitTerminal(t, st, "g1")
	if got.Status != notification.StatusSent || got.Succeeded != 2 {
		t.Fatalf("final = %+v", got)
	}
	if fake.SendCount("chat-b") != 0 {
		t.Fatal("member outside the group was messaged")
	}
}

func TestNewAppFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herald.yaml")
	body := fmt.Sprintf(`
logging:
  level: error
platform:
  driver: none
storage:
  driver: sqlite
  path: %s
ops:
  enabled: false
`, filepath.Join(dir, "herald.db"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.opsSrv != nil {
		t.Fatal("ops started while disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("run context still live after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"postgres"},"platform":{"driver":"none"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "storage.dsn") {
		t.Fatalf("err = %v", err)
	}
}
