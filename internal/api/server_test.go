package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/runlet-core/internal/audit"
	"github.com/nerrad567/runlet-core/internal/auth"
	"github.com/nerrad567/runlet-core/internal/history"
	"github.com/nerrad567/runlet-core/internal/infrastructure/config"
	"github.com/nerrad567/runlet-core/internal/infrastructure/logging"
	"github.com/nerrad567/runlet-core/internal/supervisor"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// setupHistoryDB creates an in-memory SQLite database with the
// process_runs table.
func setupHistoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE process_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			command TEXT NOT NULL,
			dir TEXT NOT NULL DEFAULT '',
			pid INTEGER,
			state TEXT NOT NULL,
			exit_code INTEGER,
			error TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			started_at TEXT,
			exited_at TEXT
		);
		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT,
			user_id TEXT,
			source TEXT NOT NULL,
			details TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testEnv bundles a started router and its backing components.
type testEnv struct {
	srv  *Server
	sup  *supervisor.Supervisor
	repo history.Repository
	ts   *httptest.Server
}

// setupTestEnv builds an API server on an httptest listener.
func setupTestEnv(t *testing.T, authEnabled bool) *testEnv {
	t.Helper()

	db := setupHistoryDB(t)
	repo := history.NewSQLiteRepository(db)
	auditRepo := audit.NewSQLiteRepository(db)

	sup := supervisor.New(supervisor.Options{
		KillGrace:         time.Second,
		OutputBufferBytes: 64 * 1024,
	}, repo)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.Close(ctx) //nolint:errcheck // teardown
	})

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")

	srv, err := New(Deps{
		WS: config.WebSocketConfig{
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    60,
		},
		Security: config.SecurityConfig{
			Auth: config.AuthConfig{Enabled: authEnabled},
			JWT:  config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15},
		},
		Logger:     logger,
		Supervisor: sup,
		History:    repo,
		Audit:      auditRepo,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.hub = NewHub(srv.wsCfg, logger)
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, sup: sup, repo: repo, ts: ts}
}

// doJSON issues a request with an optional JSON body and bearer token.
func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// decodeBody decodes a JSON response body and closes it.
func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// launchProcess posts a launch request and returns the snapshot.
func (e *testEnv) launchProcess(t *testing.T, command ...string) supervisor.Snapshot {
	t.Helper()

	resp := e.doJSON(t, http.MethodPost, "/api/v1/processes", "", launchRequest{Command: command})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("launch status = %d, want 201, body: %s", resp.StatusCode, body)
	}

	var snap supervisor.Snapshot
	decodeBody(t, resp, &snap)
	if snap.ID == "" {
		t.Fatal("launch response has no id")
	}
	return snap
}

// waitTerminated polls GET /processes/{id} until the run reports terminated.
func (e *testEnv) waitTerminated(t *testing.T, id string) supervisor.Snapshot {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.doJSON(t, http.MethodGet, "/api/v1/processes/"+id, "", nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("get status = %d, want 200", resp.StatusCode)
		}
		var snap supervisor.Snapshot
		decodeBody(t, resp, &snap)
		if snap.State == "terminated" {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %s did not terminate in time", id)
	return supervisor.Snapshot{}
}

func TestHandleHealth(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestHandleMetrics(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var metrics SystemMetrics
	decodeBody(t, resp, &metrics)
	if metrics.Version != "test" {
		t.Errorf("version = %q, want test", metrics.Version)
	}
	if metrics.Runtime.Goroutines == 0 {
		t.Error("expected non-zero goroutine count")
	}
}

func TestLaunchProcess(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/sh", "-c", "echo hello")

	final := env.waitTerminated(t, snap.ID)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}
	if final.PID == 0 {
		t.Error("expected a recorded PID")
	}
}

func TestLaunchProcess_EmptyCommand(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodPost, "/api/v1/processes", "", launchRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLaunchProcess_InvalidBody(t *testing.T) {
	env := setupTestEnv(t, false)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/processes", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLaunchProcess_MissingExecutable(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodPost, "/api/v1/processes", "", launchRequest{
		Command: []string{"/nonexistent/definitely-not-a-binary"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}

	var apiErr Error
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if apiErr.Code != ErrCodeLaunchFailed {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeLaunchFailed)
	}
}

func TestListProcesses(t *testing.T) {
	env := setupTestEnv(t, false)

	first := env.launchProcess(t, "/bin/sh", "-c", "echo one")
	second := env.launchProcess(t, "/bin/sh", "-c", "echo two")
	env.waitTerminated(t, first.ID)
	env.waitTerminated(t, second.ID)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Processes []supervisor.Snapshot `json:"processes"`
	}
	decodeBody(t, resp, &body)
	if len(body.Processes) != 2 {
		t.Fatalf("got %d processes, want 2", len(body.Processes))
	}
}

func TestGetProcess_NotFound(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes/no-such-id", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetProcess_FallsBackToHistory(t *testing.T) {
	env := setupTestEnv(t, false)

	// A run the supervisor never tracked, e.g. from a previous daemon life.
	run := &history.Run{
		ID:      "archived-run",
		Name:    "sleep",
		Command: []string{"/bin/sleep", "30"},
		State:   "terminated",
	}
	if err := env.repo.Create(context.Background(), run); err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes/archived-run", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got history.Run
	decodeBody(t, resp, &got)
	if got.ID != "archived-run" {
		t.Errorf("id = %q, want archived-run", got.ID)
	}
}

func TestListHistory(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/sh", "-c", "exit 0")
	env.waitTerminated(t, snap.ID)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes/history", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Runs []history.Run `json:"runs"`
	}
	decodeBody(t, resp, &body)
	if len(body.Runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(body.Runs))
	}
	if body.Runs[0].ID != snap.ID {
		t.Errorf("run id = %q, want %q", body.Runs[0].ID, snap.ID)
	}
}

func TestListHistory_BadLimit(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes/history?limit=banana", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDestroyProcess(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/sleep", "300")

	resp := env.doJSON(t, http.MethodDelete, "/api/v1/processes/"+snap.ID, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	final := env.waitTerminated(t, snap.ID)
	if final.ExitCode == nil {
		t.Fatal("expected an exit code after destroy")
	}

	// Destroy is idempotent while the run is still tracked.
	resp = env.doJSON(t, http.MethodDelete, "/api/v1/processes/"+snap.ID, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("repeat destroy status = %d, want 202", resp.StatusCode)
	}
}

func TestDestroyProcess_NotFound(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodDelete, "/api/v1/processes/no-such-id", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProcessOutput(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/sh", "-c", "echo hello")
	env.waitTerminated(t, snap.ID)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes/"+snap.ID+"/output", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		ID     string             `json:"id"`
		Chunks []supervisor.Chunk `json:"chunks"`
	}
	decodeBody(t, resp, &body)

	var stdout []byte
	for _, chunk := range body.Chunks {
		if chunk.Stream == "stdout" {
			stdout = append(stdout, chunk.Data...)
		}
	}
	if string(stdout) != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
}

func TestProcessStdin(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/cat")

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/v1/processes/%s/stdin?close=true", env.ts.URL, snap.ID),
		strings.NewReader("ping\n"))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stdinResp stdinResponse
	decodeBody(t, resp, &stdinResp)
	if stdinResp.Written != len("ping\n") {
		t.Errorf("written = %d, want %d", stdinResp.Written, len("ping\n"))
	}
	if !stdinResp.Closed {
		t.Error("expected closed = true")
	}

	// cat exits on EOF and echoes what it read.
	final := env.waitTerminated(t, snap.ID)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}

	chunks, err := env.sup.Output(snap.ID)
	if err != nil {
		t.Fatalf("Output() error: %v", err)
	}
	var stdout []byte
	for _, chunk := range chunks {
		if chunk.Stream == "stdout" {
			stdout = append(stdout, chunk.Data...)
		}
	}
	if string(stdout) != "ping\n" {
		t.Errorf("stdout = %q, want %q", stdout, "ping\n")
	}
}

func TestProcessStdin_AfterExit(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/sh", "-c", "exit 0")
	env.waitTerminated(t, snap.ID)

	req, err := http.NewRequest(http.MethodPost,
		env.ts.URL+"/api/v1/processes/"+snap.ID+"/stdin",
		strings.NewReader("late\n"))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	env := setupTestEnv(t, true)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	env := setupTestEnv(t, true)

	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes", "garbage", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_ViewerCannotMutate(t *testing.T) {
	env := setupTestEnv(t, true)

	token, err := auth.GenerateAccessToken("viewer", auth.RoleViewer, testJWTSecret, 15)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	// Reads are allowed.
	resp := env.doJSON(t, http.MethodGet, "/api/v1/processes", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list status = %d, want 200", resp.StatusCode)
	}

	// Mutations are not.
	resp = env.doJSON(t, http.MethodPost, "/api/v1/processes", token, launchRequest{
		Command: []string{"/bin/sh", "-c", "echo hi"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("launch status = %d, want 403", resp.StatusCode)
	}
}

func TestAuth_OperatorCanMutate(t *testing.T) {
	env := setupTestEnv(t, true)

	token, err := auth.GenerateAccessToken("operator", auth.RoleOperator, testJWTSecret, 15)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	resp := env.doJSON(t, http.MethodPost, "/api/v1/processes", token, launchRequest{
		Command: []string{"/bin/sh", "-c", "echo hi"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var snap supervisor.Snapshot
	decodeBody(t, resp, &snap)
	env.waitAuthedTerminated(t, token, snap.ID)
}

// waitAuthedTerminated polls with a bearer token until the run terminates.
func (e *testEnv) waitAuthedTerminated(t *testing.T, token, id string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.doJSON(t, http.MethodGet, "/api/v1/processes/"+id, token, nil)
		var snap supervisor.Snapshot
		decodeBody(t, resp, &snap)
		if snap.State == "terminated" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %s did not terminate in time", id)
}

func TestAuditTrail(t *testing.T) {
	env := setupTestEnv(t, false)

	snap := env.launchProcess(t, "/bin/sleep", "300")

	resp := env.doJSON(t, http.MethodDelete, "/api/v1/processes/"+snap.ID, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("destroy status = %d, want 202", resp.StatusCode)
	}
	env.waitTerminated(t, snap.ID)

	resp = env.doJSON(t, http.MethodGet, "/api/v1/audit?entity_id="+snap.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d, want 200", resp.StatusCode)
	}

	var result audit.ListResult
	decodeBody(t, resp, &result)
	if result.Total != 2 {
		t.Fatalf("total = %d, want 2 (launch + destroy)", result.Total)
	}

	actions := map[string]bool{}
	for _, entry := range result.Entries {
		actions[entry.Action] = true
		if entry.EntityID != snap.ID {
			t.Errorf("entity_id = %q, want %q", entry.EntityID, snap.ID)
		}
	}
	if !actions[audit.ActionLaunch] || !actions[audit.ActionDestroy] {
		t.Errorf("recorded actions = %v, want launch and destroy", actions)
	}
}

func TestWSTicket(t *testing.T) {
	env := setupTestEnv(t, false)

	resp := env.doJSON(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	ticket, _ := body["ticket"].(string)
	if ticket == "" {
		t.Fatal("expected a ticket")
	}

	// Tickets are single-use.
	if _, ok := env.srv.tickets.consume(ticket); !ok {
		t.Error("ticket should be consumable once")
	}
	if _, ok := env.srv.tickets.consume(ticket); ok {
		t.Error("ticket should not be consumable twice")
	}
}

func TestWebSocket_RequiresTicketWhenAuthEnabled(t *testing.T) {
	env := setupTestEnv(t, true)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/ws"
	//nolint:bodyclose // Dial failure returns an unusable response
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a ticket")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 handshake response, got %+v", resp)
	}
}

func TestWebSocket_StreamsProcessState(t *testing.T) {
	env := setupTestEnv(t, false)

	// Route supervisor events through the hub like main does.
	env.sup.SetNotifier(env.srv.hub)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Subscribe to lifecycle events.
	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelProcessState}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe write failed: %v", err)
	}

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("subscribe ack read failed: %v", err)
	}
	if ack.Type != WSTypeResponse {
		t.Fatalf("ack type = %q, want %q", ack.Type, WSTypeResponse)
	}

	snap := env.launchProcess(t, "/bin/sh", "-c", "echo hello")

	// Read events until the run reports terminated.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // test deadline
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("event read failed: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelProcessState {
			continue
		}

		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			t.Fatalf("failed to re-marshal payload: %v", err)
		}
		var got supervisor.Snapshot
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("failed to decode snapshot: %v", err)
		}
		if got.ID == snap.ID && got.State == "terminated" {
			if got.ExitCode == nil || *got.ExitCode != 0 {
				t.Errorf("exit code = %v, want 0", got.ExitCode)
			}
			return
		}
	}
}
