package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/serenhq/seren-agentd/internal/config"
	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/persistence"
	"github.com/serenhq/seren-agentd/internal/sessions"
)

type promptCall struct {
	sessionID string
	text      string
	items     int
}

type diffCall struct {
	sessionID  string
	proposalID string
	accepted   bool
}

type remoteCall struct {
	op   string
	kind hostrpc.AgentKind
	cwd  string
}

type resumeRemoteCall struct {
	kind           hostrpc.AgentKind
	cwd            string
	agentSessionID string
	title          string
}

// fakeCoordinator records calls and returns canned results.
type fakeCoordinator struct {
	mu sync.Mutex

	snapshots map[string]sessions.Session
	order     []string
	active    string

	spawnID  string
	spawnErr error
	spawns   []sessions.SpawnOptions

	promptID   string
	promptErr  error
	promptGate chan struct{}
	prompts    []promptCall

	opErr error

	cancelled         []string
	terminated        []string
	activated         []string
	modes             [][2]string
	models            [][2]string
	configs           [][3]string
	permResponses     [][3]string
	permDismissed     [][2]string
	diffResponses     []diffCall
	cwdUpdates        [][3]string
	fallbackAccepted  []string
	fallbackDismissed []string

	remoteEntries []sessions.RemoteSessionEntry
	remoteHasMore bool
	remoteErr     error
	remoteCalls   []remoteCall

	resumeID      string
	resumeErr     error
	resumeRemotes []resumeRemoteCall
	resumedConvs  []string

	convs     []persistence.AgentConversation
	convErr   error
	convCalls []listConversationsParams

	installDir string
	installErr error
	installed  []hostrpc.AgentKind
}

var _ Coordinator = (*fakeCoordinator)(nil)

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		snapshots: make(map[string]sessions.Session),
		spawnID:   "sess-1",
		resumeID:  "sess-1",
	}
}

func (f *fakeCoordinator) addSession(s sessions.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[s.ID]; !ok {
		f.order = append(f.order, s.ID)
	}
	f.snapshots[s.ID] = s
}

func (f *fakeCoordinator) SpawnSession(ctx context.Context, opts sessions.SpawnOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns = append(f.spawns, opts)
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	return f.spawnID, nil
}

func (f *fakeCoordinator) TerminateSession(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
}

func (f *fakeCoordinator) SetActiveSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = sessionID
	f.activated = append(f.activated, sessionID)
}

func (f *fakeCoordinator) ActiveSessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCoordinator) Get(sessionID string) (sessions.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[sessionID]
	return s, ok
}

func (f *fakeCoordinator) List() []sessions.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sessions.Session, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.snapshots[id])
	}
	return out
}

func (f *fakeCoordinator) SendPrompt(ctx context.Context, sessionID, text string, contextItems []json.RawMessage) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, promptCall{sessionID, text, len(contextItems)})
	gate := f.promptGate
	err := f.promptErr
	served := f.promptID
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return sessionID, err
	}
	if served != "" {
		return served, nil
	}
	return sessionID, nil
}

func (f *fakeCoordinator) CancelPrompt(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return f.opErr
}

func (f *fakeCoordinator) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, [2]string{sessionID, mode})
	return f.opErr
}

func (f *fakeCoordinator) SetModel(ctx context.Context, sessionID, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, [2]string{sessionID, modelID})
	return f.opErr
}

func (f *fakeCoordinator) SetConfigOption(ctx context.Context, sessionID, configID, valueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, [3]string{sessionID, configID, valueID})
	return f.opErr
}

func (f *fakeCoordinator) RespondToPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permResponses = append(f.permResponses, [3]string{sessionID, requestID, optionID})
	return f.opErr
}

func (f *fakeCoordinator) DismissPermission(sessionID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permDismissed = append(f.permDismissed, [2]string{sessionID, requestID})
	return f.opErr
}

func (f *fakeCoordinator) RespondToDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffResponses = append(f.diffResponses, diffCall{sessionID, proposalID, accepted})
	return f.opErr
}

func (f *fakeCoordinator) UpdateCwd(sessionID, cwd, projectRoot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cwdUpdates = append(f.cwdUpdates, [3]string{sessionID, cwd, projectRoot})
	return f.opErr
}

func (f *fakeCoordinator) AcceptRateLimitFallback(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbackAccepted = append(f.fallbackAccepted, sessionID)
	return f.opErr
}

func (f *fakeCoordinator) DismissRateLimitPrompt(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbackDismissed = append(f.fallbackDismissed, sessionID)
	return f.opErr
}

func (f *fakeCoordinator) RefreshRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd string) ([]sessions.RemoteSessionEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteCalls = append(f.remoteCalls, remoteCall{"refresh", kind, cwd})
	return f.remoteEntries, f.remoteHasMore, f.remoteErr
}

func (f *fakeCoordinator) LoadMoreRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd string) ([]sessions.RemoteSessionEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteCalls = append(f.remoteCalls, remoteCall{"more", kind, cwd})
	return f.remoteEntries, f.remoteHasMore, f.remoteErr
}

func (f *fakeCoordinator) ResumeRemoteSession(ctx context.Context, kind hostrpc.AgentKind, cwd, agentSessionID, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeRemotes = append(f.resumeRemotes, resumeRemoteCall{kind, cwd, agentSessionID, title})
	if f.resumeErr != nil {
		return "", f.resumeErr
	}
	return f.resumeID, nil
}

func (f *fakeCoordinator) ResumeAgentConversation(ctx context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumedConvs = append(f.resumedConvs, conversationID)
	if f.resumeErr != nil {
		return "", f.resumeErr
	}
	return f.resumeID, nil
}

func (f *fakeCoordinator) Conversations(limit int, cwd string) ([]persistence.AgentConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls = append(f.convCalls, listConversationsParams{Limit: limit, Cwd: cwd})
	return f.convs, f.convErr
}

func (f *fakeCoordinator) InstallAgentCLI(ctx context.Context, kind hostrpc.AgentKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, kind)
	if f.installErr != nil {
		return "", f.installErr
	}
	return f.installDir, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Host:              "127.0.0.1",
		AllowedOrigins:    []string{"http://localhost:8811", "tauri://localhost"},
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, coord Coordinator) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	if coord != nil {
		s.SetCoordinator(coord)
	}
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsEndpoint(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wsFrame covers both response and push envelopes so tests can read a mixed
// stream.
type wsFrame struct {
	ID     string          `json:"id"`
	OK     *bool           `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func (f wsFrame) isResponse() bool { return f.OK != nil }

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// awaitResponse reads frames until the response for the given op id arrives,
// skipping pushes interleaved ahead of it.
func awaitResponse(t *testing.T, conn *websocket.Conn, id string) wsFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.isResponse() && f.ID == id {
			return f
		}
	}
	t.Fatalf("no response for op %q after 20 frames", id)
	return wsFrame{}
}

// awaitEvent reads frames until a push with the given event name arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) wsFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("no %q event after 20 frames", event)
	return wsFrame{}
}

func sendOp(t *testing.T, conn *websocket.Conn, id, op string, params any) {
	t.Helper()
	req := map[string]any{"id": id, "op": op}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))
}

// doOp sends an op and waits for its response.
func doOp(t *testing.T, conn *websocket.Conn, id, op string, params any) wsFrame {
	t.Helper()
	sendOp(t, conn, id, op, params)
	return awaitResponse(t, conn, id)
}

func decodeResult(t *testing.T, f wsFrame, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Result, dst))
}

func decodeData(t *testing.T, f wsFrame, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, dst))
}
