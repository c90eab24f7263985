package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/persistence"
)

// fakeHost is an in-memory HostService. Spawned sessions get sequential ids
// and, while autoReady is set, a ready status event is emitted inside Spawn,
// before the coordinator has registered the session. That exercises the
// pre-registration buffer path on every spawn.
type fakeHost struct {
	mu sync.Mutex

	handler      func(hostrpc.Event)
	subscribes   int
	unsubscribes int

	autoReady bool
	spawnHook func(req hostrpc.SpawnRequest, id string)

	nextID    int
	spawnReqs []hostrpc.SpawnRequest
	spawnErrs []error

	promptReqs []promptReq
	promptErrs []error

	available    bool
	availableErr error

	cancelled  []string
	terminated []string

	remotePages map[string]*hostrpc.RemoteSessionPage
	listReqs    []listReq
	listGate    chan struct{}

	modeReqs   [][2]string
	modelReqs  [][2]string
	configReqs [][3]string
	permReqs   [][3]string
	permErr    error
	diffReqs   []diffReq
	ensured    []hostrpc.AgentKind
}

type promptReq struct {
	sessionID string
	text      string
}

type listReq struct {
	kind   hostrpc.AgentKind
	cwd    string
	cursor string
}

type diffReq struct {
	sessionID  string
	proposalID string
	accepted   bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		autoReady:   true,
		available:   true,
		remotePages: make(map[string]*hostrpc.RemoteSessionPage),
	}
}

func (h *fakeHost) emit(ev hostrpc.Event) {
	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func readyStatus(sessionID, agentSessionID string) hostrpc.Event {
	return hostrpc.Event{
		Kind: hostrpc.EventSessionStatus,
		SessionStatus: &hostrpc.SessionStatusEvent{
			SessionID:      sessionID,
			Status:         hostrpc.HostStatusReady,
			AgentSessionID: agentSessionID,
		},
	}
}

func chunkEvent(sessionID, text string, thought bool) hostrpc.Event {
	return hostrpc.Event{
		Kind: hostrpc.EventMessageChunk,
		MessageChunk: &hostrpc.MessageChunkEvent{
			SessionID: sessionID,
			Text:      text,
			IsThought: thought,
		},
	}
}

func promptCompleteEvent(sessionID string, replay bool) hostrpc.Event {
	return hostrpc.Event{
		Kind: hostrpc.EventPromptComplete,
		PromptComplete: &hostrpc.PromptCompleteEvent{
			SessionID:     sessionID,
			HistoryReplay: replay,
		},
	}
}

func errorEvent(sessionID, msg string) hostrpc.Event {
	return hostrpc.Event{
		Kind:  hostrpc.EventError,
		Error: &hostrpc.ErrorEvent{SessionID: sessionID, Error: msg},
	}
}

func (h *fakeHost) Spawn(ctx context.Context, req hostrpc.SpawnRequest) (*hostrpc.SessionInfo, error) {
	h.mu.Lock()
	h.spawnReqs = append(h.spawnReqs, req)
	var err error
	if len(h.spawnErrs) > 0 {
		err = h.spawnErrs[0]
		h.spawnErrs = h.spawnErrs[1:]
	}
	h.nextID++
	id := fmt.Sprintf("sess-%d", h.nextID)
	autoReady := h.autoReady
	hook := h.spawnHook
	h.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(req, id)
	}
	if autoReady {
		h.emit(readyStatus(id, "agent-"+id))
	}
	return &hostrpc.SessionInfo{ID: id, AgentKind: req.AgentKind, Cwd: req.Cwd, Status: "ready"}, nil
}

func (h *fakeHost) Prompt(ctx context.Context, sessionID, text string, contextItems []json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.promptReqs = append(h.promptReqs, promptReq{sessionID, text})
	if len(h.promptErrs) > 0 {
		err := h.promptErrs[0]
		h.promptErrs = h.promptErrs[1:]
		return err
	}
	return nil
}

func (h *fakeHost) Cancel(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, sessionID)
	return nil
}

func (h *fakeHost) Terminate(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, sessionID)
	return nil
}

func (h *fakeHost) ListRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd, cursor string) (*hostrpc.RemoteSessionPage, error) {
	h.mu.Lock()
	gate := h.listGate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.listReqs = append(h.listReqs, listReq{kind, cwd, cursor})
	if page, ok := h.remotePages[cursor]; ok {
		return page, nil
	}
	return &hostrpc.RemoteSessionPage{}, nil
}

func (h *fakeHost) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modeReqs = append(h.modeReqs, [2]string{sessionID, mode})
	return nil
}

func (h *fakeHost) SetModel(ctx context.Context, sessionID, modelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modelReqs = append(h.modelReqs, [2]string{sessionID, modelID})
	return nil
}

func (h *fakeHost) SetConfigOption(ctx context.Context, sessionID, configID, valueID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configReqs = append(h.configReqs, [3]string{sessionID, configID, valueID})
	return nil
}

func (h *fakeHost) RespondToPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.permErr != nil {
		return h.permErr
	}
	h.permReqs = append(h.permReqs, [3]string{sessionID, requestID, optionID})
	return nil
}

func (h *fakeHost) RespondToDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.diffReqs = append(h.diffReqs, diffReq{sessionID, proposalID, accepted})
	return nil
}

func (h *fakeHost) CheckAgentAvailable(ctx context.Context, kind hostrpc.AgentKind) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available, h.availableErr
}

func (h *fakeHost) EnsureCLI(ctx context.Context, kind hostrpc.AgentKind) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensured = append(h.ensured, kind)
	return "/opt/agents/bin", nil
}

func (h *fakeHost) SubscribeEvents(ctx context.Context, fn func(hostrpc.Event)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
	h.subscribes++
	return nil
}

func (h *fakeHost) UnsubscribeEvents(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribes++
	return nil
}

func (h *fakeHost) spawnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.spawnReqs)
}

func (h *fakeHost) promptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.promptReqs)
}

// fakeStore is an in-memory ConversationStore with the same conflict and
// write-once semantics as the sqlite store.
type fakeStore struct {
	mu        sync.Mutex
	convs     map[string]persistence.AgentConversation
	order     []string
	apiKey    string
	apiKeyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]persistence.AgentConversation)}
}

func (s *fakeStore) CreateAgentConversation(conv persistence.AgentConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return nil
	}
	s.convs[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	return nil
}

func (s *fakeStore) GetAgentConversation(id string) (*persistence.AgentConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (s *fakeStore) GetAgentConversationByAgentSessionID(agentSessionID string) (*persistence.AgentConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agentSessionID == "" {
		return nil, nil
	}
	for _, conv := range s.convs {
		if conv.AgentSessionID == agentSessionID {
			c := conv
			return &c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetAgentConversations(limit int, cwd string) ([]persistence.AgentConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistence.AgentConversation, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		conv := s.convs[s.order[i]]
		if cwd != "" && conv.Cwd != cwd {
			continue
		}
		out = append(out, conv)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) SetAgentConversationSessionID(id, agentSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok && conv.AgentSessionID == "" {
		conv.AgentSessionID = agentSessionID
		s.convs[id] = conv
	}
	return nil
}

func (s *fakeStore) SetAgentConversationTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.Title = title
		s.convs[id] = conv
	}
	return nil
}

func (s *fakeStore) SetAgentConversationModelID(id, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.ModelID = modelID
		s.convs[id] = conv
	}
	return nil
}

func (s *fakeStore) UpdateAgentConversationCwd(id, cwd, projectRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.Cwd = cwd
		conv.ProjectRoot = projectRoot
		s.convs[id] = conv
	}
	return nil
}

func (s *fakeStore) GetAPIKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey, s.apiKeyErr
}

func (s *fakeStore) conversation(t *testing.T, id string) persistence.AgentConversation {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		t.Fatalf("conversation %s not in store", id)
	}
	return conv
}

type fakeReporter struct {
	mu        sync.Mutex
	errors    []string
	anomalies []string
}

func (r *fakeReporter) ReportError(err error, source, sessionID string, ctx map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err.Error())
}

func (r *fakeReporter) ReportAnomaly(message, source, sessionID string, ctx map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, message)
}

func (r *fakeReporter) anomalyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anomalies)
}

type fakeFallback struct {
	ch chan Handoff
}

func newFakeFallback() *fakeFallback {
	return &fakeFallback{ch: make(chan Handoff, 8)}
}

func (f *fakeFallback) Handoff(h Handoff) {
	f.ch <- h
}

func waitHandoff(t *testing.T, f *fakeFallback) Handoff {
	t.Helper()
	select {
	case h := <-f.ch:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fallback handoff")
		return Handoff{}
	}
}

type testEnv struct {
	host     *fakeHost
	store    *fakeStore
	reporter *fakeReporter
	fallback *fakeFallback
	coord    *Coordinator
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		host:     newFakeHost(),
		store:    newFakeStore(),
		reporter: &fakeReporter{},
		fallback: newFakeFallback(),
	}
	cfg := Config{
		Host:              env.host,
		Store:             env.store,
		Telemetry:         env.reporter,
		Fallback:          env.fallback,
		AgentTimeoutSecs:  300,
		SpawnReadyTimeout: 250 * time.Millisecond,
		MaxInitRetries:    3,
		EventBufferCap:    500,
		// Long enough that the debounce timer never fires mid-test; flush
		// tests drive the aggregator explicitly.
		ChunkFlushInterval: time.Minute,
		RetryBackoffBase:   time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.coord = New(cfg)
	return env
}

// spawn starts a claude-code session in /tmp/proj and fails the test on
// error.
func (e *testEnv) spawn(t *testing.T) string {
	t.Helper()
	id, err := e.coord.SpawnSession(context.Background(), SpawnOptions{
		Kind: hostrpc.AgentClaudeCode,
		Cwd:  "/tmp/proj",
	})
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	return id
}

func (e *testEnv) session(t *testing.T, id string) Session {
	t.Helper()
	s, ok := e.coord.Get(id)
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	return s
}
