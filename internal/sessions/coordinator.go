// Package sessions implements the agent session coordinator: it manages
// concurrent long-lived agent sessions, demultiplexes the host's single
// event stream across them, reassembles chunked streaming output, tracks
// tool-call and diff lifecycles, and recovers dead sessions.
//
// The coordinator never touches a socket or database directly; it works
// against the HostService, ConversationStore, Reporter, and Fallback
// collaborator interfaces so the core stays testable with in-memory fakes.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/serenhq/seren-agentd/internal/config"
	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/persistence"
	"github.com/serenhq/seren-agentd/internal/retry"
)

// HostService is the agent host RPC surface the coordinator depends on.
// *hostrpc.Client implements it.
type HostService interface {
	CheckAgentAvailable(ctx context.Context, kind hostrpc.AgentKind) (bool, error)
	EnsureCLI(ctx context.Context, kind hostrpc.AgentKind) (string, error)
	Spawn(ctx context.Context, req hostrpc.SpawnRequest) (*hostrpc.SessionInfo, error)
	Prompt(ctx context.Context, sessionID, prompt string, contextItems []json.RawMessage) error
	Cancel(ctx context.Context, sessionID string) error
	Terminate(ctx context.Context, sessionID string) error
	SetPermissionMode(ctx context.Context, sessionID, mode string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	SetConfigOption(ctx context.Context, sessionID, configID, valueID string) error
	RespondToPermission(ctx context.Context, sessionID, requestID, optionID string) error
	RespondToDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error
	ListRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd, cursor string) (*hostrpc.RemoteSessionPage, error)
	SubscribeEvents(ctx context.Context, fn func(hostrpc.Event)) error
	UnsubscribeEvents(ctx context.Context) error
}

// ConversationStore is the persistence surface the coordinator depends on.
// *persistence.Store implements it.
type ConversationStore interface {
	CreateAgentConversation(conv persistence.AgentConversation) error
	GetAgentConversation(id string) (*persistence.AgentConversation, error)
	GetAgentConversationByAgentSessionID(agentSessionID string) (*persistence.AgentConversation, error)
	GetAgentConversations(limit int, cwd string) ([]persistence.AgentConversation, error)
	SetAgentConversationSessionID(id, agentSessionID string) error
	SetAgentConversationTitle(id, title string) error
	SetAgentConversationModelID(id, modelID string) error
	UpdateAgentConversationCwd(id, cwd, projectRoot string) error
	GetAPIKey() (string, error)
}

// Reporter is the telemetry surface the coordinator depends on.
// *telemetry.Reporter implements it.
type Reporter interface {
	ReportError(err error, source, sessionID string, ctx map[string]any)
	ReportAnomaly(message, source, sessionID string, ctx map[string]any)
}

type nopReporter struct{}

func (nopReporter) ReportError(error, string, string, map[string]any)    {}
func (nopReporter) ReportAnomaly(string, string, string, map[string]any) {}

// Handoff carries a session's accumulated state to the fallback execution
// mode when the agent cannot continue.
type Handoff struct {
	SessionID      string    `json:"sessionId"`
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	ModelID        string    `json:"modelId,omitempty"`
	Reason         string    `json:"reason"`
	Messages       []Message `json:"messages"`
}

// Handoff reasons.
const (
	HandoffRateLimit     = "rate-limit"
	HandoffPromptTooLong = "prompt-too-long"
)

// Fallback receives handoffs for the non-agentic execution mode.
type Fallback interface {
	Handoff(h Handoff)
}

// Config wires the coordinator's collaborators and tunables.
type Config struct {
	Host      HostService
	Store     ConversationStore
	Telemetry Reporter
	Fallback  Fallback

	DefaultSandboxMode string
	SearchEnabled      bool
	NetworkEnabled     bool
	AgentTimeoutSecs   int64

	SpawnReadyTimeout  time.Duration
	MaxInitRetries     int
	EventBufferCap     int
	ChunkFlushInterval time.Duration
	RetryBackoffBase   time.Duration

	// OnSessionChanged is invoked (outside the coordinator lock) after a
	// session's state mutates. OnSessionRemoved fires when a session is
	// removed. OnInstallProgress forwards CLI install progress events.
	OnSessionChanged  func(sessionID string)
	OnSessionRemoved  func(sessionID string)
	OnInstallProgress func(ev hostrpc.InstallProgressEvent)
}

// Coordinator is the public session coordinator API. One mutex serializes
// all state mutation, so host events dispatch strictly in arrival order and
// inbound calls never observe torn state. Host RPCs always happen outside
// that lock.
type Coordinator struct {
	cfg       Config
	host      HostService
	store     ConversationStore
	telemetry Reporter
	fallback  Fallback

	chunks *chunkAggregator

	mu       sync.Mutex
	sessions map[string]*sessionState
	pending  map[string][]hostrpc.Event
	activeID string
	remote   remoteBrowseState

	// subMu guards the refcounted host event subscription independently of
	// mu so that subscribe/unsubscribe RPCs never run under the state lock.
	subMu      sync.Mutex
	streamRefs int

	remoteGroup singleflight.Group
}

// New creates a coordinator. Cfg.Host and cfg.Store are required; Telemetry
// and Fallback may be nil.
func New(cfg Config) *Coordinator {
	if cfg.SpawnReadyTimeout <= 0 {
		cfg.SpawnReadyTimeout = config.DefaultSpawnReadyTimeout
	}
	if cfg.MaxInitRetries < 0 {
		cfg.MaxInitRetries = config.DefaultMaxInitRetries
	}
	if cfg.EventBufferCap <= 0 {
		cfg.EventBufferCap = config.DefaultEventBufferCap
	}
	if cfg.ChunkFlushInterval <= 0 {
		cfg.ChunkFlushInterval = config.DefaultChunkFlushInterval
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = config.DefaultRetryBackoffBase
	}
	if cfg.DefaultSandboxMode == "" {
		cfg.DefaultSandboxMode = hostrpc.SandboxWorkspaceWrite
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = nopReporter{}
	}

	c := &Coordinator{
		cfg:       cfg,
		host:      cfg.Host,
		store:     cfg.Store,
		telemetry: cfg.Telemetry,
		fallback:  cfg.Fallback,
		sessions:  make(map[string]*sessionState),
		pending:   make(map[string][]hostrpc.Event),
	}
	c.chunks = newChunkAggregator(cfg.ChunkFlushInterval, c.applyChunkFlush)
	return c
}

// SpawnOptions control one session spawn.
type SpawnOptions struct {
	Kind        hostrpc.AgentKind
	Cwd         string
	ProjectRoot string

	// ConversationID binds the session to an existing conversation; empty
	// creates a new one.
	ConversationID string
	Title          string

	// ResumeAgentSessionID resumes a remote session instead of starting
	// fresh.
	ResumeAgentSessionID string

	// SandboxMode overrides the configured default when non-empty.
	SandboxMode string

	// LongRunning lifts the host's inactivity deadline for this session.
	LongRunning bool
}

// SpawnSession runs the full spawn protocol and returns the new local
// session id. The new session becomes active.
func (c *Coordinator) SpawnSession(ctx context.Context, opts SpawnOptions) (string, error) {
	if !opts.Kind.Valid() {
		return "", fmt.Errorf("sessions: unsupported agent kind %q", opts.Kind)
	}
	if opts.Cwd == "" {
		return "", fmt.Errorf("sessions: working directory is required")
	}

	// Availability failures are user-actionable and never retried.
	available, err := c.host.CheckAgentAvailable(ctx, opts.Kind)
	if err != nil {
		return "", fmt.Errorf("sessions: check %s availability: %w", opts.Kind, err)
	}
	if !available {
		return "", fmt.Errorf("sessions: %s CLI is not installed; install it from settings before starting a session", opts.Kind.DisplayName())
	}

	policy := retry.Policy{
		MaxAttempts:  c.cfg.MaxInitRetries + 1,
		InitialDelay: c.cfg.RetryBackoffBase,
		Linear:       true,
		Retryable: func(err error) bool {
			return opts.Kind == hostrpc.AgentClaudeCode && isTransientInitCrash(err.Error())
		},
	}

	var sessionID string
	err = retry.Do(ctx, policy, "spawn "+string(opts.Kind)+" session", func(ctx context.Context) error {
		id, spawnErr := c.spawnOnce(ctx, opts)
		if spawnErr != nil {
			return spawnErr
		}
		sessionID = id
		return nil
	})

	if err != nil && opts.Kind == hostrpc.AgentClaudeCode && isTransientInitCrash(err.Error()) {
		// One extra attempt after freeing agent capacity.
		if c.evictOldestIdle(ctx, opts.Kind) {
			sessionID, err = c.spawnOnce(ctx, opts)
		}
	}
	if err != nil {
		return "", err
	}

	c.SetActiveSession(sessionID)
	return sessionID, nil
}

// spawnOnce runs a single spawn attempt: subscribe, spawn RPC, conversation
// upsert, registration with buffered-event replay, then the readiness race.
func (c *Coordinator) spawnOnce(ctx context.Context, opts SpawnOptions) (string, error) {
	localID := uuid.NewString()

	// The subscription must exist before the spawn RPC so that nothing the
	// host emits during initialization is lost; events arriving before
	// registration land in the pending buffer and replay below.
	if err := c.acquireStream(ctx); err != nil {
		return "", err
	}

	apiKey, err := c.store.GetAPIKey()
	if err != nil {
		slog.Warn("Failed to read stored API key, spawning without one", "error", err)
		apiKey = ""
	}

	req := hostrpc.SpawnRequest{
		AgentKind:            opts.Kind,
		Cwd:                  opts.Cwd,
		LocalSessionID:       localID,
		ResumeAgentSessionID: opts.ResumeAgentSessionID,
		SandboxMode:          opts.SandboxMode,
		APIKey:               apiKey,
		SearchEnabled:        boolPtr(c.cfg.SearchEnabled),
		NetworkEnabled:       boolPtr(c.cfg.NetworkEnabled),
	}
	if req.SandboxMode == "" {
		req.SandboxMode = c.cfg.DefaultSandboxMode
	}
	// Codex refuses to run unattended unless approvals are pre-granted.
	if opts.Kind == hostrpc.AgentCodex {
		req.ApprovalPolicy = "never"
	}
	// Omitting the deadline tells the host the session may run unattended
	// indefinitely.
	if !opts.LongRunning && c.cfg.AgentTimeoutSecs > 0 {
		secs := c.cfg.AgentTimeoutSecs
		req.TimeoutSecs = &secs
	}

	info, err := c.host.Spawn(ctx, req)
	if err != nil {
		c.dropPendingBuffer(localID)
		c.releaseStream()
		return "", fmt.Errorf("sessions: spawn agent: %w", err)
	}

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	title := opts.Title
	titleAuto := title == ""
	if titleAuto {
		title = fallbackTitle(opts.Kind, localID)
	}

	// Best effort: an existing conversation id is left untouched.
	if err := c.store.CreateAgentConversation(persistence.AgentConversation{
		ID:             conversationID,
		Title:          title,
		AgentKind:      string(opts.Kind),
		Cwd:            opts.Cwd,
		ProjectRoot:    opts.ProjectRoot,
		AgentSessionID: opts.ResumeAgentSessionID,
	}); err != nil {
		slog.Warn("Failed to upsert conversation record", "conversationID", conversationID, "error", err)
	}

	st := newSessionState(info.ID, conversationID, opts.Kind, opts.Cwd, opts.ProjectRoot, title, titleAuto)

	c.mu.Lock()
	c.sessions[st.ID] = st
	buffered := c.pending[st.ID]
	delete(c.pending, st.ID)
	for _, ev := range buffered {
		c.dispatchLocked(st, ev)
	}
	c.mu.Unlock()
	if len(buffered) > 0 {
		slog.Info("Replayed buffered events for new session", "sessionID", st.ID, "count", len(buffered))
	}
	c.notifyChanged(st.ID)

	if err := c.awaitReady(ctx, st); err != nil {
		c.removeSession(context.Background(), st.ID, true)
		return "", err
	}
	return st.ID, nil
}

// awaitReady races the session's readiness gate against the spawn timeout.
// A timeout resolves optimistically; an explicit init error fails the spawn.
func (c *Coordinator) awaitReady(ctx context.Context, st *sessionState) error {
	timer := time.NewTimer(c.cfg.SpawnReadyTimeout)
	defer timer.Stop()

	select {
	case <-st.readyCh:
	case <-timer.C:
		slog.Warn("Session readiness timed out, proceeding optimistically", "sessionID", st.ID, "timeout", c.cfg.SpawnReadyTimeout)
		c.mu.Lock()
		st.resolveReadyLocked("")
		c.mu.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("sessions: spawn interrupted: %w", ctx.Err())
	}

	c.mu.Lock()
	readyErr := st.readyErr
	c.mu.Unlock()
	if readyErr != "" {
		return fmt.Errorf("sessions: agent failed to initialize: %s", readyErr)
	}
	return nil
}

// TerminateSession tears one session down: best-effort host termination,
// bookkeeping removal, active-session reassignment, and subscription release
// when no sessions remain.
func (c *Coordinator) TerminateSession(ctx context.Context, sessionID string) {
	c.removeSession(ctx, sessionID, true)
}

// removeSession removes all bookkeeping for a session. terminateHost
// controls whether the host is asked to stop the agent process.
func (c *Coordinator) removeSession(ctx context.Context, sessionID string, terminateHost bool) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.resolveReadyLocked("session terminated")
	delete(c.sessions, sessionID)
	delete(c.pending, sessionID)
	if c.activeID == sessionID {
		c.activeID = c.newestSessionLocked()
	}
	newActive := c.activeID
	c.mu.Unlock()

	c.chunks.drop(sessionID)

	if terminateHost {
		if err := c.host.Terminate(ctx, sessionID); err != nil {
			slog.Warn("Failed to terminate host session", "sessionID", sessionID, "error", err)
		}
	}
	c.releaseStream()

	if c.cfg.OnSessionRemoved != nil {
		c.cfg.OnSessionRemoved(sessionID)
	}
	if newActive != "" {
		c.notifyChanged(newActive)
	}
	slog.Info("Session removed", "sessionID", sessionID)
}

// newestSessionLocked returns the most recently created live session id,
// or "" when none remain.
func (c *Coordinator) newestSessionLocked() string {
	var id string
	var newest time.Time
	for _, st := range c.sessions {
		if st.CreatedAt.After(newest) {
			newest = st.CreatedAt
			id = st.ID
		}
	}
	return id
}

// evictOldestIdle terminates the oldest idle session of the given kind to
// free agent capacity. Idle means ready, error, or terminated status.
func (c *Coordinator) evictOldestIdle(ctx context.Context, kind hostrpc.AgentKind) bool {
	c.mu.Lock()
	var oldest *sessionState
	for _, st := range c.sessions {
		if st.Kind != kind {
			continue
		}
		switch st.Status {
		case StatusReady, StatusError, StatusTerminated:
		default:
			continue
		}
		if oldest == nil || st.CreatedAt.Before(oldest.CreatedAt) {
			oldest = st
		}
	}
	var id string
	if oldest != nil {
		id = oldest.ID
	}
	c.mu.Unlock()

	if id == "" {
		return false
	}
	slog.Info("Evicting oldest idle session to free agent capacity", "sessionID", id, "agentKind", kind)
	c.removeSession(ctx, id, true)
	return true
}

// SetActiveSession switches the active session. An empty id clears it; an
// unknown id is ignored.
func (c *Coordinator) SetActiveSession(sessionID string) {
	c.mu.Lock()
	if sessionID != "" {
		if _, ok := c.sessions[sessionID]; !ok {
			c.mu.Unlock()
			return
		}
	}
	c.activeID = sessionID
	c.mu.Unlock()
	if sessionID != "" {
		c.notifyChanged(sessionID)
	}
}

// ActiveSessionID returns the active session id, or "".
func (c *Coordinator) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Get returns a snapshot of one session.
func (c *Coordinator) Get(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return st.snapshotLocked(), true
}

// List returns snapshots of all sessions, oldest first.
func (c *Coordinator) List() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Session, 0, len(c.sessions))
	for _, st := range c.sessions {
		result = append(result, st.snapshotLocked())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// InstallAgentCLI asks the host to install or update the agent CLI.
// Progress streams through installProgress events.
func (c *Coordinator) InstallAgentCLI(ctx context.Context, kind hostrpc.AgentKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("sessions: unsupported agent kind %q", kind)
	}
	dir, err := c.host.EnsureCLI(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("sessions: install %s CLI: %w", kind, err)
	}
	return dir, nil
}

// Shutdown terminates all sessions. Used on daemon exit.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.removeSession(ctx, id, true)
	}
}

// acquireStream takes one reference on the host event subscription,
// establishing it on the first reference.
func (c *Coordinator) acquireStream(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.streamRefs == 0 {
		if err := c.host.SubscribeEvents(ctx, c.handleHostEvent); err != nil {
			return fmt.Errorf("sessions: subscribe to host events: %w", err)
		}
		slog.Debug("Host event subscription established")
	}
	c.streamRefs++
	return nil
}

// releaseStream drops one reference, unsubscribing when the last session
// goes away.
func (c *Coordinator) releaseStream() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.streamRefs == 0 {
		return
	}
	c.streamRefs--
	if c.streamRefs > 0 {
		return
	}
	if err := c.host.UnsubscribeEvents(context.Background()); err != nil {
		slog.Warn("Failed to unsubscribe from host events", "error", err)
	} else {
		slog.Debug("Host event subscription released")
	}
}

// dropPendingBuffer clears any buffered events for a session id that never
// finished registering.
func (c *Coordinator) dropPendingBuffer(sessionID string) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// notifyChanged pushes a session-changed signal to the UI layer. Always
// called outside the coordinator lock.
func (c *Coordinator) notifyChanged(sessionID string) {
	if c.cfg.OnSessionChanged != nil {
		c.cfg.OnSessionChanged(sessionID)
	}
}

// fallbackTitle synthesizes a session title from the agent kind and id.
func fallbackTitle(kind hostrpc.AgentKind, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s Session %s", kind.DisplayName(), short)
}

func boolPtr(b bool) *bool { return &b }
