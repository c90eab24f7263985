package sessions

import (
	"encoding/json"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
)

// Status is the lifecycle state of a live session.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusPrompting  Status = "prompting"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// MessageKind distinguishes transcript entry variants.
type MessageKind string

const (
	MessageUser      MessageKind = "user"
	MessageAssistant MessageKind = "assistant"
	MessageThought   MessageKind = "thought"
	MessageTool      MessageKind = "tool"
	MessageDiff      MessageKind = "diff"
	MessageError     MessageKind = "error"
)

// ToolState is the tracked lifecycle of one tool invocation.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolFailed    ToolState = "failed"
)

// Terminal reports whether the tool call has finished.
func (s ToolState) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed
}

// toolStateFromHost maps the host's ACP tool status onto the tracked states.
func toolStateFromHost(s acpsdk.ToolCallStatus) ToolState {
	switch s {
	case acpsdk.ToolCallStatusPending:
		return ToolPending
	case acpsdk.ToolCallStatusInProgress:
		return ToolRunning
	case acpsdk.ToolCallStatusCompleted:
		return ToolCompleted
	case acpsdk.ToolCallStatusFailed:
		return ToolFailed
	default:
		return ToolPending
	}
}

// ToolCallInfo is the snapshot of one tool invocation embedded in a tool
// message. It is updated in place until the call reaches a terminal state.
type ToolCallInfo struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       acpsdk.ToolKind `json:"kind,omitempty"`
	State      ToolState       `json:"state"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// DiffInfo is the snapshot of one file edit embedded in a diff message.
// Revisions for the same (toolCallId, path) pair coalesce into one entry.
type DiffInfo struct {
	ToolCallID   string `json:"toolCallId"`
	Path         string `json:"path"`
	OldText      string `json:"oldText"`
	NewText      string `json:"newText"`
	LinesAdded   int    `json:"linesAdded"`
	LinesDeleted int    `json:"linesDeleted"`
}

// PlanStep is one entry of the agent's current plan.
type PlanStep struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Message is one immutable transcript entry. Tool and diff messages are the
// exception: their embedded snapshots are updated in place until terminal.
type Message struct {
	ID         string        `json:"id"`
	Kind       MessageKind   `json:"kind"`
	Content    string        `json:"content,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	DurationMS int64         `json:"durationMs,omitempty"`
	Tool       *ToolCallInfo `json:"tool,omitempty"`
	Diff       *DiffInfo     `json:"diff,omitempty"`
}

// PendingPermission is a tool-approval request awaiting a user decision.
type PendingPermission struct {
	RequestID  string                      `json:"requestId"`
	ToolCall   *hostrpc.PermissionToolCall `json:"toolCall,omitempty"`
	Options    []acpsdk.PermissionOption   `json:"options,omitempty"`
	ReceivedAt time.Time                   `json:"receivedAt"`
}

// PendingDiffProposal is a file-write proposal awaiting a user decision.
type PendingDiffProposal struct {
	ProposalID string    `json:"proposalId"`
	Path       string    `json:"path"`
	OldText    string    `json:"oldText"`
	NewText    string    `json:"newText"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Session is the read-only snapshot of one live session, safe to copy and
// serialize for UI clients. The coordinator owns the mutable state behind it.
type Session struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	AgentKind      hostrpc.AgentKind `json:"agentKind"`
	Cwd            string            `json:"cwd"`
	Status         Status            `json:"status"`
	AgentSessionID string            `json:"agentSessionId,omitempty"`
	Title          string            `json:"title"`
	CreatedAt      time.Time         `json:"createdAt"`

	Messages []Message  `json:"messages"`
	Plan     []PlanStep `json:"plan,omitempty"`

	StreamingText    string `json:"streamingText,omitempty"`
	StreamingThought string `json:"streamingThought,omitempty"`

	CurrentModelID string                 `json:"currentModelId,omitempty"`
	CurrentModeID  string                 `json:"currentModeId,omitempty"`
	Models         []hostrpc.ModelInfo    `json:"models,omitempty"`
	Modes          []hostrpc.ModeInfo     `json:"modes,omitempty"`
	ConfigOptions  []hostrpc.ConfigOption `json:"configOptions,omitempty"`
	AgentInfo      *hostrpc.AgentInfo     `json:"agentInfo,omitempty"`

	Error          string `json:"error,omitempty"`
	FallbackPrompt string `json:"fallbackPrompt,omitempty"`
	RateLimitHit   bool   `json:"rateLimitHit"`
	PromptTooLong  bool   `json:"promptTooLong"`

	PendingPermissions   []PendingPermission   `json:"pendingPermissions,omitempty"`
	PendingDiffProposals []PendingDiffProposal `json:"pendingDiffProposals,omitempty"`

	StderrTail []string `json:"stderrTail,omitempty"`
}

// maxStderrLines bounds the per-session stderr ring kept for diagnostics.
const maxStderrLines = 100

// sessionState is the coordinator-owned mutable state of one session.
// All fields are guarded by the coordinator mutex.
type sessionState struct {
	ID             string
	ConversationID string
	Kind           hostrpc.AgentKind
	Cwd            string
	ProjectRoot    string
	Status         Status
	AgentSessionID string
	Title          string
	titleAuto      bool
	CreatedAt      time.Time

	Messages []Message
	Plan     []PlanStep

	// toolMsgIdx maps a tool call id to its message index; diffMsgIdx maps
	// a (toolCallId, path) pair to its diff message index. Message indexes
	// stay valid because the transcript is append-only.
	toolMsgIdx   map[string]int
	pendingTools map[string]struct{}
	diffMsgIdx   map[diffKey]int

	// Streaming fields filled by the chunk aggregator's flush bridge.
	StreamingText    string
	TextStartedAt    time.Time
	StreamingThought string
	ThoughtStartedAt time.Time

	// Buffered partial inbound user message, committed before the next
	// non-user event.
	pendingUserText string
	pendingUserAt   time.Time

	CurrentModelID string
	CurrentModeID  string
	Models         []hostrpc.ModelInfo
	Modes          []hostrpc.ModeInfo
	ConfigOptions  []hostrpc.ConfigOption
	AgentInfo      *hostrpc.AgentInfo

	ErrorMessage   string
	FallbackPrompt string
	RateLimitHit   bool
	PromptTooLong  bool

	PendingPermissions   []PendingPermission
	PendingDiffProposals []PendingDiffProposal

	StderrTail []string

	// Readiness gate. readyCh is closed once readiness resolves: on the
	// first ready signal, on an explicit init error (readyErr set), or
	// optimistically when the spawn timeout elapses.
	readyCh       chan struct{}
	readyResolved bool
	readyErr      string
}

type diffKey struct {
	toolCallID string
	path       string
}

func newSessionState(id, conversationID string, kind hostrpc.AgentKind, cwd, projectRoot, title string, titleAuto bool) *sessionState {
	return &sessionState{
		ID:             id,
		ConversationID: conversationID,
		Kind:           kind,
		Cwd:            cwd,
		ProjectRoot:    projectRoot,
		Status:         StatusStarting,
		Title:          title,
		titleAuto:      titleAuto,
		CreatedAt:      time.Now().UTC(),
		Messages:       make([]Message, 0, 16),
		toolMsgIdx:     make(map[string]int),
		pendingTools:   make(map[string]struct{}),
		diffMsgIdx:     make(map[diffKey]int),
		readyCh:        make(chan struct{}),
	}
}

// resolveReadyLocked resolves the readiness gate at most once. errText is
// empty for ready or optimistic resolution, non-empty for an init failure.
func (s *sessionState) resolveReadyLocked(errText string) {
	if s.readyResolved {
		return
	}
	s.readyResolved = true
	s.readyErr = errText
	close(s.readyCh)
}

// appendMessageLocked appends a transcript entry and returns its index.
func (s *sessionState) appendMessageLocked(m Message) int {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, m)
	return len(s.Messages) - 1
}

// removePendingPermissionLocked drops the pending request with the given id
// if present.
func (s *sessionState) removePendingPermissionLocked(requestID string) {
	for i, p := range s.PendingPermissions {
		if p.RequestID == requestID {
			s.PendingPermissions = append(s.PendingPermissions[:i], s.PendingPermissions[i+1:]...)
			return
		}
	}
}

// appendStderrLocked appends one stderr line, keeping only the newest
// maxStderrLines entries.
func (s *sessionState) appendStderrLocked(line string) {
	s.StderrTail = append(s.StderrTail, line)
	if len(s.StderrTail) > maxStderrLines {
		s.StderrTail = s.StderrTail[len(s.StderrTail)-maxStderrLines:]
	}
}

// rebuildMessageIndexLocked recomputes the tool and diff indexes after the
// transcript has been replaced wholesale (recovery restore).
func (s *sessionState) rebuildMessageIndexLocked() {
	s.toolMsgIdx = make(map[string]int)
	s.pendingTools = make(map[string]struct{})
	s.diffMsgIdx = make(map[diffKey]int)
	for i, m := range s.Messages {
		switch {
		case m.Tool != nil:
			s.toolMsgIdx[m.Tool.ToolCallID] = i
			if !m.Tool.State.Terminal() {
				s.pendingTools[m.Tool.ToolCallID] = struct{}{}
			}
		case m.Diff != nil:
			s.diffMsgIdx[diffKey{m.Diff.ToolCallID, m.Diff.Path}] = i
		}
	}
}

// copyMessagesLocked deep-copies the transcript so in-place tool/diff
// updates never race a copy handed outside the lock.
func (s *sessionState) copyMessagesLocked() []Message {
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Tool != nil {
			tool := *m.Tool
			m.Tool = &tool
		}
		if m.Diff != nil {
			diff := *m.Diff
			m.Diff = &diff
		}
		msgs[i] = m
	}
	return msgs
}

// snapshotLocked copies the session state into a UI-safe value.
func (s *sessionState) snapshotLocked() Session {
	msgs := s.copyMessagesLocked()

	snap := Session{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		AgentKind:      s.Kind,
		Cwd:            s.Cwd,
		Status:         s.Status,
		AgentSessionID: s.AgentSessionID,
		Title:          s.Title,
		CreatedAt:      s.CreatedAt,

		Messages: msgs,

		StreamingText:    s.StreamingText,
		StreamingThought: s.StreamingThought,

		CurrentModelID: s.CurrentModelID,
		CurrentModeID:  s.CurrentModeID,

		Error:          s.ErrorMessage,
		FallbackPrompt: s.FallbackPrompt,
		RateLimitHit:   s.RateLimitHit,
		PromptTooLong:  s.PromptTooLong,
	}

	if len(s.Plan) > 0 {
		snap.Plan = append([]PlanStep(nil), s.Plan...)
	}
	if len(s.Models) > 0 {
		snap.Models = append([]hostrpc.ModelInfo(nil), s.Models...)
	}
	if len(s.Modes) > 0 {
		snap.Modes = append([]hostrpc.ModeInfo(nil), s.Modes...)
	}
	if len(s.ConfigOptions) > 0 {
		snap.ConfigOptions = append([]hostrpc.ConfigOption(nil), s.ConfigOptions...)
	}
	if s.AgentInfo != nil {
		info := *s.AgentInfo
		snap.AgentInfo = &info
	}
	if len(s.PendingPermissions) > 0 {
		snap.PendingPermissions = append([]PendingPermission(nil), s.PendingPermissions...)
	}
	if len(s.PendingDiffProposals) > 0 {
		snap.PendingDiffProposals = append([]PendingDiffProposal(nil), s.PendingDiffProposals...)
	}
	if len(s.StderrTail) > 0 {
		snap.StderrTail = append([]string(nil), s.StderrTail...)
	}

	return snap
}
