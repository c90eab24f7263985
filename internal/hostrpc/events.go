// Package hostrpc implements the WebSocket JSON-RPC client for the agent
// host service. Commands flow to the host as requests; the host streams
// session events back as notifications, multiplexed across all sessions.
package hostrpc

import (
	"encoding/json"
	"fmt"

	acpsdk "github.com/coder/acp-go-sdk"
)

// AgentKind identifies one of the supported agent backends.
type AgentKind string

const (
	AgentClaudeCode AgentKind = "claude-code"
	AgentCodex      AgentKind = "codex"
)

// Valid reports whether k names a supported backend.
func (k AgentKind) Valid() bool {
	return k == AgentClaudeCode || k == AgentCodex
}

// DisplayName returns the human-readable backend name.
func (k AgentKind) DisplayName() string {
	switch k {
	case AgentClaudeCode:
		return "Claude Code"
	case AgentCodex:
		return "Codex"
	default:
		return string(k)
	}
}

// Sandbox modes accepted by the host for spawned agents.
const (
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
)

// Session status values reported by the host in sessionStatus events.
const (
	HostStatusInitializing = "initializing"
	HostStatusReady        = "ready"
	HostStatusPrompting    = "prompting"
	HostStatusError        = "error"
	HostStatusTerminated   = "terminated"
)

// StopReasonHistoryReplay is the synthetic stop reason the host attaches to
// the promptComplete it emits after replaying a resumed session's history.
const StopReasonHistoryReplay = "HistoryReplay"

// EventKind is the notification method name carried on the wire.
type EventKind string

const (
	EventMessageChunk    EventKind = "acp://message-chunk"
	EventToolCall        EventKind = "acp://tool-call"
	EventToolResult      EventKind = "acp://tool-result"
	EventDiff            EventKind = "acp://diff"
	EventPlanUpdate      EventKind = "acp://plan-update"
	EventUserMessage     EventKind = "acp://user-message"
	EventPromptComplete  EventKind = "acp://prompt-complete"
	EventConfigOptions   EventKind = "acp://config-options-update"
	EventSessionStatus   EventKind = "acp://session-status"
	EventError           EventKind = "acp://error"
	EventPermission      EventKind = "acp://permission-request"
	EventDiffProposal    EventKind = "acp://diff-proposal"
	EventAgentStderr     EventKind = "acp://agent-stderr"
	EventInstallProgress EventKind = "acp://cli-install-progress"
)

// MessageChunkEvent is one streamed fragment of assistant or thinking text.
// Timestamp is unix milliseconds; Replay marks fragments re-emitted while
// loading a resumed session's history.
type MessageChunkEvent struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	IsThought bool   `json:"isThought,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Replay    bool   `json:"replay,omitempty"`
}

// ToolCallEvent announces a tool invocation started by the agent.
type ToolCallEvent struct {
	SessionID  string                `json:"sessionId"`
	ToolCallID string                `json:"toolCallId"`
	Title      string                `json:"title"`
	Kind       acpsdk.ToolKind       `json:"kind"`
	Status     acpsdk.ToolCallStatus `json:"status"`
	Parameters json.RawMessage       `json:"parameters,omitempty"`
}

// ToolResultEvent updates a previously announced tool call. Result text is
// truncated host-side; Error is set when the call failed.
type ToolResultEvent struct {
	SessionID  string                `json:"sessionId"`
	ToolCallID string                `json:"toolCallId"`
	Status     acpsdk.ToolCallStatus `json:"status"`
	Result     string                `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// DiffEvent carries one revision of a file edit produced by a tool call.
// The host may emit several revisions for the same (toolCallId, path) pair
// as the edit streams in.
type DiffEvent struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Path       string `json:"path"`
	OldText    string `json:"oldText"`
	NewText    string `json:"newText"`
}

// PlanEntry is one step of the agent's current plan.
type PlanEntry struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// PlanUpdateEvent replaces the session's plan wholesale.
type PlanUpdateEvent struct {
	SessionID string      `json:"sessionId"`
	Entries   []PlanEntry `json:"entries"`
}

// UserMessageEvent is an inbound user message fragment, emitted during
// history replay or when the agent echoes user turns. Fragments sharing a
// turn are buffered until a non-user event commits them.
type UserMessageEvent struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Replay    bool   `json:"replay,omitempty"`
}

// PromptCompleteEvent marks the end of one prompt turn.
type PromptCompleteEvent struct {
	SessionID     string `json:"sessionId"`
	StopReason    string `json:"stopReason,omitempty"`
	HistoryReplay bool   `json:"historyReplay,omitempty"`
}

// ConfigOptionValue is one selectable value of a config option.
type ConfigOptionValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConfigOption is an agent-advertised session configuration knob.
type ConfigOption struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	CurrentValue string              `json:"currentValue,omitempty"`
	Options      []ConfigOptionValue `json:"options,omitempty"`
}

// ConfigOptionsUpdateEvent replaces the session's advertised config options.
type ConfigOptionsUpdateEvent struct {
	SessionID     string         `json:"sessionId"`
	ConfigOptions []ConfigOption `json:"configOptions"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ModelID string `json:"modelId"`
	Name    string `json:"name"`
}

// ModelState is the agent's model selection at session creation.
type ModelState struct {
	CurrentModelID  string      `json:"currentModelId"`
	AvailableModels []ModelInfo `json:"availableModels,omitempty"`
}

// ModeInfo describes one selectable permission mode.
type ModeInfo struct {
	ModeID      string `json:"modeId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModeState is the agent's permission mode selection. Mode change
// notifications arrive with only CurrentModeID set.
type ModeState struct {
	CurrentModeID  string     `json:"currentModeId"`
	AvailableModes []ModeInfo `json:"availableModes,omitempty"`
}

// AgentInfo identifies the agent binary behind a session.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SessionStatusEvent reports a lifecycle transition. The first "ready" for
// a session carries the agent-assigned session id plus the model, mode, and
// config option inventory.
type SessionStatusEvent struct {
	SessionID      string         `json:"sessionId"`
	Status         string         `json:"status"`
	AgentSessionID string         `json:"agentSessionId,omitempty"`
	AgentInfo      *AgentInfo     `json:"agentInfo,omitempty"`
	Models         *ModelState    `json:"models,omitempty"`
	Modes          *ModeState     `json:"modes,omitempty"`
	ConfigOptions  []ConfigOption `json:"configOptions,omitempty"`
}

// ErrorEvent carries a session-scoped error message. The host emits plain
// text only; classification happens on this side.
type ErrorEvent struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// PermissionToolCall is the tool call a permission request refers to.
type PermissionToolCall struct {
	ToolCallID string                `json:"toolCallId"`
	Title      string                `json:"title"`
	Kind       acpsdk.ToolKind       `json:"kind,omitempty"`
	Status     acpsdk.ToolCallStatus `json:"status,omitempty"`
}

// PermissionRequestEvent asks the user to approve a tool call. The host
// holds the agent until a response arrives or its own timeout fires.
type PermissionRequestEvent struct {
	SessionID string                    `json:"sessionId"`
	RequestID string                    `json:"requestId"`
	ToolCall  *PermissionToolCall       `json:"toolCall,omitempty"`
	Options   []acpsdk.PermissionOption `json:"options,omitempty"`
}

// DiffProposalEvent asks the user to accept or reject a file write.
type DiffProposalEvent struct {
	SessionID  string `json:"sessionId"`
	ProposalID string `json:"proposalId"`
	Path       string `json:"path"`
	OldText    string `json:"oldText"`
	NewText    string `json:"newText"`
}

// AgentStderrEvent is one line of the agent process's stderr.
type AgentStderrEvent struct {
	SessionID string `json:"sessionId"`
	Line      string `json:"line"`
}

// InstallProgressEvent reports CLI install/update progress. Stage is one of
// downloading, installing, complete, error. Not scoped to a session.
type InstallProgressEvent struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Event is the decoded form of one host notification. Exactly one payload
// field is non-nil, selected by Kind.
type Event struct {
	Kind EventKind

	MessageChunk    *MessageChunkEvent
	ToolCall        *ToolCallEvent
	ToolResult      *ToolResultEvent
	Diff            *DiffEvent
	PlanUpdate      *PlanUpdateEvent
	UserMessage     *UserMessageEvent
	PromptComplete  *PromptCompleteEvent
	ConfigOptions   *ConfigOptionsUpdateEvent
	SessionStatus   *SessionStatusEvent
	Error           *ErrorEvent
	Permission      *PermissionRequestEvent
	DiffProposal    *DiffProposalEvent
	AgentStderr     *AgentStderrEvent
	InstallProgress *InstallProgressEvent
}

// SessionID returns the session the event targets, or "" for global events.
func (e Event) SessionID() string {
	switch e.Kind {
	case EventMessageChunk:
		return e.MessageChunk.SessionID
	case EventToolCall:
		return e.ToolCall.SessionID
	case EventToolResult:
		return e.ToolResult.SessionID
	case EventDiff:
		return e.Diff.SessionID
	case EventPlanUpdate:
		return e.PlanUpdate.SessionID
	case EventUserMessage:
		return e.UserMessage.SessionID
	case EventPromptComplete:
		return e.PromptComplete.SessionID
	case EventConfigOptions:
		return e.ConfigOptions.SessionID
	case EventSessionStatus:
		return e.SessionStatus.SessionID
	case EventError:
		return e.Error.SessionID
	case EventPermission:
		return e.Permission.SessionID
	case EventDiffProposal:
		return e.DiffProposal.SessionID
	case EventAgentStderr:
		return e.AgentStderr.SessionID
	default:
		return ""
	}
}

// ParseEvent decodes a notification into a typed Event. Unknown methods
// return an error so callers can log and skip them.
func ParseEvent(method string, params json.RawMessage) (Event, error) {
	ev := Event{Kind: EventKind(method)}
	var dst any
	switch ev.Kind {
	case EventMessageChunk:
		ev.MessageChunk = &MessageChunkEvent{}
		dst = ev.MessageChunk
	case EventToolCall:
		ev.ToolCall = &ToolCallEvent{}
		dst = ev.ToolCall
	case EventToolResult:
		ev.ToolResult = &ToolResultEvent{}
		dst = ev.ToolResult
	case EventDiff:
		ev.Diff = &DiffEvent{}
		dst = ev.Diff
	case EventPlanUpdate:
		ev.PlanUpdate = &PlanUpdateEvent{}
		dst = ev.PlanUpdate
	case EventUserMessage:
		ev.UserMessage = &UserMessageEvent{}
		dst = ev.UserMessage
	case EventPromptComplete:
		ev.PromptComplete = &PromptCompleteEvent{}
		dst = ev.PromptComplete
	case EventConfigOptions:
		ev.ConfigOptions = &ConfigOptionsUpdateEvent{}
		dst = ev.ConfigOptions
	case EventSessionStatus:
		ev.SessionStatus = &SessionStatusEvent{}
		dst = ev.SessionStatus
	case EventError:
		ev.Error = &ErrorEvent{}
		dst = ev.Error
	case EventPermission:
		ev.Permission = &PermissionRequestEvent{}
		dst = ev.Permission
	case EventDiffProposal:
		ev.DiffProposal = &DiffProposalEvent{}
		dst = ev.DiffProposal
	case EventAgentStderr:
		ev.AgentStderr = &AgentStderrEvent{}
		dst = ev.AgentStderr
	case EventInstallProgress:
		ev.InstallProgress = &InstallProgressEvent{}
		dst = ev.InstallProgress
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", method)
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", method, err)
	}
	return ev, nil
}
