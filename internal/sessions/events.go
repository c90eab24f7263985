package sessions

import (
	"log/slog"
	"time"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
)

// handleHostEvent is the single entry point for host notifications. Events
// for registered sessions dispatch synchronously under the coordinator lock;
// events for unknown sessions are buffered for replay at registration.
func (c *Coordinator) handleHostEvent(ev hostrpc.Event) {
	if ev.Kind == hostrpc.EventInstallProgress {
		if c.cfg.OnInstallProgress != nil {
			c.cfg.OnInstallProgress(*ev.InstallProgress)
		}
		return
	}

	sessionID := ev.SessionID()
	if sessionID == "" {
		slog.Warn("Dropping host event without session id", "kind", ev.Kind)
		return
	}

	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.bufferPendingLocked(sessionID, ev)
		c.mu.Unlock()
		return
	}
	c.dispatchLocked(st, ev)
	c.mu.Unlock()
	c.notifyChanged(sessionID)
}

// bufferPendingLocked stores an event for a session that has not registered
// yet. Session registration and the host's own emission are not
// synchronized, so a resume's history replay can arrive before the local
// handle exists. The buffer is capped; the oldest event is dropped beyond
// the cap.
func (c *Coordinator) bufferPendingLocked(sessionID string, ev hostrpc.Event) {
	buf := c.pending[sessionID]
	if len(buf) >= c.cfg.EventBufferCap {
		buf = buf[1:]
	}
	c.pending[sessionID] = append(buf, ev)
}

// dispatchLocked routes one event to its handler. A buffered user fragment
// commits before any other event kind so the transcript stays chronological.
func (c *Coordinator) dispatchLocked(st *sessionState, ev hostrpc.Event) {
	if ev.Kind != hostrpc.EventUserMessage {
		c.finalizeUserBufferLocked(st)
	}

	switch ev.Kind {
	case hostrpc.EventMessageChunk:
		c.handleMessageChunkLocked(st, ev.MessageChunk)
	case hostrpc.EventToolCall:
		c.handleToolCallLocked(st, ev.ToolCall)
	case hostrpc.EventToolResult:
		c.handleToolResultLocked(st, ev.ToolResult)
	case hostrpc.EventDiff:
		c.handleDiffLocked(st, ev.Diff)
	case hostrpc.EventPlanUpdate:
		c.handlePlanUpdateLocked(st, ev.PlanUpdate)
	case hostrpc.EventUserMessage:
		c.handleUserMessageLocked(st, ev.UserMessage)
	case hostrpc.EventPromptComplete:
		c.handlePromptCompleteLocked(st, ev.PromptComplete)
	case hostrpc.EventConfigOptions:
		st.ConfigOptions = ev.ConfigOptions.ConfigOptions
	case hostrpc.EventSessionStatus:
		c.handleSessionStatusLocked(st, ev.SessionStatus)
	case hostrpc.EventError:
		c.handleErrorEventLocked(st, ev.Error.Error)
	case hostrpc.EventPermission:
		c.handlePermissionLocked(st, ev.Permission)
	case hostrpc.EventDiffProposal:
		c.handleDiffProposalLocked(st, ev.DiffProposal)
	case hostrpc.EventAgentStderr:
		st.appendStderrLocked(ev.AgentStderr.Line)
	default:
		slog.Warn("Unhandled host event kind", "kind", ev.Kind, "sessionID", st.ID)
	}
}

func (c *Coordinator) handleMessageChunkLocked(st *sessionState, ev *hostrpc.MessageChunkEvent) {
	var at time.Time
	if ev.Timestamp > 0 {
		at = time.UnixMilli(ev.Timestamp).UTC()
	}
	c.chunks.append(st.ID, ev.Text, ev.IsThought, at)
}

func (c *Coordinator) handleUserMessageLocked(st *sessionState, ev *hostrpc.UserMessageEvent) {
	if ev.Text == "" {
		return
	}
	if st.pendingUserText == "" {
		if ev.Timestamp > 0 {
			st.pendingUserAt = time.UnixMilli(ev.Timestamp).UTC()
		} else {
			st.pendingUserAt = time.Now().UTC()
		}
	}
	st.pendingUserText += ev.Text
}

func (c *Coordinator) handlePlanUpdateLocked(st *sessionState, ev *hostrpc.PlanUpdateEvent) {
	steps := make([]PlanStep, len(ev.Entries))
	for i, e := range ev.Entries {
		steps[i] = PlanStep{Content: e.Content, Status: e.Status}
	}
	st.Plan = steps
}

// handlePromptCompleteLocked marks a turn boundary: streamed text commits
// and, for live turns, every tool call still in flight is force-completed.
// History-replay completions end a resume replay and are not turn
// boundaries.
func (c *Coordinator) handlePromptCompleteLocked(st *sessionState, ev *hostrpc.PromptCompleteEvent) {
	replay := ev.HistoryReplay || ev.StopReason == hostrpc.StopReasonHistoryReplay

	c.finalizeStreamingLocked(st)
	if replay {
		return
	}

	c.forceCompleteToolsLocked(st)
	if st.Status == StatusPrompting || st.Status == StatusStarting {
		st.Status = StatusReady
	}
}

func (c *Coordinator) handleSessionStatusLocked(st *sessionState, ev *hostrpc.SessionStatusEvent) {
	switch ev.Status {
	case hostrpc.HostStatusInitializing:
		st.Status = StatusStarting
	case hostrpc.HostStatusReady:
		st.Status = StatusReady
		st.resolveReadyLocked("")
	case hostrpc.HostStatusPrompting:
		st.Status = StatusPrompting
	case hostrpc.HostStatusError:
		st.Status = StatusError
		st.resolveReadyLocked("agent entered error state during startup")
	case hostrpc.HostStatusTerminated:
		st.Status = StatusTerminated
		st.resolveReadyLocked("agent terminated before becoming ready")
	default:
		slog.Warn("Unknown host session status", "sessionID", st.ID, "status", ev.Status)
	}

	if ev.AgentSessionID != "" && st.AgentSessionID == "" {
		st.AgentSessionID = ev.AgentSessionID
		if err := c.store.SetAgentConversationSessionID(st.ConversationID, ev.AgentSessionID); err != nil {
			slog.Warn("Failed to persist agent session id", "conversationID", st.ConversationID, "error", err)
		}
	}
	if ev.AgentInfo != nil {
		st.AgentInfo = ev.AgentInfo
	}
	if ev.Models != nil {
		if len(ev.Models.AvailableModels) > 0 {
			st.Models = ev.Models.AvailableModels
		}
		if ev.Models.CurrentModelID != "" {
			st.CurrentModelID = ev.Models.CurrentModelID
		}
	}
	if ev.Modes != nil {
		// Mode-change notifications carry only the current id.
		if len(ev.Modes.AvailableModes) > 0 {
			st.Modes = ev.Modes.AvailableModes
		}
		if ev.Modes.CurrentModeID != "" {
			st.CurrentModeID = ev.Modes.CurrentModeID
		}
	}
	if len(ev.ConfigOptions) > 0 {
		st.ConfigOptions = ev.ConfigOptions
	}
}

// handleErrorEventLocked classifies a session-scoped error message from the
// host. The host emits plain text only, so classification is substring
// matching in arrival order of specificity.
func (c *Coordinator) handleErrorEventLocked(st *sessionState, msg string) {
	c.finalizeStreamingLocked(st)

	switch {
	case isSpuriousInitTimeout(msg):
		// The agent usually comes up right after this watchdog fires;
		// surfacing it would be noise.
		slog.Debug("Suppressed spurious init timeout", "sessionID", st.ID)

	case isUserCancellation(msg):
		st.appendMessageLocked(Message{Kind: MessageError, Content: msg})
		if st.Status == StatusPrompting {
			st.Status = StatusReady
		}

	case isPermissionTimeout(msg):
		// The host already expired the requests server-side; any dialogs
		// still showing are stale.
		if len(st.PendingPermissions) > 0 {
			st.PendingPermissions = nil
			st.appendMessageLocked(Message{Kind: MessageError, Content: msg})
		}

	case isPromptTooLong(msg):
		st.PromptTooLong = true
		c.scheduleHandoffLocked(st, HandoffPromptTooLong)

	case isRateLimited(msg):
		st.RateLimitHit = true
		c.scheduleHandoffLocked(st, HandoffRateLimit)

	default:
		st.ErrorMessage = msg
		st.Status = StatusError
		st.appendMessageLocked(Message{Kind: MessageError, Content: msg})
		st.resolveReadyLocked(msg)
	}
}

func (c *Coordinator) handlePermissionLocked(st *sessionState, ev *hostrpc.PermissionRequestEvent) {
	for _, p := range st.PendingPermissions {
		if p.RequestID == ev.RequestID {
			return
		}
	}
	st.PendingPermissions = append(st.PendingPermissions, PendingPermission{
		RequestID:  ev.RequestID,
		ToolCall:   ev.ToolCall,
		Options:    ev.Options,
		ReceivedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) handleDiffProposalLocked(st *sessionState, ev *hostrpc.DiffProposalEvent) {
	for _, p := range st.PendingDiffProposals {
		if p.ProposalID == ev.ProposalID {
			return
		}
	}
	st.PendingDiffProposals = append(st.PendingDiffProposals, PendingDiffProposal{
		ProposalID: ev.ProposalID,
		Path:       ev.Path,
		OldText:    ev.OldText,
		NewText:    ev.NewText,
		ReceivedAt: time.Now().UTC(),
	})
}
