package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// restartNotice is injected into the transcript when a dead session is
// replaced so the user can see where the break happened.
const restartNotice = "Session restarted after the agent stopped responding."

const maxDerivedTitleLen = 60

// SendPrompt delivers a user turn to the agent. It blocks until the host
// acknowledges the turn completed or failed; streamed output arrives through
// the event subscription in the meantime.
//
// When the host reports the session process is gone, the coordinator respawns
// a replacement bound to the same conversation, restores the transcript, and
// retries the prompt once. The returned session id is the one that ultimately
// carries the turn, which differs from the input id after a respawn.
func (c *Coordinator) SendPrompt(ctx context.Context, sessionID, text string, contextItems []json.RawMessage) (string, error) {
	if strings.TrimSpace(text) == "" {
		return sessionID, fmt.Errorf("sessions: prompt text is empty")
	}

	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return sessionID, fmt.Errorf("sessions: session %s not found", sessionID)
	}
	readyCh := st.readyCh
	c.mu.Unlock()

	// Never hand input to a half-initialized agent.
	select {
	case <-readyCh:
	case <-ctx.Done():
		return sessionID, fmt.Errorf("sessions: prompt interrupted: %w", ctx.Err())
	}

	c.mu.Lock()
	st, ok = c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return sessionID, fmt.Errorf("sessions: session %s not found", sessionID)
	}
	userMsg := Message{
		ID:        uuid.NewString(),
		Kind:      MessageUser,
		Content:   text,
		Timestamp: time.Now().UTC(),
	}
	st.appendMessageLocked(userMsg)
	st.Status = StatusPrompting
	st.ErrorMessage = ""
	c.maybeDeriveTitleLocked(st, text)
	c.mu.Unlock()
	c.notifyChanged(sessionID)

	if err := c.host.Prompt(ctx, sessionID, text, contextItems); err != nil {
		return c.handlePromptFailure(ctx, sessionID, userMsg.ID, text, contextItems, err)
	}
	return sessionID, nil
}

// handlePromptFailure classifies a prompt error and picks the response:
// swallow cancellations, respawn dead sessions, surface everything else.
func (c *Coordinator) handlePromptFailure(ctx context.Context, sessionID, userMsgID, text string, contextItems []json.RawMessage, promptErr error) (string, error) {
	msg := promptErr.Error()

	if isUserCancellation(msg) {
		// The cancellation error event already restored the session to
		// ready; nothing to report.
		return sessionID, nil
	}

	if isDeadSessionError(msg) {
		newID, err := c.respawnAndRetry(ctx, sessionID, userMsgID, text, contextItems)
		if err != nil && newID == "" {
			c.telemetry.ReportError(err, "sessions", sessionID, map[string]any{
				"phase": "respawn",
			})
			return sessionID, err
		}
		// A retry failure still hands back the replacement id; the error
		// state lives on that session now.
		return newID, err
	}

	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		st.ErrorMessage = msg
		st.Status = StatusError
		st.appendMessageLocked(Message{Kind: MessageError, Content: msg})
	}
	c.mu.Unlock()
	c.notifyChanged(sessionID)
	return sessionID, fmt.Errorf("sessions: prompt failed: %w", promptErr)
}

// respawnAndRetry replaces a dead session with a fresh one bound to the same
// conversation, carries the transcript over, and reissues the failed prompt
// exactly once.
func (c *Coordinator) respawnAndRetry(ctx context.Context, oldID, userMsgID, text string, contextItems []json.RawMessage) (string, error) {
	c.mu.Lock()
	st, ok := c.sessions[oldID]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("sessions: session %s disappeared during recovery", oldID)
	}

	// Keep the transcript minus the turn being retried and minus any
	// unresponsive banners the error handler injected while the host was
	// giving up. The replacement gets its own restart notice instead.
	preserved := make([]Message, 0, len(st.Messages))
	for _, m := range st.copyMessagesLocked() {
		if m.ID == userMsgID {
			continue
		}
		if m.Kind == MessageError && isUnresponsiveBanner(m.Content) {
			continue
		}
		preserved = append(preserved, m)
	}
	opts := SpawnOptions{
		Kind:           st.Kind,
		Cwd:            st.Cwd,
		ProjectRoot:    st.ProjectRoot,
		ConversationID: st.ConversationID,
		Title:          st.Title,
	}
	c.mu.Unlock()

	slog.Info("Respawning dead session",
		"sessionID", oldID,
		"conversationID", opts.ConversationID,
		"agentKind", opts.Kind)

	c.removeSession(ctx, oldID, true)

	newID, err := c.SpawnSession(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("sessions: respawn after dead session: %w", err)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	nst, ok := c.sessions[newID]
	if ok {
		restored := append(preserved,
			Message{ID: uuid.NewString(), Kind: MessageError, Content: restartNotice, Timestamp: now},
			Message{ID: uuid.NewString(), Kind: MessageUser, Content: text, Timestamp: now},
		)
		nst.Messages = restored
		nst.rebuildMessageIndexLocked()
		nst.Status = StatusPrompting
	}
	c.mu.Unlock()
	c.notifyChanged(newID)
	if !ok {
		return "", fmt.Errorf("sessions: session %s disappeared during recovery", newID)
	}

	if err := c.host.Prompt(ctx, newID, text, contextItems); err != nil {
		if isUserCancellation(err.Error()) {
			return newID, nil
		}
		msg := err.Error()
		c.mu.Lock()
		if nst, ok := c.sessions[newID]; ok {
			nst.ErrorMessage = msg
			nst.Status = StatusError
			nst.appendMessageLocked(Message{Kind: MessageError, Content: msg})
		}
		c.mu.Unlock()
		c.notifyChanged(newID)
		c.telemetry.ReportError(err, "sessions", newID, map[string]any{
			"phase":             "retry",
			"previousSessionID": oldID,
		})
		return newID, fmt.Errorf("sessions: prompt retry after respawn failed: %w", err)
	}
	return newID, nil
}

// CancelPrompt asks the host to interrupt the in-flight turn. Local state is
// untouched; the outcome comes back as a cancellation error event or a
// regular prompt completion.
func (c *Coordinator) CancelPrompt(ctx context.Context, sessionID string) error {
	if err := c.host.Cancel(ctx, sessionID); err != nil {
		slog.Warn("Cancel request failed", "sessionID", sessionID, "error", err)
		return fmt.Errorf("sessions: cancel prompt: %w", err)
	}
	return nil
}

// scheduleHandoffLocked dispatches the session's accumulated conversation to
// the fallback execution path and clears both provider-limit flags in the
// same critical section, so a flag is never observable after its handoff has
// been scheduled.
func (c *Coordinator) scheduleHandoffLocked(st *sessionState, reason string) {
	st.RateLimitHit = false
	st.PromptTooLong = false
	st.FallbackPrompt = reason

	if c.fallback == nil {
		return
	}
	h := Handoff{
		SessionID:      st.ID,
		ConversationID: st.ConversationID,
		Title:          st.Title,
		ModelID:        st.CurrentModelID,
		Reason:         reason,
		Messages:       st.copyMessagesLocked(),
	}
	slog.Info("Scheduling fallback handoff", "sessionID", st.ID, "reason", reason)
	go c.fallback.Handoff(h)
}

// AcceptRateLimitFallback re-runs the fallback handoff for a session whose
// automatic handoff the user wants to retry, then clears the prompt.
func (c *Coordinator) AcceptRateLimitFallback(sessionID string) error {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	reason := st.FallbackPrompt
	if reason == "" {
		reason = HandoffRateLimit
	}
	st.FallbackPrompt = ""
	h := Handoff{
		SessionID:      st.ID,
		ConversationID: st.ConversationID,
		Title:          st.Title,
		ModelID:        st.CurrentModelID,
		Reason:         reason,
		Messages:       st.copyMessagesLocked(),
	}
	c.mu.Unlock()

	if c.fallback != nil {
		c.fallback.Handoff(h)
	}
	c.notifyChanged(sessionID)
	return nil
}

// DismissRateLimitPrompt clears the fallback prompt without handing off.
func (c *Coordinator) DismissRateLimitPrompt(sessionID string) error {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	st.FallbackPrompt = ""
	c.mu.Unlock()
	c.notifyChanged(sessionID)
	return nil
}

// maybeDeriveTitleLocked promotes the first user prompt into the conversation
// title while the session still carries its synthesized one.
func (c *Coordinator) maybeDeriveTitleLocked(st *sessionState, text string) {
	if !st.titleAuto {
		return
	}
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return
	}
	if runes := []rune(title); len(runes) > maxDerivedTitleLen {
		title = string(runes[:maxDerivedTitleLen])
	}
	st.Title = title
	st.titleAuto = false
	if err := c.store.SetAgentConversationTitle(st.ConversationID, title); err != nil {
		slog.Warn("Failed to persist conversation title",
			"conversationID", st.ConversationID, "error", err)
	}
}
