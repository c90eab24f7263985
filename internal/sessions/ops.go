package sessions

import (
	"context"
	"fmt"
	"log/slog"
)

// SetPermissionMode switches the agent's permission mode for the session.
func (c *Coordinator) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	if !c.sessionExists(sessionID) {
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	if err := c.host.SetPermissionMode(ctx, sessionID, mode); err != nil {
		return fmt.Errorf("sessions: set permission mode: %w", err)
	}

	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		st.CurrentModeID = mode
	}
	c.mu.Unlock()
	c.notifyChanged(sessionID)
	return nil
}

// SetModel switches the agent's model and persists the choice on the
// conversation so resumes come back on the same model.
func (c *Coordinator) SetModel(ctx context.Context, sessionID, modelID string) error {
	if !c.sessionExists(sessionID) {
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	if err := c.host.SetModel(ctx, sessionID, modelID); err != nil {
		return fmt.Errorf("sessions: set model: %w", err)
	}

	c.mu.Lock()
	conversationID := ""
	if st, ok := c.sessions[sessionID]; ok {
		st.CurrentModelID = modelID
		conversationID = st.ConversationID
	}
	c.mu.Unlock()

	if conversationID != "" {
		if err := c.store.SetAgentConversationModelID(conversationID, modelID); err != nil {
			slog.Warn("Failed to persist conversation model",
				"conversationID", conversationID, "error", err)
		}
	}
	c.notifyChanged(sessionID)
	return nil
}

// SetConfigOption forwards an agent config option change. The new value set
// arrives back through a config options update event.
func (c *Coordinator) SetConfigOption(ctx context.Context, sessionID, configID, valueID string) error {
	if !c.sessionExists(sessionID) {
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	if err := c.host.SetConfigOption(ctx, sessionID, configID, valueID); err != nil {
		return fmt.Errorf("sessions: set config option: %w", err)
	}
	return nil
}

// RespondToPermission answers a pending permission request with the chosen
// option. The pending entry is removed only after the host accepts the
// answer.
func (c *Coordinator) RespondToPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	if !c.sessionExists(sessionID) {
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	if err := c.host.RespondToPermission(ctx, sessionID, requestID, optionID); err != nil {
		return fmt.Errorf("sessions: respond to permission: %w", err)
	}

	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		st.removePendingPermissionLocked(requestID)
	}
	c.mu.Unlock()
	c.notifyChanged(sessionID)
	return nil
}

// DismissPermission drops a pending permission request locally without
// answering. The host side times the request out on its own schedule.
func (c *Coordinator) DismissPermission(sessionID, requestID string) error {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	st.removePendingPermissionLocked(requestID)
	c.mu.Unlock()
	c.notifyChanged(sessionID)
	return nil
}

// RespondToDiffProposal accepts or rejects a proposed file change.
func (c *Coordinator) RespondToDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	if !c.sessionExists(sessionID) {
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	if err := c.host.RespondToDiffProposal(ctx, sessionID, proposalID, accepted); err != nil {
		return fmt.Errorf("sessions: respond to diff proposal: %w", err)
	}

	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		for i, p := range st.PendingDiffProposals {
			if p.ProposalID == proposalID {
				st.PendingDiffProposals = append(st.PendingDiffProposals[:i], st.PendingDiffProposals[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	c.notifyChanged(sessionID)
	return nil
}

// UpdateCwd moves the session's working directory for future spawns and
// persists it on the conversation. The running agent process keeps its
// original directory until the session is respawned.
func (c *Coordinator) UpdateCwd(sessionID, cwd, projectRoot string) error {
	if cwd == "" {
		return fmt.Errorf("sessions: working directory is required")
	}

	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("sessions: session %s not found", sessionID)
	}
	st.Cwd = cwd
	st.ProjectRoot = projectRoot
	conversationID := st.ConversationID
	c.mu.Unlock()

	if err := c.store.UpdateAgentConversationCwd(conversationID, cwd, projectRoot); err != nil {
		slog.Warn("Failed to persist conversation cwd",
			"conversationID", conversationID, "error", err)
	}
	c.notifyChanged(sessionID)
	return nil
}

func (c *Coordinator) sessionExists(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}
