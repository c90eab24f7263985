package sessions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/persistence"
)

// RemoteSessionEntry is one provider-side resumable session, enriched with
// local conversation metadata when the agent session id maps to a persisted
// conversation.
type RemoteSessionEntry struct {
	SessionID      string `json:"sessionId"`
	Title          string `json:"title"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// remoteBrowseState caches the last remote listing so load-more can continue
// from the stored cursor.
type remoteBrowseState struct {
	kind       hostrpc.AgentKind
	cwd        string
	entries    []RemoteSessionEntry
	nextCursor string
}

// RefreshRemoteSessions fetches the first page of resumable provider-side
// sessions for kind under cwd. Concurrent refreshes for the same kind and
// directory share one host call. The second return reports whether more
// pages exist.
func (c *Coordinator) RefreshRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd string) ([]RemoteSessionEntry, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("sessions: unsupported agent kind %q", kind)
	}

	type result struct {
		entries []RemoteSessionEntry
		hasMore bool
	}
	key := "refresh:" + string(kind) + ":" + cwd
	v, err, _ := c.remoteGroup.Do(key, func() (any, error) {
		page, err := c.host.ListRemoteSessions(ctx, kind, cwd, "")
		if err != nil {
			return nil, fmt.Errorf("sessions: list remote sessions: %w", err)
		}
		entries := c.mergeRemotePage(page)

		c.mu.Lock()
		c.remote = remoteBrowseState{
			kind:       kind,
			cwd:        cwd,
			entries:    entries,
			nextCursor: page.NextCursor,
		}
		c.mu.Unlock()

		return result{entries: entries, hasMore: page.NextCursor != ""}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(result)
	return res.entries, res.hasMore, nil
}

// LoadMoreRemoteSessions continues the cached listing from its cursor and
// returns the accumulated entries. A call for a different kind or directory,
// or with no pages left, behaves like a refresh.
func (c *Coordinator) LoadMoreRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd string) ([]RemoteSessionEntry, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("sessions: unsupported agent kind %q", kind)
	}

	c.mu.Lock()
	sameScope := c.remote.kind == kind && c.remote.cwd == cwd
	cursor := c.remote.nextCursor
	c.mu.Unlock()
	if !sameScope || cursor == "" {
		return c.RefreshRemoteSessions(ctx, kind, cwd)
	}

	type result struct {
		entries []RemoteSessionEntry
		hasMore bool
	}
	key := "more:" + string(kind) + ":" + cwd + ":" + cursor
	v, err, _ := c.remoteGroup.Do(key, func() (any, error) {
		page, err := c.host.ListRemoteSessions(ctx, kind, cwd, cursor)
		if err != nil {
			return nil, fmt.Errorf("sessions: list remote sessions: %w", err)
		}
		more := c.mergeRemotePage(page)

		c.mu.Lock()
		if c.remote.kind == kind && c.remote.cwd == cwd && c.remote.nextCursor == cursor {
			c.remote.entries = append(c.remote.entries, more...)
			c.remote.nextCursor = page.NextCursor
		}
		entries := make([]RemoteSessionEntry, len(c.remote.entries))
		copy(entries, c.remote.entries)
		hasMore := c.remote.nextCursor != ""
		c.mu.Unlock()

		return result{entries: entries, hasMore: hasMore}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(result)
	return res.entries, res.hasMore, nil
}

// mergeRemotePage converts a host page into entries, preferring locally
// persisted conversation titles over whatever the provider reports.
func (c *Coordinator) mergeRemotePage(page *hostrpc.RemoteSessionPage) []RemoteSessionEntry {
	byAgentID := make(map[string]persistence.AgentConversation)
	convs, err := c.store.GetAgentConversations(0, "")
	if err != nil {
		slog.Warn("Failed to load conversations for remote session merge", "error", err)
	}
	for _, conv := range convs {
		if conv.AgentSessionID != "" {
			byAgentID[conv.AgentSessionID] = conv
		}
	}

	entries := make([]RemoteSessionEntry, 0, len(page.Sessions))
	for _, rs := range page.Sessions {
		e := RemoteSessionEntry{
			SessionID: rs.SessionID,
			Title:     rs.Title,
			UpdatedAt: rs.UpdatedAt,
			Cwd:       rs.Cwd,
		}
		if conv, ok := byAgentID[rs.SessionID]; ok {
			e.ConversationID = conv.ID
			if conv.Title != "" {
				e.Title = conv.Title
			}
		}
		if e.Title == "" {
			e.Title = "Untitled session"
		}
		entries = append(entries, e)
	}
	return entries
}

// ResumeRemoteSession spawns a session that resumes a provider-side session.
// If a live session already carries that agent session id, it is focused
// instead of spawning a duplicate.
func (c *Coordinator) ResumeRemoteSession(ctx context.Context, kind hostrpc.AgentKind, cwd, agentSessionID, title string) (string, error) {
	if agentSessionID == "" {
		return "", fmt.Errorf("sessions: agent session id is required")
	}

	conversationID := ""
	if conv, err := c.store.GetAgentConversationByAgentSessionID(agentSessionID); err == nil && conv != nil {
		conversationID = conv.ID
		if conv.Title != "" {
			title = conv.Title
		}
	}

	c.mu.Lock()
	for id, st := range c.sessions {
		if st.AgentSessionID == agentSessionID ||
			(conversationID != "" && st.ConversationID == conversationID) {
			c.activeID = id
			c.mu.Unlock()
			c.notifyChanged(id)
			return id, nil
		}
	}
	c.mu.Unlock()

	return c.SpawnSession(ctx, SpawnOptions{
		Kind:                 kind,
		Cwd:                  cwd,
		ConversationID:       conversationID,
		Title:                title,
		ResumeAgentSessionID: agentSessionID,
	})
}

// ResumeAgentConversation reopens a persisted conversation: focus the live
// session if one exists, resume the provider session when the conversation
// carries a usable agent session id, and otherwise start fresh under the
// same conversation id.
func (c *Coordinator) ResumeAgentConversation(ctx context.Context, conversationID string) (string, error) {
	conv, err := c.store.GetAgentConversation(conversationID)
	if err != nil {
		return "", fmt.Errorf("sessions: load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return "", fmt.Errorf("sessions: conversation %s not found", conversationID)
	}

	c.mu.Lock()
	for id, st := range c.sessions {
		if st.ConversationID == conversationID {
			c.activeID = id
			c.mu.Unlock()
			c.notifyChanged(id)
			return id, nil
		}
	}
	c.mu.Unlock()

	kind := hostrpc.AgentKind(conv.AgentKind)
	if !kind.Valid() {
		return "", fmt.Errorf("sessions: conversation %s has unsupported agent kind %q", conversationID, conv.AgentKind)
	}

	base := SpawnOptions{
		Kind:           kind,
		Cwd:            conv.Cwd,
		ProjectRoot:    conv.ProjectRoot,
		ConversationID: conv.ID,
		Title:          conv.Title,
	}

	if conv.AgentSessionID == "" {
		return c.SpawnSession(ctx, base)
	}

	// Claude sessions recorded before session ids were normalized to UUIDs
	// cannot be resumed; surfacing that beats a confusing CLI error.
	if kind == hostrpc.AgentClaudeCode && uuid.Validate(conv.AgentSessionID) != nil {
		return "", fmt.Errorf("sessions: conversation %s predates resumable session ids; start a new session instead", conversationID)
	}

	resume := base
	resume.ResumeAgentSessionID = conv.AgentSessionID
	id, err := c.SpawnSession(ctx, resume)
	if err != nil && kind == hostrpc.AgentClaudeCode {
		slog.Warn("Resume failed, starting a fresh session in the same conversation",
			"conversationID", conversationID, "error", err)
		return c.SpawnSession(ctx, base)
	}
	return id, err
}

// Conversations lists persisted conversations, newest first. Limit 0 means
// no limit; cwd filters when non-empty.
func (c *Coordinator) Conversations(limit int, cwd string) ([]persistence.AgentConversation, error) {
	convs, err := c.store.GetAgentConversations(limit, cwd)
	if err != nil {
		return nil, fmt.Errorf("sessions: list conversations: %w", err)
	}
	return convs, nil
}
