package hostrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Command method names on the host RPC service.
const (
	methodSpawn               = "acp_spawn"
	methodPrompt              = "acp_prompt"
	methodCancel              = "acp_cancel"
	methodTerminate           = "acp_terminate"
	methodListSessions        = "acp_list_sessions"
	methodListRemoteSessions  = "acp_list_remote_sessions"
	methodSetPermissionMode   = "acp_set_permission_mode"
	methodSetModel            = "acp_set_model"
	methodSetConfigOption     = "acp_set_config_option"
	methodRespondPermission   = "acp_respond_to_permission"
	methodRespondDiffProposal = "acp_respond_to_diff_proposal"
	methodCheckAgentAvailable = "acp_check_agent_available"
	methodEnsureClaudeCLI     = "acp_ensure_claude_cli"
	methodEnsureCodexCLI      = "acp_ensure_codex_cli"
	methodSubscribeEvents     = "acp_subscribe_events"
	methodUnsubscribeEvents   = "acp_unsubscribe_events"
)

// SpawnRequest starts a new agent session. LocalSessionID lets the caller
// pick the session id so events can be correlated before the response
// arrives; the host generates one when it is empty. ResumeAgentSessionID
// resumes an existing agent-side session. Nil optionals take host defaults.
type SpawnRequest struct {
	AgentKind            AgentKind `json:"agentType"`
	Cwd                  string    `json:"cwd"`
	LocalSessionID       string    `json:"localSessionId,omitempty"`
	ResumeAgentSessionID string    `json:"resumeAgentSessionId,omitempty"`
	SandboxMode          string    `json:"sandboxMode,omitempty"`
	APIKey               string    `json:"apiKey,omitempty"`
	ApprovalPolicy       string    `json:"approvalPolicy,omitempty"`
	SearchEnabled        *bool     `json:"searchEnabled,omitempty"`
	NetworkEnabled       *bool     `json:"networkEnabled,omitempty"`
	TimeoutSecs          *int64    `json:"timeoutSecs,omitempty"`
}

// SessionInfo describes a host-side session. TimeoutSecs nil means the
// prompt deadline is unlimited.
type SessionInfo struct {
	ID          string    `json:"id"`
	AgentKind   AgentKind `json:"agentType"`
	Cwd         string    `json:"cwd"`
	Status      string    `json:"status"`
	CreatedAt   string    `json:"createdAt"`
	TimeoutSecs *int64    `json:"timeoutSecs,omitempty"`
}

// RemoteSession is one entry of the agent's own session index.
type RemoteSession struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Title     string `json:"title,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// RemoteSessionPage is one page of remote sessions. An empty NextCursor
// means the listing is exhausted.
type RemoteSessionPage struct {
	Sessions   []RemoteSession `json:"sessions"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    string            `json:"prompt"`
	Context   []json.RawMessage `json:"context,omitempty"`
}

type setPermissionModeParams struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type setConfigOptionParams struct {
	SessionID string `json:"sessionId"`
	ConfigID  string `json:"configId"`
	ValueID   string `json:"valueId"`
}

type respondPermissionParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId"`
}

type respondDiffProposalParams struct {
	SessionID  string `json:"sessionId"`
	ProposalID string `json:"proposalId"`
	Accepted   bool   `json:"accepted"`
}

type listRemoteSessionsParams struct {
	AgentKind AgentKind `json:"agentType"`
	Cwd       string    `json:"cwd"`
	Cursor    string    `json:"cursor,omitempty"`
}

type agentKindParams struct {
	AgentKind AgentKind `json:"agentType"`
}

// Spawn starts an agent session. It returns once the host has accepted the
// session; readiness arrives later as a sessionStatus event.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.callShort(ctx, methodSpawn, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Prompt submits one user prompt and blocks until the turn finishes or
// fails. No client-side deadline: the host enforces the prompt timeout and
// reports overruns through its error text.
func (c *Client) Prompt(ctx context.Context, sessionID, prompt string, contextItems []json.RawMessage) error {
	return c.call(ctx, methodPrompt, promptParams{SessionID: sessionID, Prompt: prompt, Context: contextItems}, nil)
}

// Cancel requests a best-effort stop of the in-flight prompt. The outcome
// arrives asynchronously as an error or promptComplete event.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.callShort(ctx, methodCancel, sessionParams{SessionID: sessionID}, nil)
}

// Terminate tears the host-side session down.
func (c *Client) Terminate(ctx context.Context, sessionID string) error {
	return c.callShort(ctx, methodTerminate, sessionParams{SessionID: sessionID}, nil)
}

// ListSessions returns the host's live session table.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var infos []SessionInfo
	if err := c.callShort(ctx, methodListSessions, struct{}{}, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// ListRemoteSessions fetches one page of the agent's own session index for
// a working directory.
func (c *Client) ListRemoteSessions(ctx context.Context, kind AgentKind, cwd, cursor string) (*RemoteSessionPage, error) {
	var page RemoteSessionPage
	err := c.callShort(ctx, methodListRemoteSessions,
		listRemoteSessionsParams{AgentKind: kind, Cwd: cwd, Cursor: cursor}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SetPermissionMode switches the session's permission mode.
func (c *Client) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	return c.callShort(ctx, methodSetPermissionMode, setPermissionModeParams{SessionID: sessionID, Mode: mode}, nil)
}

// SetModel switches the session's model. The host may queue the change
// until the current prompt finishes.
func (c *Client) SetModel(ctx context.Context, sessionID, modelID string) error {
	return c.callShort(ctx, methodSetModel, setModelParams{SessionID: sessionID, ModelID: modelID}, nil)
}

// SetConfigOption sets one agent-advertised config option.
func (c *Client) SetConfigOption(ctx context.Context, sessionID, configID, valueID string) error {
	return c.callShort(ctx, methodSetConfigOption,
		setConfigOptionParams{SessionID: sessionID, ConfigID: configID, ValueID: valueID}, nil)
}

// RespondToPermission answers a pending permission request with the chosen
// option id.
func (c *Client) RespondToPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	return c.callShort(ctx, methodRespondPermission,
		respondPermissionParams{SessionID: sessionID, RequestID: requestID, OptionID: optionID}, nil)
}

// RespondToDiffProposal answers a pending file-write proposal.
func (c *Client) RespondToDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	return c.callShort(ctx, methodRespondDiffProposal,
		respondDiffProposalParams{SessionID: sessionID, ProposalID: proposalID, Accepted: accepted}, nil)
}

// CheckAgentAvailable reports whether the backend binary is installed.
func (c *Client) CheckAgentAvailable(ctx context.Context, kind AgentKind) (bool, error) {
	var available bool
	if err := c.callShort(ctx, methodCheckAgentAvailable, agentKindParams{AgentKind: kind}, &available); err != nil {
		return false, err
	}
	return available, nil
}

// EnsureCLI installs or updates the backend CLI, returning the directory
// holding its binary. Progress streams back as installProgress events. No
// client-side deadline: installs legitimately take minutes.
func (c *Client) EnsureCLI(ctx context.Context, kind AgentKind) (string, error) {
	var method string
	switch kind {
	case AgentClaudeCode:
		method = methodEnsureClaudeCLI
	case AgentCodex:
		method = methodEnsureCodexCLI
	default:
		return "", fmt.Errorf("unknown agent kind %q", kind)
	}
	var dir string
	if err := c.call(ctx, method, struct{}{}, &dir); err != nil {
		return "", err
	}
	return dir, nil
}

// SubscribeEvents installs fn as the event handler and asks the host to
// start streaming events over this connection.
func (c *Client) SubscribeEvents(ctx context.Context, fn func(Event)) error {
	c.SetEventHandler(fn)
	if err := c.callShort(ctx, methodSubscribeEvents, struct{}{}, nil); err != nil {
		c.SetEventHandler(nil)
		return err
	}
	return nil
}

// UnsubscribeEvents stops the host event stream and clears the handler.
func (c *Client) UnsubscribeEvents(ctx context.Context) error {
	err := c.callShort(ctx, methodUnsubscribeEvents, struct{}{}, nil)
	c.SetEventHandler(nil)
	return err
}
