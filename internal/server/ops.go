package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/sessions"
)

// opRequest is one UI operation. ID correlates the response; pushes carry no
// ID.
type opRequest struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type opResponse struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) respond(cli *client, resp opResponse) {
	frame, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal op response", "id", resp.ID, "error", err)
		return
	}
	if !cli.enqueue(frame) {
		cli.close()
	}
}

func (s *Server) respondError(cli *client, id, message string) {
	s.respond(cli, opResponse{ID: id, OK: false, Error: message})
}

func (s *Server) dispatch(ctx context.Context, cli *client, req opRequest) {
	coord := s.coordinator()
	if coord == nil {
		s.respondError(cli, req.ID, "coordinator not ready")
		return
	}

	result, err := s.handleOp(ctx, coord, req)
	if err != nil {
		s.respondError(cli, req.ID, err.Error())
		return
	}
	s.respond(cli, opResponse{ID: req.ID, OK: true, Result: result})
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type spawnParams struct {
	Kind                 string `json:"kind"`
	Cwd                  string `json:"cwd"`
	ProjectRoot          string `json:"projectRoot,omitempty"`
	ConversationID       string `json:"conversationId,omitempty"`
	Title                string `json:"title,omitempty"`
	ResumeAgentSessionID string `json:"resumeAgentSessionId,omitempty"`
	SandboxMode          string `json:"sandboxMode,omitempty"`
	LongRunning          bool   `json:"longRunning,omitempty"`
}

type promptParams struct {
	SessionID    string            `json:"sessionId"`
	Text         string            `json:"text"`
	ContextItems []json.RawMessage `json:"contextItems,omitempty"`
}

type permissionModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type modelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type configOptionParams struct {
	SessionID string `json:"sessionId"`
	ConfigID  string `json:"configId"`
	ValueID   string `json:"valueId"`
}

type permissionResponseParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`
}

type diffResponseParams struct {
	SessionID  string `json:"sessionId"`
	ProposalID string `json:"proposalId"`
	Accepted   bool   `json:"accepted"`
}

type remoteListParams struct {
	Kind string `json:"kind"`
	Cwd  string `json:"cwd"`
}

type resumeRemoteParams struct {
	Kind           string `json:"kind"`
	Cwd            string `json:"cwd"`
	AgentSessionID string `json:"agentSessionId"`
	Title          string `json:"title,omitempty"`
}

type resumeConversationParams struct {
	ConversationID string `json:"conversationId"`
}

type listConversationsParams struct {
	Limit int    `json:"limit,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

type updateCwdParams struct {
	SessionID   string `json:"sessionId"`
	Cwd         string `json:"cwd"`
	ProjectRoot string `json:"projectRoot,omitempty"`
}

type installParams struct {
	Kind string `json:"kind"`
}

func (s *Server) handleOp(ctx context.Context, coord Coordinator, req opRequest) (any, error) {
	switch req.Op {
	case "ping":
		return "pong", nil

	case "spawnSession":
		var p spawnParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := coord.SpawnSession(ctx, sessions.SpawnOptions{
			Kind:                 hostrpc.AgentKind(p.Kind),
			Cwd:                  p.Cwd,
			ProjectRoot:          p.ProjectRoot,
			ConversationID:       p.ConversationID,
			Title:                p.Title,
			ResumeAgentSessionID: p.ResumeAgentSessionID,
			SandboxMode:          p.SandboxMode,
			LongRunning:          p.LongRunning,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": id}, nil

	case "sendPrompt":
		var p promptParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		// The returned id can differ from the requested one when the
		// session was respawned mid-prompt.
		id, err := coord.SendPrompt(ctx, p.SessionID, p.Text, p.ContextItems)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": id}, nil

	case "cancelPrompt":
		var p sessionIDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.CancelPrompt(ctx, p.SessionID)

	case "setPermissionMode":
		var p permissionModeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.SetPermissionMode(ctx, p.SessionID, p.ModeID)

	case "setModel":
		var p modelParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.SetModel(ctx, p.SessionID, p.ModelID)

	case "setConfigOption":
		var p configOptionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.SetConfigOption(ctx, p.SessionID, p.ConfigID, p.ValueID)

	case "respondToPermission":
		var p permissionResponseParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.RespondToPermission(ctx, p.SessionID, p.RequestID, p.OptionID)

	case "dismissPermission":
		var p permissionResponseParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.DismissPermission(p.SessionID, p.RequestID)

	case "respondToDiffProposal":
		var p diffResponseParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.RespondToDiffProposal(ctx, p.SessionID, p.ProposalID, p.Accepted)

	case "terminateSession":
		var p sessionIDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		coord.TerminateSession(ctx, p.SessionID)
		return nil, nil

	case "setActiveSession":
		var p sessionIDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		coord.SetActiveSession(p.SessionID)
		return nil, nil

	case "getSession":
		var p sessionIDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		snap, ok := coord.Get(p.SessionID)
		if !ok {
			return nil, fmt.Errorf("session %s not found", p.SessionID)
		}
		return snap, nil

	case "listSessions":
		return map[string]any{
			"sessions":        coord.List(),
			"activeSessionId": coord.ActiveSessionID(),
		}, nil

	case "refreshRemoteSessions":
		var p remoteListParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		entries, hasMore, err := coord.RefreshRemoteSessions(ctx, hostrpc.AgentKind(p.Kind), p.Cwd)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries, "hasMore": hasMore}, nil

	case "loadMoreRemoteSessions":
		var p remoteListParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		entries, hasMore, err := coord.LoadMoreRemoteSessions(ctx, hostrpc.AgentKind(p.Kind), p.Cwd)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries, "hasMore": hasMore}, nil

	case "resumeRemoteSession":
		var p resumeRemoteParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := coord.ResumeRemoteSession(ctx, hostrpc.AgentKind(p.Kind), p.Cwd, p.AgentSessionID, p.Title)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": id}, nil

	case "resumeConversation":
		var p resumeConversationParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := coord.ResumeAgentConversation(ctx, p.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": id}, nil

	case "listConversations":
		var p listConversationsParams
		if len(req.Params) > 0 {
			if err := decodeParams(req.Params, &p); err != nil {
				return nil, err
			}
		}
		convs, err := coord.Conversations(p.Limit, p.Cwd)
		if err != nil {
			return nil, err
		}
		return map[string]any{"conversations": convs}, nil

	case "updateCwd":
		var p updateCwdParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.UpdateCwd(p.SessionID, p.Cwd, p.ProjectRoot)

	case "acceptRateLimitFallback":
		var p sessionIDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.AcceptRateLimitFallback(p.SessionID)

	case "dismissRateLimitPrompt":
		var p sessionIDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, coord.DismissRateLimitPrompt(p.SessionID)

	case "installAgentCli":
		var p installParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		dir, err := coord.InstallAgentCLI(ctx, hostrpc.AgentKind(p.Kind))
		if err != nil {
			return nil, err
		}
		return map[string]string{"installDir": dir}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}
