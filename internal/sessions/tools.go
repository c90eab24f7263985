package sessions

import (
	"log/slog"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
)

// handleToolCallLocked appends a tool message and tracks the call as in
// flight. Streamed prose commits first so the tool card lands after the
// text that chronologically preceded it. Duplicate tool call ids are
// ignored.
func (c *Coordinator) handleToolCallLocked(st *sessionState, ev *hostrpc.ToolCallEvent) {
	c.finalizeStreamingLocked(st)

	if _, exists := st.toolMsgIdx[ev.ToolCallID]; exists {
		slog.Debug("Ignoring duplicate tool call", "sessionID", st.ID, "toolCallID", ev.ToolCallID)
		return
	}

	state := toolStateFromHost(ev.Status)
	idx := st.appendMessageLocked(Message{
		Kind:      MessageTool,
		Timestamp: time.Now().UTC(),
		Tool: &ToolCallInfo{
			ToolCallID: ev.ToolCallID,
			Title:      ev.Title,
			Kind:       ev.Kind,
			State:      state,
			Parameters: ev.Parameters,
		},
	})
	st.toolMsgIdx[ev.ToolCallID] = idx
	if !state.Terminal() {
		st.pendingTools[ev.ToolCallID] = struct{}{}
	}
}

// handleToolResultLocked updates the tracked tool message in place and
// removes the call from the in-flight set when it reaches a terminal state.
func (c *Coordinator) handleToolResultLocked(st *sessionState, ev *hostrpc.ToolResultEvent) {
	idx, ok := st.toolMsgIdx[ev.ToolCallID]
	if !ok {
		slog.Debug("Tool result for unknown call", "sessionID", st.ID, "toolCallID", ev.ToolCallID)
		return
	}

	tool := st.Messages[idx].Tool
	if tool.State.Terminal() {
		return
	}
	tool.State = toolStateFromHost(ev.Status)
	if ev.Result != "" {
		tool.Result = ev.Result
	}
	if ev.Error != "" {
		tool.Error = ev.Error
		tool.State = ToolFailed
	}
	if tool.State.Terminal() {
		delete(st.pendingTools, ev.ToolCallID)
	}
}

// handleDiffLocked coalesces streamed diff revisions: a revision for an
// already-seen (toolCallId, path) pair replaces that message's payload in
// place, keeping one timeline entry per edited file per call.
func (c *Coordinator) handleDiffLocked(st *sessionState, ev *hostrpc.DiffEvent) {
	added, deleted := diffLineStats(ev.OldText, ev.NewText)
	info := &DiffInfo{
		ToolCallID:   ev.ToolCallID,
		Path:         ev.Path,
		OldText:      ev.OldText,
		NewText:      ev.NewText,
		LinesAdded:   added,
		LinesDeleted: deleted,
	}

	key := diffKey{ev.ToolCallID, ev.Path}
	if idx, ok := st.diffMsgIdx[key]; ok {
		st.Messages[idx].Diff = info
		return
	}
	idx := st.appendMessageLocked(Message{
		Kind:      MessageDiff,
		Timestamp: time.Now().UTC(),
		Diff:      info,
	})
	st.diffMsgIdx[key] = idx
}

// forceCompleteToolsLocked marks every in-flight tool call completed. A
// turn boundary is the authoritative everything-is-done signal; some tool
// invocations never emit an explicit terminal event.
func (c *Coordinator) forceCompleteToolsLocked(st *sessionState) {
	for id := range st.pendingTools {
		if idx, ok := st.toolMsgIdx[id]; ok {
			tool := st.Messages[idx].Tool
			if !tool.State.Terminal() {
				tool.State = ToolCompleted
			}
		}
		delete(st.pendingTools, id)
	}
}

// diffLineStats counts added and deleted lines between two versions of a
// file using a line-granular diff.
func diffLineStats(oldText, newText string) (added, deleted int) {
	if oldText == newText {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += segmentLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += segmentLines(d.Text)
		}
	}
	return added, deleted
}

func segmentLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
