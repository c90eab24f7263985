package sessions

import (
	"strings"
	"sync"
	"time"
)

// chunkAggregator accumulates streamed text fragments outside the
// coordinator lock so fast token streams never contend with event dispatch.
// A debounced flush timer per session is the only bridge back into session
// state. Lock order: the coordinator lock may be held while taking bufMu,
// never the reverse.
type chunkAggregator struct {
	interval time.Duration
	flush    func(sessionID, text, thought string, textAt, thoughtAt time.Time)

	bufMu   sync.Mutex
	buffers map[string]*chunkBuffer
}

type chunkBuffer struct {
	text      strings.Builder
	thought   strings.Builder
	textAt    time.Time
	thoughtAt time.Time
	timer     *time.Timer
}

func newChunkAggregator(interval time.Duration, flush func(sessionID, text, thought string, textAt, thoughtAt time.Time)) *chunkAggregator {
	return &chunkAggregator{
		interval: interval,
		flush:    flush,
		buffers:  make(map[string]*chunkBuffer),
	}
}

// append adds one fragment and arms the flush timer if none is pending.
// The first fragment after a buffer empties records its arrival time; that
// becomes the streaming field's timestamp at flush.
func (a *chunkAggregator) append(sessionID, text string, isThought bool, at time.Time) {
	if text == "" {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	a.bufMu.Lock()
	b, ok := a.buffers[sessionID]
	if !ok {
		b = &chunkBuffer{}
		a.buffers[sessionID] = b
	}
	if isThought {
		if b.thought.Len() == 0 {
			b.thoughtAt = at
		}
		b.thought.WriteString(text)
	} else {
		if b.text.Len() == 0 {
			b.textAt = at
		}
		b.text.WriteString(text)
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(a.interval, func() { a.flushSession(sessionID) })
	}
	a.bufMu.Unlock()
}

// flushSession moves the session's buffered text through the flush bridge.
// An empty buffer is a no-op; a non-empty buffer transfers its content
// exactly once.
func (a *chunkAggregator) flushSession(sessionID string) {
	text, thought, textAt, thoughtAt := a.take(sessionID)
	if text == "" && thought == "" {
		return
	}
	a.flush(sessionID, text, thought, textAt, thoughtAt)
}

// take drains the session's buffer and disarms its timer without invoking
// the bridge. Used by finalization paths that already hold the coordinator
// lock.
func (a *chunkAggregator) take(sessionID string) (text, thought string, textAt, thoughtAt time.Time) {
	a.bufMu.Lock()
	defer a.bufMu.Unlock()

	b, ok := a.buffers[sessionID]
	if !ok {
		return "", "", time.Time{}, time.Time{}
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	text, thought = b.text.String(), b.thought.String()
	textAt, thoughtAt = b.textAt, b.thoughtAt
	b.text.Reset()
	b.thought.Reset()
	b.textAt, b.thoughtAt = time.Time{}, time.Time{}
	return text, thought, textAt, thoughtAt
}

// drop discards the session's buffer entirely.
func (a *chunkAggregator) drop(sessionID string) {
	a.bufMu.Lock()
	defer a.bufMu.Unlock()
	if b, ok := a.buffers[sessionID]; ok && b.timer != nil {
		b.timer.Stop()
	}
	delete(a.buffers, sessionID)
}

// applyChunkFlush is the aggregator's bridge into session state: it copies
// drained buffer content into the streaming fields under the coordinator
// lock.
func (c *Coordinator) applyChunkFlush(sessionID, text, thought string, textAt, thoughtAt time.Time) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if ok {
		applyStreamLocked(st, text, thought, textAt, thoughtAt)
	}
	c.mu.Unlock()
	if ok {
		c.notifyChanged(sessionID)
	}
}

// applyStreamLocked appends drained text to the streaming fields, setting
// each field's timestamp only on its empty-to-non-empty transition.
func applyStreamLocked(st *sessionState, text, thought string, textAt, thoughtAt time.Time) {
	if thought != "" {
		if st.StreamingThought == "" {
			st.ThoughtStartedAt = thoughtAt
		}
		st.StreamingThought += thought
	}
	if text != "" {
		if st.StreamingText == "" {
			st.TextStartedAt = textAt
		}
		st.StreamingText += text
	}
}

// finalizeStreamingLocked commits streamed text into the transcript: any
// pending buffered fragments are drained first, then the thought field
// becomes a thought message and the content field an assistant message, in
// that order. Assistant text matching a provider anomaly is redirected
// instead of appended.
func (c *Coordinator) finalizeStreamingLocked(st *sessionState) {
	text, thought, textAt, thoughtAt := c.chunks.take(st.ID)
	applyStreamLocked(st, text, thought, textAt, thoughtAt)

	now := time.Now().UTC()

	if st.StreamingThought != "" {
		startedAt := st.ThoughtStartedAt
		if startedAt.IsZero() {
			startedAt = now
		}
		st.appendMessageLocked(Message{
			Kind:       MessageThought,
			Content:    st.StreamingThought,
			Timestamp:  startedAt,
			DurationMS: now.Sub(startedAt).Milliseconds(),
		})
		st.StreamingThought = ""
		st.ThoughtStartedAt = time.Time{}
	}

	if st.StreamingText != "" {
		content := st.StreamingText
		startedAt := st.TextStartedAt
		if startedAt.IsZero() {
			startedAt = now
		}
		st.StreamingText = ""
		st.TextStartedAt = time.Time{}

		switch {
		case isTimeoutSentinel(content):
			// Some backends emit their timeout text as a normal reply.
			// Surface it as a session error, not a transcript entry, and
			// count the occurrence.
			st.ErrorMessage = content
			c.telemetry.ReportAnomaly("timeout sentinel surfaced as assistant content", "sessions", st.ID, map[string]any{
				"agentKind": string(st.Kind),
				"text":      content,
			})
		default:
			st.appendMessageLocked(Message{
				Kind:       MessageAssistant,
				Content:    content,
				Timestamp:  startedAt,
				DurationMS: now.Sub(startedAt).Milliseconds(),
			})
			if len(content) < 200 && isAuthFailureText(content) {
				st.ErrorMessage = content
			}
			if isPromptTooLong(content) {
				st.PromptTooLong = true
				c.scheduleHandoffLocked(st, HandoffPromptTooLong)
			}
		}
	}
}

// finalizeUserBufferLocked commits a buffered partial inbound user message.
// Runs before every non-user event so transcript order stays chronological.
func (c *Coordinator) finalizeUserBufferLocked(st *sessionState) {
	if st.pendingUserText == "" {
		return
	}
	ts := st.pendingUserAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	st.appendMessageLocked(Message{
		Kind:      MessageUser,
		Content:   st.pendingUserText,
		Timestamp: ts,
	})
	st.pendingUserText = ""
	st.pendingUserAt = time.Time{}
}
