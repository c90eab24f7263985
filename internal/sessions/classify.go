package sessions

import "strings"

// The agent host reports failures as human-readable text with no structured
// codes, so classification matches on substrings of that text. The patterns
// mirror the host's exact wording; a wording change on the host side is a
// contract break, not something to compensate for here.

// isDeadSessionError matches failures that mean the host-side session is
// gone and a respawn is the only way forward.
func isDeadSessionError(msg string) bool {
	m := strings.ToLower(msg)
	if strings.Contains(m, "unresponsive") {
		return true
	}
	if strings.Contains(m, "worker thread dropped") {
		return true
	}
	if strings.Contains(m, "session") && strings.Contains(m, "not found") {
		return true
	}
	return strings.Contains(m, "session not initialized")
}

// isUserCancellation matches the host's report of a user-initiated cancel.
// The unresponsive-after-cancel restart message is excluded: that one means
// the session is dead.
func isUserCancellation(msg string) bool {
	m := strings.ToLower(msg)
	if strings.Contains(m, "unresponsive") {
		return false
	}
	return strings.Contains(m, "cancelled") || strings.Contains(m, "canceled")
}

// isUnresponsiveBanner matches the error banners the host injects when it
// force-restarts an unresponsive agent. Recovery strips these from the
// preserved transcript so a respawn does not duplicate them.
func isUnresponsiveBanner(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "unresponsive")
}

// isPermissionTimeout matches the host's server-side permission expiry.
func isPermissionTimeout(msg string) bool {
	return strings.Contains(msg, "Permission request timed out")
}

// isSpuriousInitTimeout matches the host's 30s init watchdog. The agent
// frequently comes up right after it fires, so the message is suppressed
// rather than surfaced.
func isSpuriousInitTimeout(msg string) bool {
	return strings.Contains(msg, "Agent initialization timed out after 30 seconds")
}

// isTransientInitCrash matches startup crashes of the claude-code CLI that
// resolve on a clean retry.
func isTransientInitCrash(msg string) bool {
	m := strings.ToLower(msg)
	for _, pattern := range []string{
		"sigkill",
		"sigterm",
		"sigsegv",
		"sigabrt",
		"killed by signal",
		"terminated by signal",
		"exited unexpectedly",
		"abnormal termination",
	} {
		if strings.Contains(m, pattern) {
			return true
		}
	}
	return false
}

// isAuthFailureText matches provider authentication failures. Callers
// classifying streamed assistant text should bound the text length first;
// long prose that merely mentions a status code is not an auth failure.
func isAuthFailureText(msg string) bool {
	m := strings.ToLower(msg)
	for _, pattern := range []string{
		"invalid api key",
		"please run /login",
		"not logged in",
		"oauth token has expired",
		"401",
		"authentication_error",
	} {
		if strings.Contains(m, pattern) {
			return true
		}
	}
	return false
}

// isPromptTooLong matches provider context-overflow failures.
func isPromptTooLong(msg string) bool {
	m := strings.ToLower(msg)
	for _, pattern := range []string{
		"prompt is too long",
		"context length",
		"context_length_exceeded",
		"input length and max_tokens exceed context limit",
	} {
		if strings.Contains(m, pattern) {
			return true
		}
	}
	return false
}

// isRateLimited matches provider rate-limit and overload failures.
func isRateLimited(msg string) bool {
	m := strings.ToLower(msg)
	for _, pattern := range []string{
		"usage limit reached",
		"rate limit",
		"429",
		"rate_limit_error",
		"overloaded",
	} {
		if strings.Contains(m, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutSentinel matches provider timeout text that some backends emit
// as if it were a normal assistant reply. Such text is redirected to the
// session error instead of the transcript.
func isTimeoutSentinel(text string) bool {
	t := strings.TrimSpace(text)
	return t == "Request timed out" || strings.HasPrefix(t, "API Error: Request timed out")
}
