package sessions

import "testing"

func TestIsDeadSessionError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Agent unresponsive after cancel request. Session will restart automatically.", true},
		{"Agent unresponsive after 5m of inactivity. Session will restart automatically.", true},
		{"Worker thread dropped", true},
		{"Session 'abc-123' not found", true},
		{"Session not initialized", true},
		{"Prompt cancelled by user", false},
		{"some random failure", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isDeadSessionError(tt.msg); got != tt.want {
			t.Errorf("isDeadSessionError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsUserCancellation(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Prompt cancelled by user", true},
		{"request canceled", true},
		{"Agent unresponsive after cancel request. Session will restart automatically.", false},
		{"some other error", false},
	}
	for _, tt := range tests {
		if got := isUserCancellation(tt.msg); got != tt.want {
			t.Errorf("isUserCancellation(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsPermissionTimeout(t *testing.T) {
	if !isPermissionTimeout("Permission request timed out") {
		t.Error("expected permission timeout match")
	}
	if isPermissionTimeout("Request timed out") {
		t.Error("unexpected permission timeout match")
	}
}

func TestIsSpuriousInitTimeout(t *testing.T) {
	if !isSpuriousInitTimeout("Agent initialization timed out after 30 seconds") {
		t.Error("expected init timeout match")
	}
	if isSpuriousInitTimeout("Agent unresponsive after 30 seconds") {
		t.Error("unexpected init timeout match")
	}
}

func TestIsTransientInitCrash(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"spawn agent: process killed by signal SIGKILL", true},
		{"agent exited unexpectedly during startup", true},
		{"terminated by signal", true},
		{"sigsegv in native module", true},
		{"invalid API key", false},
		{"claude-code CLI is not installed", false},
	}
	for _, tt := range tests {
		if got := isTransientInitCrash(tt.msg); got != tt.want {
			t.Errorf("isTransientInitCrash(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsAuthFailureText(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Invalid API key · Please run /login", true},
		{"You are not logged in", true},
		{"OAuth token has expired", true},
		{"API Error: 401 authentication_error", true},
		{"everything is fine", false},
	}
	for _, tt := range tests {
		if got := isAuthFailureText(tt.msg); got != tt.want {
			t.Errorf("isAuthFailureText(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsPromptTooLong(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Error: Prompt is too long", true},
		{"input length and max_tokens exceed context limit", true},
		{"context_length_exceeded", true},
		{"prompt looks fine", false},
	}
	for _, tt := range tests {
		if got := isPromptTooLong(tt.msg); got != tt.want {
			t.Errorf("isPromptTooLong(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Claude AI usage limit reached|1755907200", true},
		{"API Error: 429 rate_limit_error", true},
		{"server overloaded, try again later", true},
		{"all good", false},
	}
	for _, tt := range tests {
		if got := isRateLimited(tt.msg); got != tt.want {
			t.Errorf("isRateLimited(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsTimeoutSentinel(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Request timed out", true},
		{"  Request timed out\n", true},
		{"API Error: Request timed out.", true},
		{"The request timed out on our side", false},
		{"Request timed out while reading the config", false},
	}
	for _, tt := range tests {
		if got := isTimeoutSentinel(tt.msg); got != tt.want {
			t.Errorf("isTimeoutSentinel(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
