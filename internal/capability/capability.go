// ABOUTME: Shared types for the injected model capabilities
// ABOUTME: Streaming output is a finite, non-restartable sequence of deltas

package capability

// Turn is one role-tagged message of an assembled prompt.
type Turn struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// GenerateRequest is a streaming text completion request.
type GenerateRequest struct {
	System      string
	Turns       []Turn // prior conversation, role-tagged
	Query       string // the current user turn
	MaxTokens   int
	Temperature float64
}

// Delta is one increment of a streaming completion. A non-nil Err signals a
// mid-stream failure; the channel is closed afterwards. The stream is finite
// and cannot be restarted.
type Delta struct {
	Text string
	Err  error
}
