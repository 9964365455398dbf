// ABOUTME: Gates whether the assistant responds to a room message
// ABOUTME: Cheap heuristics first, then an injected classifier; fails open

package decision

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cognilab/cogni-relay/internal/room"
)

// Verdict is the engine's decision for one message.
type Verdict struct {
	Respond    bool
	Confidence int // 0..100
	Reasoning  string
}

// Classifier is the injected classification capability consulted when the
// heuristics don't decide. Implementations typically call a language model.
type Classifier interface {
	ShouldRespond(ctx context.Context, text string, history []room.Message) (Verdict, error)
}

// interrogativePattern matches messages opening with a question word, the
// strongest cheap signal that a reply is wanted.
var interrogativePattern = regexp.MustCompile(`^(what|who|when|where|why|how|can|could|would|will|should|is|are|do|does|did)\b`)

// Engine decides whether the assistant should reply to a message.
//
// Policy, in order: explicit address (assistant name, any case) or a leading
// interrogative word answers immediately with full confidence; the first
// message in an empty room always gets a reply; everything else goes to the
// classifier. Classifier failure fails open (respond with zero confidence),
// favoring availability over precision.
type Engine struct {
	name       string // assistant display name, matched case-insensitively
	classifier Classifier
	logger     *slog.Logger
}

// NewEngine creates a decision engine. classifier may be nil, in which case
// non-heuristic messages fail open.
func NewEngine(assistantName string, classifier Classifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		name:       strings.ToLower(assistantName),
		classifier: classifier,
		logger:     logger.With("component", "decision"),
	}
}

// Evaluate returns the verdict for a new message given the room history the
// message arrived into. History entries flagged Status are ignored.
func (e *Engine) Evaluate(ctx context.Context, msg room.Message, history []room.Message) Verdict {
	lower := strings.ToLower(msg.Text)

	if strings.Contains(lower, e.name) || interrogativePattern.MatchString(lower) {
		return Verdict{Respond: true, Confidence: 100, Reasoning: "heuristic match"}
	}

	if emptyHistory(history, msg.ID) {
		return Verdict{Respond: true, Confidence: 100, Reasoning: "first message in room"}
	}

	if e.classifier == nil {
		return failOpen("no classifier configured")
	}

	verdict, err := e.classifier.ShouldRespond(ctx, msg.Text, history)
	if err != nil {
		e.logger.Warn("classifier failed, responding anyway", "error", err)
		return failOpen("classifier error")
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 100 {
		verdict.Confidence = 100
	}
	return verdict
}

// failOpen is the availability-over-precision default when classification
// is unavailable.
func failOpen(reason string) Verdict {
	return Verdict{Respond: true, Confidence: 0, Reasoning: reason}
}

// emptyHistory reports whether the room had no prior conversation. The
// triggering message itself and ephemeral status entries don't count.
func emptyHistory(history []room.Message, triggerID string) bool {
	for _, m := range history {
		if m.Status || m.System {
			continue
		}
		if m.ID == triggerID {
			continue
		}
		return false
	}
	return true
}
