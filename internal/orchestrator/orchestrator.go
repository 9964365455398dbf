// ABOUTME: Drives the assistant pipeline: decide, route, search, generate, deliver
// ABOUTME: One job per room at a time; failures deliver an apology, never silence

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cognilab/cogni-relay/internal/capability"
	"github.com/cognilab/cogni-relay/internal/decision"
	"github.com/cognilab/cogni-relay/internal/persona"
	"github.com/cognilab/cogni-relay/internal/registry"
	"github.com/cognilab/cogni-relay/internal/relay"
	"github.com/cognilab/cogni-relay/internal/room"
	"github.com/cognilab/cogni-relay/internal/search"
	"github.com/cognilab/cogni-relay/internal/taskrouter"
)

// Generator is the injected streaming text generation capability.
type Generator interface {
	Generate(ctx context.Context, req *capability.GenerateRequest) (<-chan capability.Delta, error)
}

// Config holds the orchestrator's tuning knobs.
type Config struct {
	Persona *persona.Persona

	// HistoryWindow is how many prior turns prompt assembly includes.
	HistoryWindow int

	// HistoryCap bounds the snapshot taken when a trigger is created.
	HistoryCap int

	// ImmediateConfidence and MinimumConfidence split decisions into
	// immediate, delayed, and skipped tiers.
	ImmediateConfidence int
	MinimumConfidence   int

	// MediumDelay is the pause before a medium-confidence reply starts.
	MediumDelay time.Duration
}

// Orchestrator runs generation jobs. A job passes through decide, route,
// optionally search, then generate; at most one job is active per room, with
// later triggers queued FIFO. A job that outlives its room finishes against
// retained state and releases it afterwards.
type Orchestrator struct {
	registry  *registry.Registry
	rooms     *room.Store
	relay     *relay.Relay
	engine    *decision.Engine
	router    *taskrouter.Router
	augmenter *search.Augmenter
	generator Generator

	persona             *persona.Persona
	historyWindow       int
	historyCap          int
	immediateConfidence int
	minimumConfidence   int
	mediumDelay         time.Duration

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an orchestrator. generator may be nil, in which case every job
// fails over to the apology message. Pass nil logger for default.
func New(
	reg *registry.Registry,
	rooms *room.Store,
	rel *relay.Relay,
	engine *decision.Engine,
	router *taskrouter.Router,
	augmenter *search.Augmenter,
	generator Generator,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	p := cfg.Persona
	if p == nil {
		p = persona.Default()
	}
	historyWindow := cfg.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = 5
	}
	historyCap := cfg.HistoryCap
	if historyCap <= 0 {
		historyCap = room.DefaultHistoryCap
	}
	immediate := cfg.ImmediateConfidence
	if immediate <= 0 {
		immediate = 70
	}
	minimum := cfg.MinimumConfidence
	if minimum <= 0 {
		minimum = 40
	}
	delay := cfg.MediumDelay
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	return &Orchestrator{
		registry:            reg,
		rooms:               rooms,
		relay:               rel,
		engine:              engine,
		router:              router,
		augmenter:           augmenter,
		generator:           generator,
		persona:             p,
		historyWindow:       historyWindow,
		historyCap:          historyCap,
		immediateConfidence: immediate,
		minimumConfidence:   minimum,
		mediumDelay:         delay,
		logger:              logger.With("component", "orchestrator"),
	}
}

// HandleMessage considers a freshly relayed human message as a generation
// trigger. The room history is snapshotted now, so a trigger that waits in
// the queue is still evaluated against the context its message arrived in.
// Never blocks: the job runs on its own goroutine, detached from the
// sender's request context.
func (o *Orchestrator) HandleMessage(ctx context.Context, roomID string, msg room.Message) {
	trigger := &room.Trigger{
		Message:    msg,
		History:    o.rooms.Recent(roomID, o.historyCap),
		EnqueuedAt: time.Now(),
	}

	// Each trigger retains the room so a job can deliver into a room whose
	// last participant disconnected mid-generation.
	o.registry.Retain(roomID)

	if !o.rooms.TryAcquireJob(roomID, trigger) {
		return
	}

	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), roomID, trigger)
}

// Wait blocks until all in-flight jobs have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run executes one generation job holding the room's lock. The lock is
// released in finish on every path out.
func (o *Orchestrator) run(ctx context.Context, roomID string, trigger *room.Trigger) {
	defer o.wg.Done()
	defer o.finish(ctx, roomID)

	text := trigger.Message.Text
	logger := o.logger.With("room", roomID, "message_id", trigger.Message.ID)

	verdict := o.engine.Evaluate(ctx, trigger.Message, trigger.History)
	logger.Debug("decision",
		"respond", verdict.Respond,
		"confidence", verdict.Confidence,
		"reasoning", verdict.Reasoning)

	if !verdict.Respond {
		return
	}
	if verdict.Confidence < o.immediateConfidence {
		// Medium confidence replies pause briefly so the assistant doesn't
		// pounce on every message. Covers the low-confidence fail-open case
		// too: respond stays true, just not instantly.
		select {
		case <-time.After(o.mediumDelay):
		case <-ctx.Done():
			return
		}
	}

	// The thinking status goes out before routing: classification is a
	// capability call, and the room should see activity while it runs.
	o.publishStatus(roomID, relay.StateThinking, o.persona.Thinking)

	route := o.router.Route(ctx, text)
	logger.Debug("routed", "route", route)

	var aug search.Augmentation
	if route == taskrouter.RouteSearch {
		o.publishStatus(roomID, relay.StateSearching, o.persona.Searching)
		aug = o.augmenter.Augment(ctx, text)
	}

	req := o.buildRequest(trigger, route, aug)
	answer, err := o.generate(ctx, roomID, req)
	if err != nil {
		logger.Error("generation failed", "error", err)
		o.deliver(ctx, roomID, o.persona.Apology)
		return
	}

	if route == taskrouter.RouteSearch && !aug.Degraded {
		answer = appendSources(answer, aug.Sources)
	}
	o.deliver(ctx, roomID, answer)
}

// buildRequest assembles the prompt from the trigger's history snapshot.
// Ephemeral status entries and join/leave notices never reach the model.
func (o *Orchestrator) buildRequest(trigger *room.Trigger, route taskrouter.Route, aug search.Augmentation) *capability.GenerateRequest {
	system := o.persona.System
	if route == taskrouter.RouteSearch {
		system = o.persona.SearchSystem
	}

	turns := make([]capability.Turn, 0, o.historyWindow)
	for _, m := range trigger.History {
		if m.Status || m.System || m.ID == trigger.Message.ID {
			continue
		}
		if m.Automated {
			turns = append(turns, capability.Turn{Role: "assistant", Content: m.Text})
		} else {
			turns = append(turns, capability.Turn{Role: "user", Content: fmt.Sprintf("%s: %s", m.Sender, m.Text)})
		}
	}
	if len(turns) > o.historyWindow {
		turns = turns[len(turns)-o.historyWindow:]
	}

	query := fmt.Sprintf("%s: %s", trigger.Message.Sender, trigger.Message.Text)
	if route == taskrouter.RouteSearch {
		query = fmt.Sprintf("%s\n\nSearch context:\n%s", query, aug.ContextText)
	}

	return &capability.GenerateRequest{
		System: system,
		Turns:  turns,
		Query:  query,
	}
}

// generate streams a completion, publishing each delta under a single
// message ID, and returns the accumulated text. A mid-stream error discards
// the partial output.
func (o *Orchestrator) generate(ctx context.Context, roomID string, req *capability.GenerateRequest) (string, error) {
	if o.generator == nil {
		return "", fmt.Errorf("no generator configured")
	}

	ch, err := o.generator.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	var b strings.Builder
	for delta := range ch {
		if delta.Err != nil {
			return "", delta.Err
		}
		b.WriteString(delta.Text)
		o.relay.PublishDelta(roomID, messageID, delta.Text)
	}

	answer := strings.TrimSpace(b.String())
	if answer == "" {
		return "", fmt.Errorf("generation produced no output")
	}
	return answer, nil
}

// deliver relays the assistant's final (or apology) message to the room.
func (o *Orchestrator) deliver(ctx context.Context, roomID, text string) {
	_, err := o.relay.Relay(ctx, roomID, room.Message{
		ID:        uuid.NewString(),
		Sender:    o.persona.Name,
		Text:      text,
		Timestamp: time.Now(),
		Automated: true,
	}, "")
	if err != nil {
		o.logger.Warn("failed to deliver assistant message", "room", roomID, "error", err)
	}
}

// publishStatus broadcasts an ephemeral status entry. Status messages reach
// every connection but are excluded from prompts and the archive.
func (o *Orchestrator) publishStatus(roomID, state, text string) {
	o.relay.PublishStatus(roomID, state, room.Message{
		ID:        uuid.NewString(),
		Sender:    o.persona.Name,
		Text:      text,
		Timestamp: time.Now(),
		Automated: true,
		Status:    true,
	})
}

// finish releases the room's generation lock, starts the next queued trigger
// if any, and drops the trigger's retain. Ordering matters: the next
// trigger's own retain keeps the room alive past this job's release.
func (o *Orchestrator) finish(ctx context.Context, roomID string) {
	next := o.rooms.Release(roomID)
	if next != nil {
		o.wg.Add(1)
		go o.run(ctx, roomID, next)
	}
	if o.registry.ReleaseRetain(roomID) {
		o.rooms.Drop(roomID)
	}
}

// appendSources attaches the cited search results after the answer.
func appendSources(answer string, sources []search.Source) string {
	if len(sources) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	b.WriteString("\n\nSources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s (%s)\n", s.Title, s.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}
