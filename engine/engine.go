// Package engine runs one user turn at a time: ensure the session, recall
// memories, send the enriched prompt, stream the agent's events out and
// archive the exchange.
package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/becomeliminal/duckpond/archive"
	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/session"
)

// EventBuffer is the capacity of the channel returned by Turn.
const EventBuffer = 64

var tracer = otel.Tracer("github.com/becomeliminal/duckpond/engine")

// Recaller retrieves memories for a turn. It never fails; a degraded
// recall returns fewer memories. *memory.Recaller implements it.
type Recaller interface {
	Recall(ctx context.Context, utterance, sessionID string) []core.Memory
}

// Archiver stores a completed turn. *archive.Store implements it.
type Archiver interface {
	InsertTurn(ctx context.Context, turn archive.Turn) (int, error)
}

// ArchiveMode controls how a completed turn is archived.
type ArchiveMode string

const (
	// ArchiveAwait archives before the turn ends and reports failure as an
	// archive-error event.
	ArchiveAwait ArchiveMode = "await"

	// ArchiveAsync archives in the background; failures are only logged.
	ArchiveAsync ArchiveMode = "async"

	// ArchiveOff disables archiving.
	ArchiveOff ArchiveMode = "off"
)

// ParseArchiveMode validates a mode name. Empty means ArchiveAwait.
func ParseArchiveMode(s string) (ArchiveMode, error) {
	switch ArchiveMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ArchiveAwait:
		return ArchiveAwait, nil
	case ArchiveAsync:
		return ArchiveAsync, nil
	case ArchiveOff:
		return ArchiveOff, nil
	}
	return "", fmt.Errorf("unknown archive mode %q", s)
}

// Sessions is the part of the session manager the engine drives.
type Sessions interface {
	SessionRecorder
	Ensure(ctx context.Context, sessionID string) error
	SessionID() string
	Send(ctx context.Context, content string) error
	Stream(ctx context.Context) iter.Seq2[core.RuntimeEvent, error]
	Interrupt(ctx context.Context) error
}

// Engine is the turn orchestrator.
type Engine struct {
	sessions    Sessions
	recaller    Recaller
	archiver    Archiver
	archiveMode ArchiveMode
	logger      *slog.Logger
	now         func() time.Time

	turnMu   sync.Mutex
	archives sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithRecaller enables memory recall.
func WithRecaller(r Recaller) Option {
	return func(e *Engine) {
		e.recaller = r
	}
}

// WithArchiver enables archiving in the given mode.
func WithArchiver(a Archiver, mode ArchiveMode) Option {
	return func(e *Engine) {
		e.archiver = a
		e.archiveMode = mode
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the time source used for envelopes and archive rows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over the session manager.
func New(sessions Sessions, opts ...Option) *Engine {
	e := &Engine{
		sessions:    sessions,
		archiveMode: ArchiveOff,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.archiver == nil {
		e.archiveMode = ArchiveOff
	}
	return e
}

// Turn runs one user turn and returns its events. The channel always ends
// with a done event and is then closed, whatever fails along the way.
//
// Turns are serialized. When ctx ends the engine stops reading the agent's
// stream after the event in hand and closes the channel.
func (e *Engine) Turn(ctx context.Context, sessionID, content string) <-chan core.Event {
	out := make(chan core.Event, EventBuffer)
	tr := NewTranslator(ctx, out, e.sessions)
	go e.run(ctx, sessionID, content, tr)
	return out
}

// Interrupt asks the agent to stop the turn in progress. It does not wait
// for the turn lock.
func (e *Engine) Interrupt(ctx context.Context) error {
	return e.sessions.Interrupt(ctx)
}

// Wait blocks until background archive writes finish.
func (e *Engine) Wait() {
	e.archives.Wait()
}

func (e *Engine) run(ctx context.Context, sessionID, content string, tr *Translator) {
	defer tr.Close()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: turn panicked", "panic", r, "stack", string(debug.Stack()))
			tr.Fail(fmt.Errorf("engine: internal error: %v", r))
		}
	}()

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	// The agent connection outlives the request; only values flow through.
	rctx, span := tracer.Start(context.WithoutCancel(ctx), "duckpond.turn")
	defer span.End()

	start := e.now()
	if err := e.sessions.Ensure(rctx, sessionID); err != nil {
		e.fail(span, tr, err)
		return
	}
	sid := e.sessions.SessionID()
	span.SetAttributes(attribute.String("session.id", session.Short(sid)))

	memories := e.recall(rctx, content, sid)

	prompt, err := NewEnvelope(rctx, content, memories, sid, e.now()).Encode()
	if err != nil {
		e.fail(span, tr, fmt.Errorf("engine: build prompt: %w", err))
		return
	}
	if err := e.sessions.Send(rctx, prompt); err != nil {
		e.fail(span, tr, err)
		return
	}

	for ev, err := range e.sessions.Stream(rctx) {
		if err != nil {
			e.fail(span, tr, err)
			break
		}
		if !tr.Consume(ev) || ctx.Err() != nil {
			e.logger.Info("engine: consumer gone, stopping stream", "session", session.Short(sid))
			break
		}
	}

	if tr.Failed() || tr.Stopped() {
		return
	}
	finalID := tr.SessionID()
	if finalID == "" {
		finalID = sid
	}
	e.archive(rctx, tr, archive.Turn{
		UserText:      content,
		AssistantText: tr.Text(),
		SessionID:     finalID,
		Timestamp:     start,
	})
	e.logger.Info("engine: turn complete",
		"session", session.Short(finalID),
		"memories", len(memories),
		"duration", e.now().Sub(start))
}

// recall runs the recaller; a panic inside it counts as an empty recall.
func (e *Engine) recall(ctx context.Context, content, sessionID string) (memories []core.Memory) {
	if e.recaller == nil || sessionID == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: recall panicked", "panic", r)
			memories = nil
		}
	}()
	return e.recaller.Recall(ctx, content, sessionID)
}

func (e *Engine) archive(ctx context.Context, tr *Translator, turn archive.Turn) {
	if e.archiveMode == ArchiveOff || strings.TrimSpace(turn.AssistantText) == "" {
		return
	}
	switch e.archiveMode {
	case ArchiveAsync:
		e.archives.Add(1)
		go func() {
			defer e.archives.Done()
			if _, err := e.archiver.InsertTurn(ctx, turn); err != nil {
				e.logger.Warn("engine: archive failed", "session", session.Short(turn.SessionID), "err", err)
			}
		}()
	default:
		if _, err := e.archiver.InsertTurn(ctx, turn); err != nil {
			e.logger.Warn("engine: archive failed", "session", session.Short(turn.SessionID), "err", err)
			tr.Emit(core.Event{Type: core.EventArchiveError, Err: err.Error()})
		}
	}
}

func (e *Engine) fail(span trace.Span, tr *Translator, err error) {
	e.logger.Error("engine: turn failed", "err", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	tr.Fail(err)
}
