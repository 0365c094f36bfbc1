package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/becomeliminal/duckpond/core"
)

// SessionRecorder receives what a completed turn reports about its session.
// *session.Manager implements it.
type SessionRecorder interface {
	AdoptSessionID(sessionID string)
	RecordUsage(usage core.TokenUsage)
}

// Translator converts runtime events into the external event vocabulary
// and writes them to a channel. Close emits the done sentinel exactly once
// and closes the channel.
//
// Once ctx ends the Translator stops writing, so a departed consumer never
// blocks the producer.
type Translator struct {
	ctx      context.Context
	out      chan<- core.Event
	recorder SessionRecorder

	text      strings.Builder
	sessionID string
	completed bool
	failed    bool
	stopped   bool
	once      sync.Once
}

// NewTranslator creates a Translator writing to out. recorder may be nil.
func NewTranslator(ctx context.Context, out chan<- core.Event, recorder SessionRecorder) *Translator {
	return &Translator{ctx: ctx, out: out, recorder: recorder}
}

// Consume translates one runtime event. It reports false once the consumer
// has gone away and the caller should stop reading the runtime stream.
func (t *Translator) Consume(ev core.RuntimeEvent) bool {
	switch ev.Kind {
	case core.RuntimeTextDelta:
		t.text.WriteString(ev.Text)
		return t.Emit(core.TextDelta(ev.Text))

	case core.RuntimeToolUse:
		return t.Emit(core.Event{Type: core.EventToolCall, ToolCall: toolCall(ev)})

	case core.RuntimeToolResult:
		return t.Emit(core.Event{
			Type: core.EventToolResult,
			ToolResult: &core.ToolResult{
				ToolCallID: ev.ToolCallID,
				Result:     ev.ToolOutput,
				IsError:    ev.IsError,
			},
		})

	case core.RuntimeResult:
		t.completed = true
		if ev.SessionID != "" {
			t.sessionID = ev.SessionID
		}
		if t.recorder != nil {
			t.recorder.AdoptSessionID(ev.SessionID)
			if ev.Usage != nil {
				t.recorder.RecordUsage(*ev.Usage)
			}
		}
		if ev.SessionID == "" {
			return !t.stopped
		}
		return t.Emit(core.Event{Type: core.EventSessionID, SessionID: ev.SessionID})

	default:
		return t.Emit(core.ErrorEvent(fmt.Errorf("engine: unknown runtime event %s", ev.Kind)))
	}
}

// Fail emits an error event and marks the turn failed.
func (t *Translator) Fail(err error) {
	t.failed = true
	t.Emit(core.ErrorEvent(err))
}

// Emit writes ev unless the consumer has gone away.
func (t *Translator) Emit(ev core.Event) bool {
	if t.stopped {
		return false
	}
	select {
	case t.out <- ev:
		return true
	case <-t.ctx.Done():
		t.stopped = true
		return false
	}
}

// Close emits the done sentinel and closes the channel. Later calls are no-ops.
func (t *Translator) Close() {
	t.once.Do(func() {
		if !t.stopped {
			select {
			case t.out <- core.Done():
			case <-t.ctx.Done():
			}
		}
		close(t.out)
	})
}

// Text returns the assistant text streamed so far.
func (t *Translator) Text() string { return t.text.String() }

// SessionID returns the identity reported on completion, if any.
func (t *Translator) SessionID() string { return t.sessionID }

// Completed reports whether the runtime reported turn completion.
func (t *Translator) Completed() bool { return t.completed }

// Failed reports whether an error event was emitted via Fail.
func (t *Translator) Failed() bool { return t.failed }

// Stopped reports whether the consumer has gone away.
func (t *Translator) Stopped() bool { return t.stopped }

func toolCall(ev core.RuntimeEvent) *core.ToolCall {
	args := ev.ToolInput
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	return &core.ToolCall{
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		Args:       args,
		ArgsText:   string(ev.ToolInput),
	}
}
