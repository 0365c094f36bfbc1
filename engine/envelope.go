package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/memory"
)

// Envelope is the structured prompt sent to the agent for one turn. Meta is
// transport metadata that a prompt-rewriting layer may strip before the
// model sees it.
type Envelope struct {
	Prompt   string   `json:"prompt"`
	Memories []string `json:"memories,omitempty"`
	Meta     Meta     `json:"meta"`
}

// Meta carries the session identity, tracing correlation and send time.
type Meta struct {
	SessionID   string    `json:"session_id,omitempty"`
	Traceparent string    `json:"traceparent,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// NewEnvelope builds the envelope for a turn, rendering memories relative to now.
func NewEnvelope(ctx context.Context, content string, memories []core.Memory, sessionID string, now time.Time) Envelope {
	return Envelope{
		Prompt:   content,
		Memories: memory.RenderAll(memories, now),
		Meta: Meta{
			SessionID:   sessionID,
			Traceparent: Traceparent(ctx),
			SentAt:      now.UTC(),
		},
	}
}

// Encode returns the envelope as JSON text.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Traceparent returns the W3C traceparent of the span in ctx, or "" when
// ctx carries no sampled span context.
func Traceparent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}
