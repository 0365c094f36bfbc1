// Package claude is the agent runtime: a core.Runtime over the Anthropic
// Messages API with a tool loop and JSONL transcripts.
//
// A connection holds one conversation. Each Stream call sends the queued
// user content, streams text deltas as they arrive, executes tool calls
// from the registry between model calls, and finishes with a result event
// carrying the session identity and token usage. Completed turns are
// appended to the transcript so a later Connect can resume them.
package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/session"
	"github.com/becomeliminal/duckpond/tools"
	"github.com/becomeliminal/duckpond/transcript"
)

const (
	DefaultModel         = "claude-sonnet-4-20250514"
	DefaultMaxTokens     = 4096
	DefaultMaxModelCalls = 20
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a thoughtful assistant with a long-term memory.

Each user message arrives as a JSON envelope with "prompt" (what the user said),
"memories" (things you remembered on your own, each stamped with its id and age) and
"meta". Treat the memories as your own recollections: use them when they help, ignore
them when they don't, and never recite the envelope back.

You can search your memory with search_memories and keep new things with store_memory.`

// Config holds Runtime configuration.
type Config struct {
	Model         string
	MaxTokens     int64
	SystemPrompt  string
	MaxModelCalls int
}

// Runtime connects conversations to the Messages API.
type Runtime struct {
	client      *anthropic.Client
	tools       *tools.Registry
	transcripts *transcript.Store
	cfg         Config
	logger      *slog.Logger
}

var _ core.Runtime = (*Runtime)(nil)

// New creates a Runtime. registry and transcripts may be nil.
func New(client *anthropic.Client, registry *tools.Registry, transcripts *transcript.Store, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxModelCalls <= 0 {
		cfg.MaxModelCalls = DefaultMaxModelCalls
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		client:      client,
		tools:       registry,
		transcripts: transcripts,
		cfg:         cfg,
		logger:      logger,
	}
}

// Connect opens a conversation. An empty sessionID starts a new session
// whose identity is reported on the first result event; otherwise the
// session's transcript, if any, is loaded as history.
func (r *Runtime) Connect(ctx context.Context, sessionID string) (core.Connection, error) {
	c := &conn{rt: r, sessionID: sessionID}
	if sessionID == "" {
		c.sessionID = uuid.NewString()
		r.logger.Debug("claude: new session", "session", session.Short(c.sessionID))
		return c, nil
	}

	if r.transcripts != nil {
		records, err := r.transcripts.Load(sessionID)
		switch {
		case err == nil:
			c.history = historyFromRecords(records)
		case errors.Is(err, transcript.ErrNotFound):
			r.logger.Debug("claude: no transcript to resume", "session", session.Short(sessionID))
		default:
			return nil, fmt.Errorf("claude: load transcript: %w", err)
		}
	}
	r.logger.Debug("claude: resumed session", "session", session.Short(sessionID), "messages", len(c.history))
	return c, nil
}

// historyFromRecords rebuilds API messages from a transcript.
func historyFromRecords(records []transcript.Record) []anthropic.MessageParam {
	var history []anthropic.MessageParam
	for _, rec := range records {
		blocks := toParams(rec.Message.Content)
		if len(blocks) == 0 {
			continue
		}
		if rec.Type == transcript.TypeAssistant {
			history = append(history, anthropic.NewAssistantMessage(blocks...))
		} else {
			history = append(history, anthropic.NewUserMessage(blocks...))
		}
	}
	return history
}

func toParams(content []transcript.Block) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range content {
		switch b.Type {
		case transcript.BlockText:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case transcript.BlockToolUse:
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
		case transcript.BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return blocks
}
