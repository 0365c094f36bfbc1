package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/session"
	"github.com/becomeliminal/duckpond/transcript"
)

var (
	errClosed      = errors.New("claude: connection closed")
	errNothingSent = errors.New("claude: stream without pending content")
	errBusy        = errors.New("claude: a turn is already streaming")
)

// conn is one conversation. History only changes when a turn completes
// or is interrupted; a failed turn leaves it as it was.
type conn struct {
	rt *Runtime

	sessionID string // fixed at Connect

	mu          sync.Mutex
	history     []anthropic.MessageParam
	pending     []string
	cancel      context.CancelFunc // set while a turn streams
	interrupted bool
	closed      bool
}

// turn is the working state of one Stream call.
type turn struct {
	ctx      context.Context
	cancel   context.CancelFunc
	messages []anthropic.MessageParam
	records  []transcript.Record
	usage    core.TokenUsage
}

func (c *conn) Send(ctx context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.pending = append(c.pending, content)
	return nil
}

func (c *conn) Stream(ctx context.Context) iter.Seq2[core.RuntimeEvent, error] {
	return func(yield func(core.RuntimeEvent, error) bool) {
		t, err := c.begin(ctx)
		if err != nil {
			yield(core.RuntimeEvent{}, err)
			return
		}
		defer c.end(t)
		c.run(t, yield)
	}
}

func (c *conn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.interrupted = true
		c.cancel()
	}
	return nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *conn) begin(ctx context.Context) (*turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, errClosed
	case c.cancel != nil:
		return nil, errBusy
	case len(c.pending) == 0:
		return nil, errNothingSent
	}

	t := &turn{messages: slices.Clone(c.history)}
	t.ctx, t.cancel = context.WithCancel(ctx)
	c.cancel = t.cancel
	c.interrupted = false

	content := make([]transcript.Block, len(c.pending))
	for i, p := range c.pending {
		content[i] = transcript.TextBlock(p)
	}
	c.pending = nil
	c.add(t, transcript.TypeUser, content)
	return t, nil
}

func (c *conn) end(t *turn) {
	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
	t.cancel()
}

func (c *conn) wasInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// run drives the tool loop until the model stops asking for tools.
func (c *conn) run(t *turn, yield func(core.RuntimeEvent, error) bool) {
	for call := 0; ; call++ {
		if call == c.rt.cfg.MaxModelCalls {
			yield(core.RuntimeEvent{}, fmt.Errorf("claude: exceeded maximum model calls (%d)", c.rt.cfg.MaxModelCalls))
			return
		}
		if c.wasInterrupted() {
			break
		}

		blocks, usage, err := c.callModel(t, yield)
		t.usage.InputTokens += usage.InputTokens
		t.usage.OutputTokens += usage.OutputTokens
		if errors.Is(err, errConsumerGone) {
			return
		}
		if c.wasInterrupted() {
			// Keep whatever text arrived before the interrupt.
			c.add(t, transcript.TypeAssistant, textOnly(blocks))
			break
		}
		if err != nil {
			yield(core.RuntimeEvent{}, fmt.Errorf("claude: messages: %w", err))
			return
		}

		c.add(t, transcript.TypeAssistant, blocks)

		var results []transcript.Block
		for _, b := range blocks {
			if b.Type != transcript.BlockToolUse {
				continue
			}
			if !yield(core.RuntimeEvent{
				Kind:       core.RuntimeToolUse,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				ToolInput:  b.Input,
			}, nil) {
				return
			}

			output, isError := c.execute(t.ctx, b)
			results = append(results, transcript.ToolResultBlock(b.ID, output, isError))

			if !yield(core.RuntimeEvent{
				Kind:       core.RuntimeToolResult,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				ToolOutput: output,
				IsError:    isError,
			}, nil) {
				return
			}
		}
		if len(results) == 0 {
			break
		}
		c.add(t, transcript.TypeUser, results)
	}

	c.commit(t)
	usage := t.usage
	yield(core.RuntimeEvent{
		Kind:      core.RuntimeResult,
		SessionID: c.sessionID,
		Usage:     &usage,
	}, nil)
}

func (c *conn) execute(ctx context.Context, b transcript.Block) (string, bool) {
	if c.rt.tools == nil {
		return fmt.Sprintf("unknown tool: %s", b.Name), true
	}
	return c.rt.tools.Execute(ctx, b.Name, b.Input)
}

// commit makes the turn part of the conversation and persists it.
func (c *conn) commit(t *turn) {
	c.mu.Lock()
	c.history = t.messages
	c.mu.Unlock()

	if c.rt.transcripts == nil {
		return
	}
	if err := c.rt.transcripts.Append(c.sessionID, t.records...); err != nil {
		c.rt.logger.Warn("claude: transcript append failed", "session", session.Short(c.sessionID), "error", err)
	}
}

var errConsumerGone = errors.New("claude: consumer stopped reading")

// callModel runs one streaming model call, forwarding text deltas. It
// returns the content blocks received, in order.
func (c *conn) callModel(t *turn, yield func(core.RuntimeEvent, error) bool) ([]transcript.Block, core.TokenUsage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.rt.cfg.Model),
		MaxTokens: c.rt.cfg.MaxTokens,
		Messages:  t.messages,
		System: []anthropic.TextBlockParam{
			{Text: c.rt.cfg.SystemPrompt},
		},
	}
	if c.rt.tools != nil && c.rt.tools.Len() > 0 {
		params.Tools = c.rt.tools.ToAPITools()
	}

	stream := c.rt.client.Messages.NewStreaming(t.ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	var blocks []*streamBlock

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			c.rt.logger.Debug("claude: accumulate", "error", err)
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			blocks = append(blocks, &streamBlock{
				typ:  evt.ContentBlock.Type,
				id:   evt.ContentBlock.ID,
				name: evt.ContentBlock.Name,
			})
			blocks[len(blocks)-1].text.WriteString(evt.ContentBlock.Text)
		case anthropic.ContentBlockDeltaEvent:
			if len(blocks) == 0 {
				continue
			}
			cur := blocks[len(blocks)-1]
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				cur.text.WriteString(delta.Text)
				if !yield(core.RuntimeEvent{Kind: core.RuntimeTextDelta, Text: delta.Text}, nil) {
					return nil, usageOf(message), errConsumerGone
				}
			case anthropic.InputJSONDelta:
				cur.input.WriteString(delta.PartialJSON)
			}
		}
	}

	out := make([]transcript.Block, 0, len(blocks))
	for _, b := range blocks {
		if blk, ok := b.block(); ok {
			out = append(out, blk)
		}
	}
	if err := stream.Err(); err != nil {
		return out, usageOf(message), err
	}
	return out, usageOf(message), nil
}

func usageOf(m anthropic.Message) core.TokenUsage {
	return core.TokenUsage{
		InputTokens:  int(m.Usage.InputTokens),
		OutputTokens: int(m.Usage.OutputTokens),
	}
}

// streamBlock collects one content block from stream events.
type streamBlock struct {
	typ   string
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
}

func (b *streamBlock) block() (transcript.Block, bool) {
	switch b.typ {
	case transcript.BlockText:
		if b.text.Len() == 0 {
			return transcript.Block{}, false
		}
		return transcript.TextBlock(b.text.String()), true
	case transcript.BlockToolUse:
		input := json.RawMessage(b.input.String())
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		return transcript.ToolUseBlock(b.id, b.name, input), true
	default:
		return transcript.Block{}, false
	}
}

func textOnly(blocks []transcript.Block) []transcript.Block {
	var out []transcript.Block
	for _, b := range blocks {
		if b.Type == transcript.BlockText {
			out = append(out, b)
		}
	}
	return out
}

// add appends a message to the turn, both for the next model call and for
// the transcript. Messages without content are dropped.
func (c *conn) add(t *turn, role string, content []transcript.Block) {
	params := toParams(content)
	if len(params) == 0 {
		return
	}
	if role == transcript.TypeAssistant {
		t.messages = append(t.messages, anthropic.NewAssistantMessage(params...))
	} else {
		t.messages = append(t.messages, anthropic.NewUserMessage(params...))
	}
	if c.rt.transcripts != nil {
		t.records = append(t.records, c.rt.transcripts.NewRecord(c.sessionID, role, content...))
	}
}
