// Package proposer asks a model which memories an utterance might call up.
//
// The model is prompted to answer with {"queries": ["...", ...]} ordered by
// significance. Its output is parsed leniently (code fences, comments and
// trailing commas are tolerated) and then validated against a JSON schema.
// Anything that does not fit yields zero queries rather than an error.
package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"

	"github.com/becomeliminal/duckpond/memory"
)

const (
	DefaultModel      = "claude-3-5-haiku-latest"
	DefaultMaxTokens  = 256
	DefaultMaxQueries = 4
	defaultTimeout    = 10 * time.Second
)

// DefaultSystemPrompt frames the extraction call.
const DefaultSystemPrompt = `You help an AI assistant recall relevant memories.

Given what the user just said, identify what might "sound familiar" to the assistant
and write search queries that would find those memories with semantic search.

Think about:
- Literal topics: names, projects, tools, concepts mentioned
- Emotional resonances: what feelings connect here?
- Thematic echoes: patterns, recurring ideas, past decisions

Favor incidental details over the main topic. Longer, more descriptive queries often
match better than short ones.`

const question = `

---

What memories might be relevant here?

Return search queries as a JSON object: {"queries": ["...", "..."]}
Order them by significance, most important first.

If this is just a greeting or simple command that doesn't warrant memory search,
return {"queries": []}

Return only the JSON object, nothing else.`

const responseSchema = `{
	"type": "object",
	"required": ["queries"],
	"properties": {
		"queries": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

var schema = jsonschema.MustCompileString("duckpond://proposer/response.json", responseSchema)

// Config holds Proposer configuration.
type Config struct {
	Model        string
	MaxTokens    int64
	MaxQueries   int
	SystemPrompt string
	Timeout      time.Duration
}

// Proposer implements memory.QueryProposer with the Anthropic Messages API.
type Proposer struct {
	client *anthropic.Client
	cfg    Config
	logger *slog.Logger
}

var _ memory.QueryProposer = (*Proposer)(nil)

// New creates a Proposer.
func New(client *anthropic.Client, cfg Config, logger *slog.Logger) *Proposer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = DefaultMaxQueries
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proposer{client: client, cfg: cfg, logger: logger}
}

// ProposeQueries implements memory.QueryProposer. Transport and API failures
// are returned; unusable model output is not.
func (p *Proposer) ProposeQueries(ctx context.Context, utterance string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: p.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: p.cfg.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("[User]: " + utterance + question)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("proposer: messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	queries, err := Parse(text.String(), p.cfg.MaxQueries)
	if err != nil {
		p.logger.Debug("proposer: unusable model output", "error", err)
		return nil, nil
	}
	p.logger.Debug("proposer: extracted queries", "count", len(queries))
	return queries, nil
}

// Parse extracts up to limit non-blank queries from model output. The JSON
// object may be wrapped in prose or a code fence.
func Parse(output string, limit int) ([]string, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var doc any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(output[start:end+1])), &doc); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate output: %w", err)
	}

	raw := doc.(map[string]any)["queries"].([]any)
	queries := make([]string, 0, len(raw))
	for _, q := range raw {
		s := strings.TrimSpace(q.(string))
		if s == "" {
			continue
		}
		queries = append(queries, s)
		if limit > 0 && len(queries) == limit {
			break
		}
	}
	return queries, nil
}
