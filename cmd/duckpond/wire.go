package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/duckpond/archive"
	"github.com/becomeliminal/duckpond/config"
	"github.com/becomeliminal/duckpond/engine"
	"github.com/becomeliminal/duckpond/memory"
	"github.com/becomeliminal/duckpond/memory/embedder/hashed"
	"github.com/becomeliminal/duckpond/memory/embedder/openai"
	"github.com/becomeliminal/duckpond/memory/kv/redis"
	"github.com/becomeliminal/duckpond/memory/kv/ristretto"
	"github.com/becomeliminal/duckpond/memory/proposer"
	"github.com/becomeliminal/duckpond/memory/store/chromem"
	"github.com/becomeliminal/duckpond/runtime/claude"
	"github.com/becomeliminal/duckpond/session"
	"github.com/becomeliminal/duckpond/tools"
	"github.com/becomeliminal/duckpond/transcript"
)

// app holds the wired components and what must be closed on shutdown.
type app struct {
	engine      *engine.Engine
	sessions    *session.Manager
	transcripts *transcript.Store
	closers     []io.Closer
}

func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.closeStores(logger)
		}
	}()

	transcripts, err := transcript.NewStore(cfg.Agent.SessionsDir)
	if err != nil {
		return nil, err
	}
	a.transcripts = transcripts

	embedder, err := buildEmbedder(cfg.Memory, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := embedder.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	var store *chromem.Store
	if cfg.Memory.DBPath != "" {
		store, err = chromem.NewPersistent(cfg.Memory.DBPath, cfg.Memory.Compress, embedder, logger)
	} else {
		store, err = chromem.New(embedder, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	logger.Info("duckpond: memory store ready", "memories", store.Count(), "embedder", cfg.Memory.Embedder)

	registry, err := tools.NewRegistry(tools.MemoryTools(store)...)
	if err != nil {
		return nil, err
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(cfg.Agent.APIKey)}
	if cfg.Agent.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.Agent.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	systemPrompt := ""
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("system prompt: %w", err)
		}
		systemPrompt = strings.TrimSpace(string(data))
	}

	runtime := claude.New(&client, registry, transcripts, claude.Config{
		Model:         cfg.Agent.Model,
		MaxTokens:     int64(cfg.Agent.MaxTokens),
		SystemPrompt:  systemPrompt,
		MaxModelCalls: cfg.Agent.MaxModelCalls,
	}, logger)
	a.sessions = session.NewManager(runtime, logger)

	opts := []engine.Option{engine.WithLogger(logger)}

	if cfg.Recall.Enabled {
		kv, err := buildSeenKV(cfg.Memory.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kv)

		var qp memory.QueryProposer
		if cfg.Recall.MaxQueries > 0 {
			qp = proposer.New(&client, proposer.Config{
				Model:      cfg.Recall.Model,
				MaxQueries: cfg.Recall.MaxQueries,
			}, logger)
		}
		recaller := memory.NewRecaller(store, qp, memory.NewSeenCache(kv, cfg.Recall.SeenTTL), &memory.Config{
			Enabled:    true,
			Limit:      cfg.Recall.Limit,
			MinScore:   cfg.Recall.MinScore,
			MaxQueries: cfg.Recall.MaxQueries,
			SeenTTL:    cfg.Recall.SeenTTL,
		}, logger)
		opts = append(opts, engine.WithRecaller(recaller))
	}

	mode, err := engine.ParseArchiveMode(cfg.Archive.Mode)
	if err != nil {
		return nil, err
	}
	if mode != engine.ArchiveOff {
		if dir := filepath.Dir(cfg.Archive.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("archive dir: %w", err)
			}
		}
		arch, err := archive.Open(cfg.Archive.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		a.closers = append(a.closers, arch)
		opts = append(opts, engine.WithArchiver(arch, mode))
	}

	a.engine = engine.New(a.sessions, opts...)
	ok = true
	return a, nil
}

// newONNXEmbedder is set in onnx builds.
var newONNXEmbedder func(cfg config.MemoryConfig, logger *slog.Logger) (memory.Embedder, error)

func buildEmbedder(cfg config.MemoryConfig, logger *slog.Logger) (memory.Embedder, error) {
	switch strings.ToLower(cfg.Embedder) {
	case "", "hash":
		return hashed.New(hashed.DefaultDimensions), nil
	case "openai":
		return openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.EmbeddingModel,
		}), nil
	case "onnx":
		if newONNXEmbedder == nil {
			return nil, fmt.Errorf("onnx embedder unavailable: rebuild with -tags onnx")
		}
		return newONNXEmbedder(cfg, logger)
	}
	return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}

// seenKV is a seen-set backend that must be closed.
type seenKV interface {
	memory.KV
	io.Closer
}

func buildSeenKV(redisURL string) (seenKV, error) {
	if redisURL != "" {
		kv, err := redis.New(redisURL)
		if err != nil {
			return nil, fmt.Errorf("seen cache: %w", err)
		}
		return kv, nil
	}
	kv, err := ristretto.New(ristretto.Config{})
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	return kv, nil
}

// close ends the live session, waits for background archive writes and
// closes the stores.
func (a *app) close(ctx context.Context, logger *slog.Logger) {
	if err := a.sessions.Shutdown(ctx); err != nil {
		logger.Error("duckpond: session shutdown", "err", err)
	}
	a.engine.Wait()
	a.closeStores(logger)
}

func (a *app) closeStores(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warn("duckpond: close", "err", err)
		}
	}
	a.closers = nil
}
