//go:build onnx

package main

import (
	"log/slog"

	"github.com/becomeliminal/duckpond/config"
	"github.com/becomeliminal/duckpond/memory"
	"github.com/becomeliminal/duckpond/memory/embedder/onnx"
)

func init() {
	newONNXEmbedder = func(cfg config.MemoryConfig, logger *slog.Logger) (memory.Embedder, error) {
		emb, err := onnx.New(onnx.Config{
			ModelPath:     cfg.ONNXModelPath,
			TokenizerPath: cfg.ONNXTokenizerPath,
			LibraryPath:   cfg.ONNXLibraryPath,
		}, logger)
		if err != nil {
			return nil, err
		}
		return emb, nil
	}
}
