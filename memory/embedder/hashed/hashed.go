// Package hashed provides an offline embedder based on feature hashing.
//
// Each lowercase word of the text is hashed into one of a fixed number of
// buckets with a hash-derived sign, and the bucket counts are normalized to
// a unit vector. Texts sharing words end up with positive cosine similarity,
// which is enough for local development and tests without a model server.
package hashed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so stores can be swapped.
const DefaultDimensions = 384

// Embedder is a deterministic bag-of-words embedder.
type Embedder struct {
	dimensions int
}

// New creates a new hashed embedder. A non-positive dimensions uses
// DefaultDimensions.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)
	for _, word := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(word))
		seed := h.Sum64()

		// One LCG step decorrelates the sign bit from the bucket.
		bucket := seed % uint64(e.dimensions)
		seed = seed*6364136223846793005 + 1442695040888963407
		if seed>>63 == 1 {
			embedding[bucket]--
		} else {
			embedding[bucket]++
		}
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}
