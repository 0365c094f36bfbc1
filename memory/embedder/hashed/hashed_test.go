package hashed

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestEmbed_Deterministic(t *testing.T) {
	e := New(0)
	if e.Dimensions() != DefaultDimensions {
		t.Fatalf("Dimensions() = %d, want %d", e.Dimensions(), DefaultDimensions)
	}

	a, _ := e.Embed(context.Background(), "The duck swam")
	b, _ := e.Embed(context.Background(), "the DUCK, swam!")
	if math.Abs(cosine(a, b)-1) > 1e-5 {
		t.Errorf("cosine = %f, want 1 for texts with the same words", cosine(a, b))
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm = %f, want unit vector", norm)
	}
}

func TestEmbed_SharedWordsAreCloser(t *testing.T) {
	e := New(DefaultDimensions)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "duck pond")
	near, _ := e.Embed(ctx, "a duck lives on the pond")
	far, _ := e.Embed(ctx, "quarterly tax filing deadline")

	if cosine(query, near) <= cosine(query, far) {
		t.Errorf("cosine(near) = %f, cosine(far) = %f, want near > far", cosine(query, near), cosine(query, far))
	}
}

func TestEmbed_EmptyText(t *testing.T) {
	v, err := New(8).Embed(context.Background(), "  ")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	for _, x := range v {
		if x != 0 {
			t.Fatalf("Embed() = %v, want zero vector", v)
		}
	}
}
