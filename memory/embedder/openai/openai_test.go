package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbed(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s, want /v1/embeddings", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`))
	}))
	defer srv.Close()

	e := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Dimensions: 3})
	vec, err := e.Embed(context.Background(), "hello pond")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("Embed() = %v, want [0.1 0.2 0.3]", vec)
	}
	if got.Input != "hello pond" || got.Model != DefaultModel || got.Dimensions != 3 {
		t.Errorf("request = %+v", got)
	}
	if e.Dimensions() != 3 {
		t.Errorf("Dimensions() = %d, want 3", e.Dimensions())
	}
}

func TestEmbed_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, "slow down"},
		{"bad status", http.StatusBadGateway, `{}`, "unexpected HTTP status 502"},
		{"no data", http.StatusOK, `{"data":[]}`, "no embedding data"},
		{"garbage", http.StatusOK, `not json`, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).Embed(context.Background(), "text")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Embed() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEmbed_EmptyText(t *testing.T) {
	_, err := New(Config{}).Embed(context.Background(), " ")
	if !errors.Is(err, ErrEmptyText) {
		t.Errorf("Embed() error = %v, want ErrEmptyText", err)
	}
}
