package proposer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		max     int
		want    []string
		wantErr bool
	}{
		{"plain", `{"queries": ["duck pond", "spring walk"]}`, 4, []string{"duck pond", "spring walk"}, false},
		{"empty", `{"queries": []}`, 4, []string{}, false},
		{"capped", `{"queries": ["a", "b", "c", "d", "e"]}`, 4, []string{"a", "b", "c", "d"}, false},
		{"blank dropped", `{"queries": ["a", "  ", "b"]}`, 4, []string{"a", "b"}, false},
		{"fenced", "```json\n{\"queries\": [\"a\"]}\n```", 4, []string{"a"}, false},
		{"trailing comma", `{"queries": ["a", "b",],}`, 4, []string{"a", "b"}, false},
		{"comment", "{\n// top pick\n\"queries\": [\"a\"]}", 4, []string{"a"}, false},
		{"no object", `no memories needed`, 4, nil, true},
		{"missing key", `{"topics": ["a"]}`, 4, nil, true},
		{"wrong type", `{"queries": "a"}`, 4, nil, true},
		{"non-string item", `{"queries": ["a", 3]}`, 4, nil, true},
		{"truncated", `{"queries": ["a", "b"`, 4, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.output, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func messageResponse(text string) string {
	b, _ := json.Marshal(map[string]any{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-3-5-haiku-latest",
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
	})
	return string(b)
}

func newProposer(t *testing.T, handler http.HandlerFunc) *Proposer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := anthropic.NewClient(
		option.WithAPIKey("test"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return New(&client, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProposeQueries(t *testing.T) {
	var body map[string]any
	p := newProposer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse(`{"queries": ["the duck at the pond", "spring"]}`))
	})

	got, err := p.ProposeQueries(context.Background(), "saw a duck today")
	if err != nil {
		t.Fatalf("ProposeQueries() error = %v", err)
	}
	if want := []string{"the duck at the pond", "spring"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ProposeQueries() = %v, want %v", got, want)
	}
	if body["model"] != DefaultModel {
		t.Errorf("model = %v, want %s", body["model"], DefaultModel)
	}
	raw, _ := json.Marshal(body["messages"])
	if !strings.Contains(string(raw), "saw a duck today") {
		t.Errorf("messages = %s, want utterance included", raw)
	}
}

func TestProposeQueries_MalformedOutputIsEmpty(t *testing.T) {
	p := newProposer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse(`I think you should search for ducks.`))
	})

	got, err := p.ProposeQueries(context.Background(), "hello")
	if err != nil || len(got) != 0 {
		t.Errorf("ProposeQueries() = %v, %v, want no queries and no error", got, err)
	}
}

func TestProposeQueries_APIError(t *testing.T) {
	p := newProposer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	})

	if _, err := p.ProposeQueries(context.Background(), "hello"); err == nil {
		t.Error("ProposeQueries() error = nil, want API error")
	}
}
