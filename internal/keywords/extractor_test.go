package keywords

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBackendSelection(t *testing.T) {
	if got := New(Config{Backend: BackendAuto, APIKey: "sk-test"}).Backend(); got != BackendOpenAI {
		t.Fatalf("auto with api key should pick openai, got %s", got)
	}
	if got := New(Config{Backend: BackendAuto}).Backend(); got != BackendBasic {
		t.Fatalf("auto without api key should fall back to basic, got %s", got)
	}
	if got := New(Config{Backend: BackendBasic, APIKey: "sk-test"}).Backend(); got != BackendBasic {
		t.Fatalf("explicit basic should be kept, got %s", got)
	}
}

func TestExtractBasicReturnsNothing(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(image, []byte("jpeg-bytes"), 0o640); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	e := New(Config{Backend: BackendBasic})
	keywords, err := e.Extract(context.Background(), image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keywords != nil {
		t.Fatalf("basic backend should return no keywords, got %v", keywords)
	}
}

func TestExtractMissingFileIsNotAnError(t *testing.T) {
	e := New(Config{Backend: BackendOpenAI, APIKey: "sk-test"})
	keywords, err := e.Extract(context.Background(), "/no/such/frame.jpg")
	if err != nil || keywords != nil {
		t.Fatalf("missing file should be silent, got %v %v", keywords, err)
	}
}

func TestExtractOpenAI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("unexpected auth header: %s", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Messages) != 1 || len(req.Messages[0].Content) != 2 {
			t.Fatalf("unexpected message shape: %+v", req.Messages)
		}
		if !strings.HasPrefix(req.Messages[0].Content[1].ImageURL.URL, "data:image/jpeg;base64,") {
			t.Fatalf("image not sent as data url")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "dog, park, running, sunny day, , grass"}},
			},
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	image := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(image, []byte("jpeg-bytes"), 0o640); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	e := New(Config{
		Backend:     BackendOpenAI,
		APIKey:      "sk-test",
		BaseURL:     server.URL,
		MaxKeywords: 4,
	})
	keywords, err := e.Extract(context.Background(), image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"dog", "park", "running", "sunny day"}
	if len(keywords) != len(want) {
		t.Fatalf("unexpected keywords: %v", keywords)
	}
	for i := range want {
		if keywords[i] != want[i] {
			t.Fatalf("unexpected keywords: %v", keywords)
		}
	}
}

func TestExtractOpenAIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key"},
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	image := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(image, []byte("jpeg-bytes"), 0o640); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	e := New(Config{Backend: BackendOpenAI, APIKey: "sk-bad", BaseURL: server.URL})
	if _, err := e.Extract(context.Background(), image); err == nil {
		t.Fatalf("expected error from rejected request")
	}
}

func TestParseKeywordList(t *testing.T) {
	keywords := parseKeywordList("  a, b ,, c , d", 3)
	if len(keywords) != 3 || keywords[0] != "a" || keywords[2] != "c" {
		t.Fatalf("unexpected keywords: %v", keywords)
	}
	if got := parseKeywordList("", 5); got != nil {
		t.Fatalf("empty input should yield nil, got %v", got)
	}
}
