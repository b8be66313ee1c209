// Package keywords はストーリーボードフレームからのキーワード抽出を提供します。
// バックエンドは初期化時に一度だけ選択され、呼び出しごとの再判定は行いません。
package keywords

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Backend はキーワード抽出の実装方式です。
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendOpenAI Backend = "openai"
	BackendBasic  Backend = "basic"
)

// Config は抽出器の設定です。
type Config struct {
	Backend     Backend
	APIKey      string
	BaseURL     string // カスタムエンドポイント（空なら OpenAI 標準）
	Model       string
	MaxKeywords int
}

// Extractor は画像からキーワードを抽出します。
type Extractor struct {
	backend     Backend
	client      *http.Client
	apiKey      string
	baseURL     string
	model       string
	maxKeywords int
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// New は設定に従って抽出器を初期化します。
// auto の場合は openai → basic の順で利用可能なものを選びます。
func New(cfg Config) *Extractor {
	e := &Extractor{
		backend:     cfg.Backend,
		client:      &http.Client{Timeout: 60 * time.Second},
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxKeywords: cfg.MaxKeywords,
	}
	if e.baseURL == "" {
		e.baseURL = defaultOpenAIBaseURL
	}
	if e.model == "" {
		e.model = "gpt-4o-mini"
	}
	if e.maxKeywords <= 0 {
		e.maxKeywords = 10
	}

	switch cfg.Backend {
	case BackendOpenAI:
		// 明示指定: APIキーがなくても選択は維持し、呼び出し時に失敗させる
	case BackendBasic:
	default: // auto
		if e.apiKey != "" {
			e.backend = BackendOpenAI
		} else {
			e.backend = BackendBasic
		}
	}
	return e
}

// Backend は選択されたバックエンドを返します。
func (e *Extractor) Backend() Backend {
	return e.backend
}

// Extract は1枚の画像からキーワードを抽出します。
// basic バックエンドは常に空リストを返します（抽出なしの安全なフォールバック）。
func (e *Extractor) Extract(ctx context.Context, imagePath string) ([]string, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, nil
	}
	switch e.backend {
	case BackendOpenAI:
		return e.extractOpenAI(ctx, imagePath)
	default:
		return nil, nil
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *Extractor) extractOpenAI(ctx context.Context, imagePath string) ([]string, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("openai api key is not configured")
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	prompt := fmt.Sprintf(
		"Analyze this image and extract %d keywords that describe the main subjects, objects, actions, and scene. Return only comma-separated keywords, no explanations.",
		e.maxKeywords,
	)
	reqBody := chatRequest{
		Model: e.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
				}},
			},
		}},
		MaxTokens: 100,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyword extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse keyword response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("keyword extraction rejected: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("keyword extraction returned no choices")
	}

	return parseKeywordList(parsed.Choices[0].Message.Content, e.maxKeywords), nil
}

// parseKeywordList はカンマ区切りの応答をキーワードのリストにします。
func parseKeywordList(text string, max int) []string {
	var keywords []string
	for _, part := range strings.Split(text, ",") {
		kw := strings.TrimSpace(part)
		if kw == "" {
			continue
		}
		keywords = append(keywords, kw)
		if len(keywords) >= max {
			break
		}
	}
	return keywords
}
