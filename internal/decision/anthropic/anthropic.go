package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"autonomous-trader/internal/store"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/types"
)

// Backend calls the Anthropic messages API.
type Backend struct {
	cfg      *store.Config
	endpoint string
	client   *http.Client
}

func New(cfg *store.Config) *Backend {
	endpoint := "https://api.anthropic.com/v1/messages"
	if ep := os.Getenv("ANTHROPIC_API_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return &Backend{cfg: cfg, endpoint: endpoint, client: http.DefaultClient}
}

func (b *Backend) Name() string { return "anthropic" }

func (b *Backend) Decide(ctx context.Context, snap types.FeatureSnapshot) (types.Decision, error) {
	ctx, span := trace.StartSpan(ctx, "anthropic-api-call")
	defer span.End()

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return types.Decision{}, errors.New("ANTHROPIC_API_KEY missing")
	}

	system := b.cfg.LLM.System
	if system == "" {
		system = "You are a disciplined trader. Output STRICT JSON with BUY/SELL/HOLD."
	}
	sb, _ := json.Marshal(snap)
	user := fmt.Sprintf("Schema:%s\nState:%s\n\nRespond ONLY with compact JSON matching the schema.", b.cfg.LLM.Schema, string(sb))

	reqBody := map[string]any{
		"model":       b.cfg.LLM.AnthropicModel,
		"system":      system,
		"messages":    []map[string]string{{"role": "user", "content": user}},
		"max_tokens":  b.cfg.LLM.MaxTokens,
		"temperature": b.cfg.LLM.Temperature,
	}
	bb, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", b.endpoint, bytes.NewReader(bb))
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return types.Decision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return types.Decision{}, fmt.Errorf("anthropic http %d: %s", resp.StatusCode, string(body))
	}

	var r struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return types.Decision{}, err
	}

	var text string
	for _, block := range r.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Decision{}, errors.New("anthropic: empty reply")
	}

	// Models sometimes fence the JSON despite instructions.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var d types.Decision
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return types.Decision{}, fmt.Errorf("anthropic: non-JSON reply: %w", err)
	}
	return d, nil
}
