package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"autonomous-trader/internal/store"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/types"
)

// Backend calls the OpenAI chat completions API and parses a strict-JSON
// decision from the reply.
type Backend struct {
	cfg      *store.Config
	endpoint string
	client   *http.Client
}

func New(cfg *store.Config) *Backend {
	endpoint := "https://api.openai.com/v1/chat/completions"
	if ep := os.Getenv("OPENAI_API_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return &Backend{cfg: cfg, endpoint: endpoint, client: http.DefaultClient}
}

func (b *Backend) Name() string { return "openai" }

func (b *Backend) Decide(ctx context.Context, snap types.FeatureSnapshot) (types.Decision, error) {
	ctx, span := trace.StartSpan(ctx, "openai-api-call")
	defer span.End()

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return types.Decision{}, errors.New("OPENAI_API_KEY missing")
	}

	sb, _ := json.Marshal(snap)
	prompt := fmt.Sprintf("You will receive market state as JSON. Respond ONLY with compact JSON matching the schema.\nSchema:%s\nState:%s", b.cfg.LLM.Schema, string(sb))

	body := map[string]any{
		"model":       b.cfg.LLM.OpenAIModel,
		"messages":    []map[string]string{{"role": "system", "content": b.cfg.LLM.System}, {"role": "user", "content": prompt}},
		"temperature": b.cfg.LLM.Temperature,
		"max_tokens":  b.cfg.LLM.MaxTokens,
	}
	bb, _ := json.Marshal(body)

	req, _ := http.NewRequestWithContext(ctx, "POST", b.endpoint, bytes.NewReader(bb))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return types.Decision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return types.Decision{}, fmt.Errorf("openai http %d", resp.StatusCode)
	}

	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return types.Decision{}, err
	}
	if len(r.Choices) == 0 {
		return types.Decision{}, errors.New("openai: no choices")
	}

	out := strings.TrimSpace(r.Choices[0].Message.Content)

	var d types.Decision
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return types.Decision{}, fmt.Errorf("openai: non-JSON reply: %w", err)
	}
	return d, nil
}
