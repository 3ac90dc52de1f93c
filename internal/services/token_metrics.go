package services

import (
	"math"
	"strings"
)

// Tokenizer counts tokens for a given model's encoding.
type Tokenizer interface {
	CountTokens(model, text string) (int, error)
}

// ModelPricing is USD per 1K tokens.
type ModelPricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// DefaultPricingModel is the tier applied when a model is missing from the
// pricing table.
const DefaultPricingModel = "gpt-3.5-turbo"

// DefaultPricing mirrors the provider's published per-1K-token rates.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"gpt-3.5-turbo": {Input: 0.0015, Output: 0.002},
		"gpt-4":         {Input: 0.03, Output: 0.06},
		"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
	}
}

// TokenMetricsService derives token counts and cost from a completed message
// list. It is a pure function of its inputs; the only collaborator is the
// tokenizer.
type TokenMetricsService struct {
	tokenizer    Tokenizer
	pricing      map[string]ModelPricing
	systemPrompt string
}

func NewTokenMetricsService(tokenizer Tokenizer) *TokenMetricsService {
	return &TokenMetricsService{
		tokenizer:    tokenizer,
		pricing:      DefaultPricing(),
		systemPrompt: SystemPrompt,
	}
}

// Compute reconstructs, for each student turn, the exact prompt the
// completion provider saw (system prompt plus the prefixed history up to and
// including that turn) and counts its tokens as input. The directly following
// patient reply, if any, contributes output tokens; a trailing unanswered
// student turn produced no completion and contributes nothing. A message list
// with no student turns costs nothing and the tokenizer is never called.
func (s *TokenMetricsService) Compute(messages []Message, model string) TokenMetrics {
	if model == "" {
		model = DefaultPricingModel
	}
	hasStudent := false
	for _, m := range messages {
		if m.Type == MessageStudent {
			hasStudent = true
			break
		}
	}
	if !hasStudent {
		zeroTokens, zeroCost := 0, 0.0
		return TokenMetrics{TotalTokens: &zeroTokens, TotalCost: &zeroCost, Model: model}
	}

	formatted := make([]string, len(messages))
	for i, m := range messages {
		formatted[i] = FormatMessage(m)
	}

	totalTokens := 0
	for i, m := range messages {
		if m.Type != MessageStudent {
			continue
		}
		if i+1 >= len(messages) || messages[i+1].Type != MessagePatient {
			continue
		}
		inputText := s.systemPrompt + "\n" + strings.Join(formatted[:i+1], "\n")
		inputTokens, err := s.tokenizer.CountTokens(model, inputText)
		if err != nil {
			return TokenMetrics{Model: model, Error: err.Error()}
		}
		outputTokens, err := s.tokenizer.CountTokens(model, messages[i+1].Content)
		if err != nil {
			return TokenMetrics{Model: model, Error: err.Error()}
		}
		totalTokens += inputTokens + outputTokens
	}

	rates, ok := s.pricing[model]
	if !ok {
		rates = s.pricing[DefaultPricingModel]
	}
	averagePer1K := (rates.Input + rates.Output) / 2
	cost := math.Round(float64(totalTokens)/1000*averagePer1K*10000) / 10000
	return TokenMetrics{TotalTokens: &totalTokens, TotalCost: &cost, Model: model}
}
