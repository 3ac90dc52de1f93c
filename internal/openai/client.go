package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/clinsim/aivp/internal/services"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultHTTPTimeout = 60 * time.Second
	maxRetries         = 2
)

// Client turns the virtual-patient conversation into chat completion calls.
// It implements services.CompletionProvider.
type Client struct {
	client openaigo.Client
	model  string
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(&http.Client{Timeout: defaultHTTPTimeout}),
		option.WithMaxRetries(maxRetries),
		option.WithRequestTimeout(defaultHTTPTimeout),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: openaigo.NewClient(opts...), model: model}, nil
}

func (c *Client) Model() string { return c.model }

// Generate produces the next patient utterance. The persona prompt always
// leads; in diagnosis mode the diagnosis instructions are appended to it.
func (c *Client) Generate(ctx context.Context, messages []services.Message, diagnosisMode bool) (string, error) {
	system := services.SystemPrompt
	if diagnosisMode {
		system += services.DiagnosisPrompt
	}
	params := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(c.model),
		Messages: buildMessages(system, messages),
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("blank completion content")
	}
	return reply, nil
}

func buildMessages(system string, history []services.Message) []openaigo.ChatCompletionMessageParamUnion {
	out := make([]openaigo.ChatCompletionMessageParamUnion, 0, len(history)+1)
	out = append(out, openaigo.SystemMessage(system))
	for _, m := range history {
		switch m.Type {
		case services.MessageStudent:
			out = append(out, openaigo.UserMessage(m.Content))
		case services.MessagePatient:
			out = append(out, openaigo.AssistantMessage(m.Content))
		}
	}
	return out
}

var _ services.CompletionProvider = (*Client)(nil)
