// Package llm provides a provider-neutral chat interface over the Anthropic
// and Ollama clients.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facture-cli/internal/config"
	"github.com/sells-group/facture-cli/pkg/anthropic"
	"github.com/sells-group/facture-cli/pkg/ollama"
)

// ChatRequest is a single-turn chat call.
type ChatRequest struct {
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
}

// ChatResponse holds the assistant text and token usage.
type ChatResponse struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ChatClient sends one chat request and returns the reply. Errors are
// transport or API failures; the content is not interpreted.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// New creates the ChatClient selected by cfg.LLM.Provider.
func New(cfg *config.Config) (ChatClient, error) {
	switch cfg.LLM.Provider {
	case "ollama", "":
		opts := []ollama.Option{}
		if cfg.Ollama.BaseURL != "" {
			opts = append(opts, ollama.WithBaseURL(cfg.Ollama.BaseURL))
		}
		if cfg.Ollama.TimeoutSecs > 0 {
			opts = append(opts, ollama.WithTimeout(time.Duration(cfg.Ollama.TimeoutSecs)*time.Second))
		}
		return NewOllama(ollama.NewClient(opts...)), nil
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("llm: anthropic provider requires anthropic.key")
		}
		opts := []anthropic.Option{anthropic.WithMaxRetries(0)}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		return NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key, opts...), cfg.LLM.DefaultModel), nil
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.LLM.Provider)
	}
}

// Anthropic adapts an anthropic.Client to ChatClient.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates an Anthropic chat adapter. Requests naming a
// non-Claude model (such as a prompt written for a local model) use
// defaultModel instead.
func NewAnthropic(client anthropic.Client, defaultModel string) *Anthropic {
	return &Anthropic{client: client, defaultModel: defaultModel}
}

func (a *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if !strings.HasPrefix(model, "claude") {
		model = a.defaultModel
	}
	temp := req.Temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   int64(req.MaxTokens),
		System:      req.System,
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: anthropic chat")
	}
	return &ChatResponse{
		Content:      resp.Text(),
		Provider:     "anthropic",
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Ollama adapts an ollama.Client to ChatClient.
type Ollama struct {
	client ollama.Client
}

// NewOllama creates an Ollama chat adapter.
func NewOllama(client ollama.Client) *Ollama {
	return &Ollama{client: client}
}

func (o *Ollama) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var msgs []ollama.Message
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.User})

	resp, err := o.client.Chat(ctx, ollama.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Options:  ollama.Options{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: ollama chat")
	}
	return &ChatResponse{
		Content:      resp.Message.Content,
		Provider:     "ollama",
		Model:        req.Model,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}, nil
}
