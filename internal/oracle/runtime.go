package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/arcanalab/arcana/internal/config"
)

// Runtime interface for the agent runtime (allows mocking in tests).
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

func newRuntime(cfg *config.Config) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ModelFactory:  provider,
		SystemPrompt:  personaPrompt,
		MaxIterations: config.DefaultMaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// client implements Client on top of an agentsdk runtime.
type client struct {
	rt Runtime
}

// NewClient builds the default model client from configuration.
func NewClient(cfg *config.Config) (Client, error) {
	rt, err := newRuntime(cfg)
	if err != nil {
		return nil, err
	}
	return &client{rt: rt}, nil
}

// NewClientWithRuntime wraps an existing runtime (tests).
func NewClientWithRuntime(rt Runtime) Client {
	return &client{rt: rt}
}

func (c *client) run(ctx context.Context, prompt string) (string, error) {
	resp, err := c.rt.Run(ctx, api.Request{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (c *client) ChatReply(ctx context.Context, req ChatRequest) (string, error) {
	return c.run(ctx, chatPrompt(req))
}

func (c *client) RouteSuggestion(ctx context.Context, text string, history []Turn) (string, error) {
	return c.run(ctx, routePrompt(text, history))
}

func (c *client) ReadingIntro(ctx context.Context, question, spreadName string, cardCount int) (string, error) {
	return c.run(ctx, introPrompt(question, spreadName, cardCount))
}

func (c *client) ReadingNarrative(ctx context.Context, req NarrativeRequest) (string, error) {
	return c.run(ctx, narrativePrompt(req))
}

func (c *client) PaywallText(ctx context.Context, req PaywallRequest) (string, error) {
	return c.run(ctx, paywallPrompt(req))
}

func (c *client) FollowupText(ctx context.Context, req FollowupRequest) (string, error) {
	return c.run(ctx, followupPrompt(req))
}

func (c *client) SummarizeProfile(ctx context.Context, history []Turn, currentBlock string) (string, error) {
	return c.run(ctx, summarizePrompt(history, currentBlock))
}

func (c *client) Close() {
	c.rt.Close()
}
