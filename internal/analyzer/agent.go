package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"
)

const systemPrompt = "You are a visual retrieval judge. You look at a single video keyframe and rate how well it matches a text description. Answer with a number only."

// OllamaConfig locates the Ollama server and the vision model to use.
type OllamaConfig struct {
	BaseURL string
	Port    int
	Model   string
}

// NewAgentFactory checks that Ollama is reachable and returns a constructor
// for fresh vision agents sharing one provider. Each rating runs in its own
// agent so conversation history never leaks between keyframes.
func NewAgentFactory(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (func() *agent.DefaultAgent, error) {
	// Check if Ollama is running
	if err := ping(ctx, fmt.Sprintf("%s:%d/api/tags", cfg.BaseURL, cfg.Port)); err != nil {
		return nil, fmt.Errorf("ollama is not reachable: %w", err)
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{
		ID: cfg.Model,
	})

	return func() *agent.DefaultAgent {
		return agent.NewAgent(&agent.NewAgentConfig{
			Provider:     provider,
			Logger:       logger,
			SystemPrompt: systemPrompt,
		})
	}, nil
}

func ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// AgentAsker adapts an agent factory to the Asker signature.
func AgentAsker(newAgent func() *agent.DefaultAgent) Asker {
	return func(ctx context.Context, prompt, imagePath string) (string, error) {
		response := newAgent().Run(
			ctx,
			agent.WithInput(prompt),
			agent.WithImagePath(imagePath),
		)
		if response.Err != nil {
			return "", response.Err
		}

		if len(response.Messages) == 0 {
			return "", fmt.Errorf("no response messages received from model")
		}

		// Get the model's response (not the prompt)
		return response.Messages[len(response.Messages)-1].Content, nil
	}
}
