package llm

import (
	"fmt"
	"time"

	"storyloom/internal/config"
)

// NewClient builds a single backend client from provider config.
func NewClient(p config.ProviderConfig, timeout time.Duration, maxRetries int) (Client, error) {
	switch p.Name {
	case "qwen", "deepseek", "openai":
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s requires a base_url", p.Name)
		}
		return NewOpenAICompatClient(OpenAICompatConfig{
			Name:       p.Name,
			APIKey:     p.APIKey,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			Timeout:    timeout,
			MaxRetries: maxRetries,
		}), nil

	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Timeout: timeout,
		}), nil

	case "gemini":
		return NewGeminiClient(p.APIKey, p.Model)

	default:
		return nil, fmt.Errorf("unknown provider: %s", p.Name)
	}
}

// NewChain builds the ordered fallback chain from config. Providers that
// fail to construct are skipped with a warning; at least one must survive.
func NewChain(cfg config.LLMConfig, callTimeout time.Duration) (*Chain, error) {
	backends := make([]namedClient, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		c, err := NewClient(p, callTimeout, cfg.MaxRetries)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		backends = append(backends, namedClient{name: p.Name, client: c})
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no model providers configured")
	}
	return &Chain{backends: backends, callTimeout: callTimeout}, nil
}
