package llm

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/breaker"
	"github.com/mkessel/twinward/internal/config"
)

// FromConfig builds the planner stack: the configured primary provider
// wrapped in the breaker, with the configured fallback behind it. The
// rules planner needs no credentials and is the default everywhere.
func FromConfig(cfg config.LLMConfig, br *breaker.Breaker, log logr.Logger) (Client, error) {
	primary, err := provider(cfg.Provider, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Provider == "rules" {
		// Nothing to fail over from.
		return primary, nil
	}

	fallbackName := cfg.FallbackProvider
	if fallbackName == "" {
		fallbackName = "rules"
	}
	fallback, err := provider(fallbackName, cfg, log)
	if err != nil {
		return nil, err
	}
	return NewResilient(primary, fallback, br, log), nil
}

func provider(name string, cfg config.LLMConfig, log logr.Logger) (Client, error) {
	switch name {
	case "rules":
		return NewRulesPlanner(log), nil
	case "anthropic":
		return NewAnthropicClient(cfg.Endpoint, cfg.APIKey, cfg.Model, 60*time.Second, log), nil
	case "openai":
		return NewOpenAIClient(cfg.Endpoint, cfg.APIKey, cfg.Model, 60*time.Second, log), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", name)
	}
}
