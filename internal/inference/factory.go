package inference

import (
	"context"
	"fmt"

	"toolhub/internal/config"
	"toolhub/internal/logging"
)

// NewFromConfig builds the client the config selects. Provider and key
// resolution (environment chain included) already happened at config load.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Client, error) {
	inf := cfg.Inference

	switch Provider(inf.Provider) {
	case ProviderAnthropic:
		ac := DefaultAnthropicConfig(inf.APIKey)
		if inf.Model != "" {
			ac.Model = inf.Model
		}
		if inf.BaseURL != "" {
			ac.BaseURL = inf.BaseURL
		}
		ac.Timeout = cfg.GetInferenceTimeout()
		logging.Inference("provider anthropic, model %s", ac.Model)
		return NewAnthropicClientWithConfig(ac), nil

	case ProviderOpenAI:
		oc := DefaultOpenAIConfig(inf.APIKey)
		if inf.Model != "" {
			oc.Model = inf.Model
		}
		if inf.BaseURL != "" {
			oc.BaseURL = inf.BaseURL
		}
		oc.Timeout = cfg.GetInferenceTimeout()
		logging.Inference("provider openai, model %s, base %s", oc.Model, oc.BaseURL)
		return NewOpenAIClientWithConfig(oc), nil

	case ProviderGemini:
		client, err := NewGeminiClient(ctx, inf.APIKey, inf.Model)
		if err != nil {
			return nil, err
		}
		logging.Inference("provider gemini, model %s", client.Model())
		return client, nil

	case "":
		return nil, fmt.Errorf("no inference provider configured; set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")

	default:
		return nil, fmt.Errorf("unknown inference provider %q (valid: openai, anthropic, gemini)", inf.Provider)
	}
}
