package client

import (
	"fmt"

	"asi-llm/internal/config"
	"asi-llm/internal/llm"
)

// NewLLM builds the model selected by llm.backend. Both backends receive
// the same pass-through settings.
func NewLLM(cfg *config.Config) (llm.StreamingModel, error) {
	switch cfg.LLM.Backend {
	case "", config.BackendOpenAI:
		return NewASIFromConfig(cfg.LLM)
	case config.BackendLangChain:
		lc := cfg.LLM
		return NewLangChainModel(Config{
			Model:                  lc.Model,
			APIKey:                 lc.APIKey,
			APIBase:                lc.APIBase,
			IsChatModel:            true,
			IsFunctionCallingModel: lc.IsFunctionCallingModel,
			Temperature:            lc.Temperature,
			MaxTokens:              lc.MaxTokens,
			ContextWindow:          lc.ContextWindow,
			Timeout:                lc.Timeout,
			MaxRetries:             lc.MaxRetries,
			MaxConcurrency:         lc.MaxConcurrency,
			ExtraBody:              lc.ExtraBody,
			Headers:                lc.Headers,
			Debug:                  lc.Debug,
		})
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
	}
}
