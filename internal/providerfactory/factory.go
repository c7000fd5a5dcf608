// internal/providerfactory/factory.go
package providerfactory

import (
	"context"
	"fmt"

	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/mwiater/imagingrag/internal/providers"
	"github.com/mwiater/imagingrag/internal/providers/gemini"
	"github.com/mwiater/imagingrag/internal/providers/openai"
)

// Backend is a configured provider able to chat, see images and embed.
type Backend interface {
	providers.ChatProvider
	providers.Embedder
}

// New selects and configures the provider named by cfg.Provider.
func New(ctx context.Context, cfg appconfig.Config) (Backend, error) {
	switch name := cfg.ProviderName(); name {
	case appconfig.ProviderOpenAI:
		logging.LogEvent("Provider ready: openai at %s (chat=%s embed=%s)", cfg.BaseURLOrDefault(), cfg.ChatModelName(), cfg.EmbedModelName())
		return openai.New(cfg), nil
	case appconfig.ProviderGemini:
		p, err := gemini.New(ctx, cfg)
		if err != nil {
			logging.LogEvent("Gemini provider unavailable: %v", err)
			return nil, err
		}
		logging.LogEvent("Provider ready: gemini (chat=%s embed=%s)", cfg.ChatModelName(), cfg.EmbedModelName())
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}
