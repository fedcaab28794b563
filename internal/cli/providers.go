package cli

import (
	"fmt"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/provider/gemini"
	"github.com/ineyio/tokenmeter/provider/gonka"
	"github.com/ineyio/tokenmeter/provider/openaicompat"
)

// buildProviders creates one adapter per provider name in cfg.Upstreams.
// Upstreams sharing a provider share its adapter and differ only in auth.
func buildProviders(cfg tokenmeter.Config) ([]tokenmeter.Provider, error) {
	var (
		providers []tokenmeter.Provider
		seen      = make(map[string]bool)
	)
	for _, up := range cfg.Upstreams {
		if seen[up.Provider] {
			continue
		}
		seen[up.Provider] = true

		p, err := buildProvider(up)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", up.ID, err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("config has no upstreams")
	}
	return providers, nil
}

func buildProvider(up tokenmeter.UpstreamConfig) (tokenmeter.Provider, error) {
	switch up.Provider {
	case "gemini":
		var opts []gemini.Option
		if up.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(up.BaseURL))
		}
		return gemini.New(opts...), nil
	case "gonka":
		if up.BaseURL == "" || up.NodeAddress == "" {
			return nil, fmt.Errorf("gonka needs base_url and node_address")
		}
		return gonka.New(gonka.WithEndpoint(gonka.Endpoint{URL: up.BaseURL, Address: up.NodeAddress}))
	}

	if up.BaseURL != "" {
		return openaicompat.New(up.Provider, up.BaseURL), nil
	}
	switch up.Provider {
	case "openai":
		return openaicompat.NewOpenAI(), nil
	case "grok":
		return openaicompat.NewGrok(), nil
	case "cerebras":
		return openaicompat.NewCerebras(), nil
	}
	return nil, fmt.Errorf("unknown provider %q without base_url", up.Provider)
}
